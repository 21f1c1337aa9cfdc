package summary

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
)

// ErrPersistenceFailure indicates that a store operation failed while applying a plan.
var ErrPersistenceFailure = errors.New("summary: persistence failure")

// ApplyResult reports what Apply wrote.
type ApplyResult struct {
	// CreatedIDs maps the submission index of each created section to its new id.
	CreatedIDs map[int]int64
	Steps      int
}

// Apply executes the plan's steps in order against store, which should be bound to a
// transaction. Deletions resolve the section's current position by id so that several
// deletions in one plan each target the right row after earlier renumbering.
func Apply(ctx context.Context, store sections.Store, courseID int64, plan Plan) (ApplyResult, error) {
	result := ApplyResult{CreatedIDs: make(map[int]int64)}

	for _, step := range plan.Steps() {
		sectionID := step.SectionID
		if sectionID == NewSectionID && step.Kind != StepCreate {
			created, ok := result.CreatedIDs[step.EntryIndex]
			if !ok {
				return result, fmt.Errorf("%w: no section created for entry %d", ErrPersistenceFailure, step.EntryIndex)
			}
			sectionID = created
		}

		var err error
		switch step.Kind {
		case StepDelete:
			var position int
			position, err = store.SectionPosition(ctx, courseID, sectionID)
			if err == nil {
				err = store.DeleteSection(ctx, courseID, position)
			}
		case StepCreate:
			var created int64
			created, err = store.CreateSection(ctx, courseID, step.Name, step.Position, step.Visible)
			if err == nil {
				result.CreatedIDs[step.EntryIndex] = created
			}
		case StepSetPosition:
			err = store.SetPosition(ctx, sectionID, step.Position)
		case StepSetVisibility:
			err = store.SetVisibility(ctx, sectionID, step.Visible)
		case StepSetName:
			err = store.SetName(ctx, sectionID, step.Name)
		case StepSetDepth:
			err = store.SetSectionDepth(ctx, courseID, sectionID, step.Depth)
		default:
			err = fmt.Errorf("unknown step kind %d", step.Kind)
		}
		if err != nil {
			return result, classifyStoreError(step, sectionID, err)
		}
		result.Steps++
	}
	return result, nil
}

func classifyStoreError(step Step, sectionID int64, err error) error {
	if errors.Is(err, sections.ErrSectionNotFound) {
		return fmt.Errorf("%s section %d: %w", step.Kind, sectionID, err)
	}
	return fmt.Errorf("%w: %s section %d: %w", ErrPersistenceFailure, step.Kind, sectionID, err)
}
