package summary

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
)

// Deletion is a persisted section absent from the submission.
type Deletion struct {
	SectionID int64
	// Position is the section's position when the plan was computed.
	Position int
}

// Entry is one submitted section with its classification.
type Entry struct {
	// Index is the 1-based submission position, which becomes the stored position.
	Index            int
	Section          ClientSection
	PreviousPosition int

	Create           bool
	UpdatePosition   bool
	UpdateVisibility bool
	UpdateName       bool
	UpdateDepth      bool
}

func (e Entry) changed() bool {
	return e.Create || e.UpdatePosition || e.UpdateVisibility || e.UpdateName || e.UpdateDepth
}

// Plan is the difference between the persisted outline and a submission.
type Plan struct {
	Deletions []Deletion
	Entries   []Entry
	// StartShiftPosition is the first submission index whose position changes; 0 when nothing moves.
	StartShiftPosition int
}

// Empty reports whether applying the plan would touch the store at all.
func (p Plan) Empty() bool {
	if len(p.Deletions) > 0 || p.StartShiftPosition != 0 {
		return false
	}
	for _, entry := range p.Entries {
		if entry.changed() {
			return false
		}
	}
	return true
}

// Reconcile classifies every submitted section against the persisted outline.
// Sections are matched by id; an id of NewSectionID creates a section and any
// persisted section not submitted is deleted.
func Reconcile(persisted []sections.PersistedSection, submitted []ClientSection) (Plan, error) {
	remaining := make(map[int64]sections.PersistedSection, len(persisted))
	for _, section := range persisted {
		remaining[section.ID] = section
	}
	seen := make(map[int64]struct{}, len(submitted))

	plan := Plan{Entries: make([]Entry, 0, len(submitted))}
	for offset, section := range submitted {
		if section.Depth < 0 || section.Depth > 1 {
			return Plan{}, fmt.Errorf("%w: depth %d at entry %d", ErrMalformedPayload, section.Depth, offset)
		}
		entry := Entry{Index: offset + 1, Section: section}

		if section.ID == NewSectionID {
			entry.Create = true
			entry.UpdateDepth = section.Depth != 0
			if plan.StartShiftPosition == 0 {
				plan.StartShiftPosition = entry.Index
			}
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		if _, duplicate := seen[section.ID]; duplicate {
			return Plan{}, fmt.Errorf("%w: section %d submitted twice", ErrMalformedPayload, section.ID)
		}
		seen[section.ID] = struct{}{}

		previous, ok := remaining[section.ID]
		if !ok {
			return Plan{}, fmt.Errorf("%w: id %d", sections.ErrSectionNotFound, section.ID)
		}
		delete(remaining, section.ID)

		entry.PreviousPosition = previous.Position
		entry.UpdateVisibility = previous.Visible != section.Visible
		entry.UpdateName = !sameName(previous.Name, section.Name)
		entry.UpdateDepth = previous.Depth != section.Depth
		if previous.Position != entry.Index {
			entry.UpdatePosition = true
			if plan.StartShiftPosition == 0 {
				plan.StartShiftPosition = entry.Index
			}
		}
		plan.Entries = append(plan.Entries, entry)
	}

	for _, section := range persisted {
		if _, stillThere := remaining[section.ID]; stillThere {
			plan.Deletions = append(plan.Deletions, Deletion{SectionID: section.ID, Position: section.Position})
		}
	}
	return plan, nil
}

func sameName(left, right *string) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

// StepKind enumerates store operations produced by a plan.
type StepKind int

const (
	StepDelete StepKind = iota + 1
	StepCreate
	StepSetPosition
	StepSetVisibility
	StepSetName
	StepSetDepth
)

func (k StepKind) String() string {
	switch k {
	case StepDelete:
		return "delete"
	case StepCreate:
		return "create"
	case StepSetPosition:
		return "set_position"
	case StepSetVisibility:
		return "set_visibility"
	case StepSetName:
		return "set_name"
	case StepSetDepth:
		return "set_depth"
	default:
		return "unknown"
	}
}

// Step is one store operation. SectionID is NewSectionID for steps on a section created
// earlier in the same plan; EntryIndex identifies it.
type Step struct {
	Kind       StepKind
	EntryIndex int
	SectionID  int64
	Position   int
	Name       *string
	Visible    bool
	Depth      int
}

// Steps orders the plan so that no two sections of the course ever share a position:
// deletions first, then every entry from the shift start moves to its negated index
// (creations are inserted there), then the negated positions flip to their final value.
func (p Plan) Steps() []Step {
	steps := make([]Step, 0, len(p.Deletions)+2*len(p.Entries))
	for _, deletion := range p.Deletions {
		steps = append(steps, Step{Kind: StepDelete, SectionID: deletion.SectionID, Position: deletion.Position})
	}

	for _, entry := range p.Entries {
		if entry.Create {
			steps = append(steps, Step{
				Kind:       StepCreate,
				EntryIndex: entry.Index,
				SectionID:  NewSectionID,
				Position:   -entry.Index,
				Name:       entry.Section.Name,
				Visible:    entry.Section.Visible,
			})
			continue
		}
		if p.shifts(entry) {
			steps = append(steps, Step{Kind: StepSetPosition, EntryIndex: entry.Index, SectionID: entry.Section.ID, Position: -entry.Index})
		}
		if entry.UpdateVisibility {
			steps = append(steps, Step{Kind: StepSetVisibility, EntryIndex: entry.Index, SectionID: entry.Section.ID, Visible: entry.Section.Visible})
		}
		if entry.UpdateName {
			steps = append(steps, Step{Kind: StepSetName, EntryIndex: entry.Index, SectionID: entry.Section.ID, Name: entry.Section.Name})
		}
	}

	for _, entry := range p.Entries {
		sectionID := entry.Section.ID
		if entry.Create {
			sectionID = NewSectionID
		}
		if p.shifts(entry) {
			steps = append(steps, Step{Kind: StepSetPosition, EntryIndex: entry.Index, SectionID: sectionID, Position: entry.Index})
		}
		if entry.UpdateDepth {
			steps = append(steps, Step{Kind: StepSetDepth, EntryIndex: entry.Index, SectionID: sectionID, Depth: entry.Section.Depth})
		}
	}
	return steps
}

func (p Plan) shifts(entry Entry) bool {
	return p.StartShiftPosition != 0 && entry.Index >= p.StartShiftPosition
}
