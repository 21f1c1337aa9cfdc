package summary

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
)

// TreeOptions describes the viewer of a navigation tree.
type TreeOptions struct {
	// CurrentPosition is the section being viewed; 0 means the first section.
	CurrentPosition int
	CanViewHidden   bool
}

// TreeNode is one entry of the two-level navigation outline.
type TreeNode struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Position        int        `json:"position"`
	Hidden          bool       `json:"hide"`
	HasRestriction  bool       `json:"has_restriction"`
	Visible         bool       `json:"visible"`
	IsCurrent       bool       `json:"is_current"`
	HasChild        bool       `json:"has_child"`
	HasCurrentChild bool       `json:"has_current_child"`
	Children        []TreeNode `json:"children,omitempty"`
}

// DefaultSectionLabel is the display name of a section without a name.
func DefaultSectionLabel(position int) string {
	return fmt.Sprintf("(Section %d)", position)
}

// NewSectionLabel is the editor's label for a section that will be appended at position.
func NewSectionLabel(position int) string {
	return fmt.Sprintf("New section (%d)", position)
}

// DisplayName returns the section name or its default label.
func DisplayName(section sections.PersistedSection) string {
	if section.Name != nil && *section.Name != "" {
		return *section.Name
	}
	return DefaultSectionLabel(section.Position)
}

type availabilityTree struct {
	Conditions []json.RawMessage `json:"c"`
	Show       *bool             `json:"show"`
	ShowC      []bool            `json:"showc"`
}

// restriction reports whether the section carries access conditions and whether those
// conditions hide it entirely from users who do not meet them.
func restriction(raw json.RawMessage) (restricted bool, hides bool) {
	if len(raw) == 0 {
		return false, false
	}
	var tree availabilityTree
	if err := json.Unmarshal(raw, &tree); err != nil || len(tree.Conditions) == 0 {
		return false, false
	}
	if tree.Show != nil {
		return true, !*tree.Show
	}
	if len(tree.ShowC) > 0 {
		for _, show := range tree.ShowC {
			if show {
				return true, false
			}
		}
		return true, true
	}
	return true, false
}

// BuildTree nests each depth-1 run under the depth-0 section before it. A depth-1 run
// with no preceding depth-0 section is rendered at the top level.
func BuildTree(outline []sections.PersistedSection, opts TreeOptions) []TreeNode {
	current := opts.CurrentPosition
	if current == 0 {
		current = 1
	}

	roots := make([]TreeNode, 0, len(outline))
	anchor := -1
	for _, section := range outline {
		hidden := !section.Visible
		restricted, restrictionHides := restriction(section.Availability)
		node := TreeNode{
			ID:             section.ID,
			Name:           DisplayName(section),
			Position:       section.Position,
			Hidden:         hidden,
			HasRestriction: restricted,
			Visible:        !(hidden || restrictionHides) || opts.CanViewHidden,
			IsCurrent:      section.Position == current,
		}

		if section.Depth == 0 || anchor < 0 {
			roots = append(roots, node)
			if section.Depth == 0 {
				anchor = len(roots) - 1
			}
			continue
		}

		parent := &roots[anchor]
		parent.Children = append(parent.Children, node)
		parent.HasChild = true
		if node.IsCurrent || parent.IsCurrent {
			parent.HasCurrentChild = true
		}
	}
	return roots
}
