package sections

import (
	"encoding/json"
	"errors"

	"gorm.io/datatypes"
)

// DepthOptionName is the course format option row that carries a section's nesting depth.
const DepthOptionName = "depth"

var (
	// ErrSectionNotFound indicates that a referenced section does not exist in the course.
	ErrSectionNotFound = errors.New("sections: section not found")
	// ErrDuplicatePosition indicates that two sections of one course would share a position.
	ErrDuplicatePosition = errors.New("sections: duplicate section position")
)

// Section models one course outline entry.
type Section struct {
	ID                  int64          `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID            int64          `gorm:"column:course_id;not null;uniqueIndex:idx_course_sections_position,priority:1"`
	Position            int            `gorm:"column:position;not null;uniqueIndex:idx_course_sections_position,priority:2"`
	Name                *string        `gorm:"column:name;size:255"`
	Visible             bool           `gorm:"column:visible;not null"`
	Availability        datatypes.JSON `gorm:"column:availability"`
	TimeModifiedSeconds int64          `gorm:"column:time_modified_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Section) TableName() string {
	return "course_sections"
}

// FormatOption is a sparse per-section key/value row. Only the depth option is used here.
type FormatOption struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID  int64  `gorm:"column:course_id;not null;uniqueIndex:idx_course_format_options_key,priority:1"`
	SectionID int64  `gorm:"column:section_id;not null;uniqueIndex:idx_course_format_options_key,priority:2"`
	Name      string `gorm:"column:name;size:100;not null;uniqueIndex:idx_course_format_options_key,priority:3"`
	Value     string `gorm:"column:value;size:255;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FormatOption) TableName() string {
	return "course_format_options"
}

// EditLock records which editor currently owns the summary editor of a course.
type EditLock struct {
	LockID               string `gorm:"column:lock_id;primaryKey;size:64"`
	CourseID             int64  `gorm:"column:course_id;not null;uniqueIndex:idx_summary_edit_locks_course"`
	OwnerID              string `gorm:"column:owner_id;size:190;not null"`
	CreatedAtSeconds     int64  `gorm:"column:created_at_s;not null"`
	LastHeartbeatSeconds int64  `gorm:"column:last_heartbeat_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (EditLock) TableName() string {
	return "summary_edit_locks"
}

// PersistedSection is the read model of a section joined with its depth.
type PersistedSection struct {
	ID           int64           `json:"id"`
	CourseID     int64           `json:"course_id"`
	Name         *string         `json:"name"`
	Visible      bool            `json:"visible"`
	Depth        int             `json:"depth"`
	Position     int             `json:"position"`
	Availability json.RawMessage `json:"availability,omitempty"`
}
