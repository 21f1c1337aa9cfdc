package sections

import "context"

// Store is the persistence contract for course sections, their depth rows and edit locks.
// Every method runs against the handle the Store was bound to; Transaction hands fn a
// Store bound to a single atomic transaction.
type Store interface {
	// ListSections returns the editable sections of a course ordered by position.
	// Position 0 is the implicit top section and is never listed.
	ListSections(ctx context.Context, courseID int64) ([]PersistedSection, error)
	SectionPosition(ctx context.Context, courseID, sectionID int64) (int, error)
	CreateSection(ctx context.Context, courseID int64, name *string, position int, visible bool) (int64, error)
	SetPosition(ctx context.Context, sectionID int64, position int) error
	SetVisibility(ctx context.Context, sectionID int64, visible bool) error
	SetName(ctx context.Context, sectionID int64, name *string) error
	// GetSectionDepth reports the stored depth row, if any.
	GetSectionDepth(ctx context.Context, courseID, sectionID int64) (int, bool, error)
	// SetSectionDepth deletes the depth row for depth 0 and upserts it otherwise.
	SetSectionDepth(ctx context.Context, courseID, sectionID int64, depth int) error
	// DeleteSection removes the section at position and renumbers the sections after it.
	DeleteSection(ctx context.Context, courseID int64, position int) error
	LastSectionPosition(ctx context.Context, courseID int64) (int, error)

	GetLock(ctx context.Context, courseID int64) (EditLock, bool, error)
	// CreateLock inserts the lock unless the course already has one.
	CreateLock(ctx context.Context, lock EditLock) (bool, error)
	TouchLock(ctx context.Context, courseID int64, ownerID string, heartbeatSeconds int64) (bool, error)
	DeleteLock(ctx context.Context, courseID int64, ownerID string) (bool, error)
	DeleteLocksBefore(ctx context.Context, cutoffSeconds int64) (int64, error)

	// PurgeCourse removes the course's edit lock and depth rows.
	PurgeCourse(ctx context.Context, courseID int64) error

	Transaction(ctx context.Context, fn func(Store) error) error
}
