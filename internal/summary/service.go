package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"go.uber.org/zap"
)

var (
	errMissingStore       = errors.New("section store is required")
	errMissingLockManager = errors.New("lock manager is required")
	errMissingEditor      = errors.New("editor identifier is required")
	noOpLogger            = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "summary.service.new"
	opUpdateSummary  = "summary.update_summary"
	opCheckLock      = "summary.check_lock"
	opDeleteLock     = "summary.delete_lock"
	opGetSummary     = "summary.get_summary"
	opOpenEditor     = "summary.open_editor"
	opRemoveBlock    = "summary.remove_block"
	reasonNotOwner   = "not_owner"
	reasonMalformed  = "malformed_payload"
	reasonNotFound   = "section_not_found"
	reasonPersisting = "persistence_failure"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Event types published after lock and outline changes.
const (
	EventLockChanged    = "lock-change"
	EventSummaryChanged = "summary-change"
)

// Event notifies subscribers of a course that its lock or outline changed.
type Event struct {
	CourseID  int64
	Type      string
	ActorID   string
	Timestamp time.Time
}

type EventPublisher interface {
	PublishSummaryEvent(event Event)
}

// Cache holds listed course outlines. Invalidate is called after every committed change.
type Cache interface {
	Sections(ctx context.Context, courseID int64) ([]sections.PersistedSection, bool, error)
	StoreSections(ctx context.Context, courseID int64, outline []sections.PersistedSection) error
	Invalidate(ctx context.Context, courseID int64) error
}

// ProfileResolver resolves an editor id to a display name.
type ProfileResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type ServiceConfig struct {
	Store    sections.Store
	Locks    *locks.Manager
	Cache    Cache
	Events   EventPublisher
	Profiles ProfileResolver
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service orchestrates lock checks, reconciliation and outline reads for the summary block.
type Service struct {
	store    sections.Store
	locks    *locks.Manager
	cache    Cache
	events   EventPublisher
	profiles ProfileResolver
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Locks == nil {
		return nil, newServiceError(opServiceNew, "missing_lock_manager", errMissingLockManager)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:    cfg.Store,
		locks:    cfg.Locks,
		cache:    cfg.Cache,
		events:   cfg.Events,
		profiles: cfg.Profiles,
		clock:    clock,
		logger:   logger,
	}, nil
}

// UpdateResult summarises a committed update.
type UpdateResult struct {
	Created int
	Deleted int
	Steps   int
}

// UpdateSummary replaces the course outline with the editor's submission. The editor must
// hold the course lock; ownership is checked before parsing and again inside the
// transaction that applies the plan, so a lock lost in between rejects the whole update.
func (s *Service) UpdateSummary(ctx context.Context, courseID int64, editorID string, payload []byte) (UpdateResult, error) {
	fields := []zap.Field{zap.Int64("course_id", courseID), zap.String("user_id", editorID)}
	if editorID == "" {
		return UpdateResult{}, newServiceError(opUpdateSummary, reasonNotOwner, errors.Join(locks.ErrNotOwner, errMissingEditor))
	}

	if err := s.locks.VerifyOwner(ctx, courseID, editorID); err != nil {
		return UpdateResult{}, s.updateFailure(err, fields)
	}

	submitted, err := ParseClientSections(payload)
	if err != nil {
		return UpdateResult{}, s.updateFailure(err, fields)
	}

	var result UpdateResult
	err = s.store.Transaction(ctx, func(tx sections.Store) error {
		if err := s.locks.WithStore(tx).VerifyOwner(ctx, courseID, editorID); err != nil {
			return err
		}
		persisted, err := tx.ListSections(ctx, courseID)
		if err != nil {
			return fmt.Errorf("%w: list sections: %w", ErrPersistenceFailure, err)
		}
		plan, err := Reconcile(persisted, submitted)
		if err != nil {
			return err
		}
		if plan.Empty() {
			return nil
		}
		applied, err := Apply(ctx, tx, courseID, plan)
		if err != nil {
			return err
		}
		result = UpdateResult{Created: len(applied.CreatedIDs), Deleted: len(plan.Deletions), Steps: applied.Steps}
		return nil
	})
	if err != nil {
		return UpdateResult{}, s.updateFailure(err, fields)
	}

	if result.Steps > 0 {
		s.invalidate(ctx, opUpdateSummary, courseID)
		s.publish(courseID, EventSummaryChanged, editorID)
	}
	s.logger.Info("course summary updated",
		zap.Int64("course_id", courseID),
		zap.String("user_id", editorID),
		zap.Int("steps", result.Steps),
		zap.Int("created", result.Created),
		zap.Int("deleted", result.Deleted))
	return result, nil
}

func (s *Service) updateFailure(err error, fields []zap.Field) error {
	switch {
	case errors.Is(err, locks.ErrNotOwner):
		s.logger.Info("summary update rejected: editor does not hold the lock", fields...)
		return newServiceError(opUpdateSummary, reasonNotOwner, err)
	case errors.Is(err, ErrMalformedPayload):
		s.logger.Warn("summary update rejected: malformed payload", append(fields, zap.Error(err))...)
		return newServiceError(opUpdateSummary, reasonMalformed, err)
	case errors.Is(err, sections.ErrSectionNotFound):
		s.logger.Warn("summary update rejected: stale section list", append(fields, zap.Error(err))...)
		return newServiceError(opUpdateSummary, reasonNotFound, err)
	default:
		if !errors.Is(err, ErrPersistenceFailure) {
			err = fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
		}
		s.logError(opUpdateSummary, reasonPersisting, err, fields...)
		return newServiceError(opUpdateSummary, reasonPersisting, err)
	}
}

// LockStatus is the outcome of a lock check as seen by the editor.
type LockStatus struct {
	locks.LockResult
	HolderDisplayName string
}

// CheckLock acquires or refreshes the course lock for editorID.
func (s *Service) CheckLock(ctx context.Context, courseID int64, editorID string) (LockStatus, error) {
	result, err := s.locks.CheckLock(ctx, courseID, editorID)
	if err != nil {
		return LockStatus{}, newServiceError(opCheckLock, reasonPersisting, err)
	}
	status := LockStatus{LockResult: result}
	if !result.Granted {
		status.HolderDisplayName = s.displayName(ctx, result.Lock.OwnerID)
	}
	if result.Created || result.TookOver {
		s.publish(courseID, EventLockChanged, editorID)
	}
	return status, nil
}

// DeleteLock releases the course lock held by editorID.
func (s *Service) DeleteLock(ctx context.Context, courseID int64, editorID string) error {
	if err := s.locks.DeleteLock(ctx, courseID, editorID); err != nil {
		if errors.Is(err, locks.ErrNotOwner) {
			return newServiceError(opDeleteLock, reasonNotOwner, err)
		}
		return newServiceError(opDeleteLock, reasonPersisting, err)
	}
	s.publish(courseID, EventLockChanged, editorID)
	return nil
}

// GetSummary returns the navigation tree of a course, reading through the cache.
func (s *Service) GetSummary(ctx context.Context, courseID int64, opts TreeOptions) ([]TreeNode, error) {
	outline, err := s.loadSections(ctx, courseID)
	if err != nil {
		s.logError(opGetSummary, reasonPersisting, err, zap.Int64("course_id", courseID))
		return nil, newServiceError(opGetSummary, reasonPersisting, err)
	}
	return BuildTree(outline, opts), nil
}

func (s *Service) loadSections(ctx context.Context, courseID int64) ([]sections.PersistedSection, error) {
	if s.cache != nil {
		cached, found, err := s.cache.Sections(ctx, courseID)
		if err == nil && found {
			return cached, nil
		}
		if err != nil {
			s.logger.Warn("course structure cache read failed", zap.Int64("course_id", courseID), zap.Error(err))
		}
	}
	outline, err := s.store.ListSections(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.StoreSections(ctx, courseID, outline); err != nil {
			s.logger.Warn("course structure cache write failed", zap.Int64("course_id", courseID), zap.Error(err))
		}
	}
	return outline, nil
}

// EditorSection is one row of the editor's sortable list.
type EditorSection struct {
	ID      int64   `json:"id"`
	Name    *string `json:"name"`
	Label   string  `json:"label"`
	Visible bool    `json:"visible"`
	Depth   int     `json:"depth"`
}

// EditorView bootstraps the summary editor.
type EditorView struct {
	Sections          []EditorSection `json:"sections"`
	NextSectionNumber int             `json:"next_section_number"`
	NewSectionLabel   string          `json:"new_section_label"`
	Locked            bool            `json:"locked"`
	LockedBy          string          `json:"locked_by,omitempty"`
	// LockExpirySeconds tells the client how often it must heartbeat to keep the lock.
	LockExpirySeconds int64           `json:"lock_expiry_seconds"`
}

// OpenEditor tries to take the course lock for editorID and returns the editable outline.
func (s *Service) OpenEditor(ctx context.Context, courseID int64, editorID string) (EditorView, error) {
	fields := []zap.Field{zap.Int64("course_id", courseID), zap.String("user_id", editorID)}
	status, err := s.CheckLock(ctx, courseID, editorID)
	if err != nil {
		return EditorView{}, newServiceError(opOpenEditor, "lock_check_failed", err)
	}

	outline, err := s.store.ListSections(ctx, courseID)
	if err != nil {
		s.logError(opOpenEditor, reasonPersisting, err, fields...)
		return EditorView{}, newServiceError(opOpenEditor, reasonPersisting, err)
	}
	last, err := s.store.LastSectionPosition(ctx, courseID)
	if err != nil {
		s.logError(opOpenEditor, reasonPersisting, err, fields...)
		return EditorView{}, newServiceError(opOpenEditor, reasonPersisting, err)
	}

	view := EditorView{
		Sections:          make([]EditorSection, 0, len(outline)),
		NextSectionNumber: last + 1,
		NewSectionLabel:   NewSectionLabel(last + 1),
		Locked:            !status.Granted,
		LockedBy:          status.HolderDisplayName,
		LockExpirySeconds: int64(s.locks.Expiry() / time.Second),
	}
	for _, section := range outline {
		view.Sections = append(view.Sections, EditorSection{
			ID:      section.ID,
			Name:    section.Name,
			Label:   DisplayName(section),
			Visible: section.Visible,
			Depth:   section.Depth,
		})
	}
	return view, nil
}

// RemoveBlock deletes the course's edit lock and depth rows when the block is removed.
func (s *Service) RemoveBlock(ctx context.Context, courseID int64) error {
	err := s.store.Transaction(ctx, func(tx sections.Store) error {
		return tx.PurgeCourse(ctx, courseID)
	})
	if err != nil {
		s.logError(opRemoveBlock, reasonPersisting, err, zap.Int64("course_id", courseID))
		return newServiceError(opRemoveBlock, reasonPersisting, err)
	}
	s.invalidate(ctx, opRemoveBlock, courseID)
	s.publish(courseID, EventLockChanged, "")
	return nil
}

func (s *Service) invalidate(ctx context.Context, operation string, courseID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, courseID); err != nil {
		s.logger.Warn("course structure cache invalidation failed",
			zap.String("operation", operation),
			zap.Int64("course_id", courseID),
			zap.Error(err))
	}
}

func (s *Service) publish(courseID int64, eventType, actorID string) {
	if s.events == nil {
		return
	}
	s.events.PublishSummaryEvent(Event{
		CourseID:  courseID,
		Type:      eventType,
		ActorID:   actorID,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.profiles == nil || userID == "" {
		return ""
	}
	name, err := s.profiles.DisplayName(ctx, userID)
	if err != nil {
		s.logger.Debug("editor display name lookup failed", zap.String("user_id", userID), zap.Error(err))
		return ""
	}
	return name
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("summary service error", attrs...)
}
