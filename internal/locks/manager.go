package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"go.uber.org/zap"
)

// DefaultExpiry is how long a lock survives without a heartbeat before another editor may take it over.
const DefaultExpiry = 300 * time.Second

var (
	// ErrLockDenied indicates that another editor holds a fresh lock.
	ErrLockDenied = errors.New("locks: lock held by another editor")
	// ErrNotOwner indicates that the requester does not hold the course lock.
	ErrNotOwner = errors.New("locks: requester does not own the lock")

	errMissingStore      = errors.New("section store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRequester  = errors.New("requester identifier is required")
	errLockVanished      = errors.New("lock disappeared after conflicting insert")
	noOpLogger           = zap.NewNop()
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
	opManagerNew    = "locks.manager.new"
	opCheckLock     = "locks.check_lock"
	opDeleteLock    = "locks.delete_lock"
	opGetLock       = "locks.get_lock"
	opVerifyOwner   = "locks.verify_owner"
	opSweepExpired  = "locks.sweep_expired"
	reasonNotOwner  = "not_owner"
	reasonStoreFail = "store_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type ManagerConfig struct {
	Store      sections.Store
	Clock      func() time.Time
	Expiry     time.Duration
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Manager arbitrates the single edit lock of each course.
type Manager struct {
	store      sections.Store
	clock      func() time.Time
	expiry     time.Duration
	idProvider IDProvider
	logger     *zap.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opManagerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:      cfg.Store,
		clock:      clock,
		expiry:     expiry,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// WithStore returns a copy of the manager that operates on store, typically a transaction.
func (m *Manager) WithStore(store sections.Store) *Manager {
	copied := *m
	copied.store = store
	return &copied
}

// Expiry reports the configured lock expiry.
func (m *Manager) Expiry() time.Duration {
	return m.expiry
}

// LockResult describes the outcome of a CheckLock call.
type LockResult struct {
	Granted bool
	// Lock is the requester's lock when granted, the holder's lock otherwise.
	Lock sections.EditLock
	// Created is set when a new lock row was written (first acquisition or takeover).
	Created         bool
	TookOver        bool
	PreviousOwnerID string
}

// Err returns ErrLockDenied for a denied result.
func (r LockResult) Err() error {
	if r.Granted {
		return nil
	}
	return ErrLockDenied
}

// CheckLock acquires, refreshes or takes over the course lock for requesterID.
// A lock held by someone else that is still fresh yields Granted=false without an error.
func (m *Manager) CheckLock(ctx context.Context, courseID int64, requesterID string) (LockResult, error) {
	if requesterID == "" {
		return LockResult{}, newServiceError(opCheckLock, "missing_requester", errMissingRequester)
	}

	var result LockResult
	err := m.store.Transaction(ctx, func(tx sections.Store) error {
		outcome, err := m.WithStore(tx).checkLock(ctx, courseID, requesterID)
		if err != nil {
			return err
		}
		result = outcome
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return LockResult{}, err
		}
		m.logError(opCheckLock, reasonStoreFail, err, zap.Int64("course_id", courseID), zap.String("user_id", requesterID))
		return LockResult{}, newServiceError(opCheckLock, reasonStoreFail, err)
	}

	switch {
	case result.TookOver:
		m.logger.Info("edit lock taken over",
			zap.Int64("course_id", courseID),
			zap.String("user_id", requesterID),
			zap.String("previous_owner_id", result.PreviousOwnerID))
	case !result.Granted:
		m.logger.Debug("edit lock denied",
			zap.Int64("course_id", courseID),
			zap.String("user_id", requesterID),
			zap.String("owner_id", result.Lock.OwnerID))
	}
	return result, nil
}

func (m *Manager) checkLock(ctx context.Context, courseID int64, requesterID string) (LockResult, error) {
	now := m.clock().UTC().Unix()

	current, found, err := m.store.GetLock(ctx, courseID)
	if err != nil {
		return LockResult{}, err
	}
	if !found {
		lock, created, err := m.createLock(ctx, courseID, requesterID, now)
		if err != nil {
			return LockResult{}, err
		}
		if created {
			return LockResult{Granted: true, Lock: lock, Created: true}, nil
		}
		// Another writer inserted first; continue with the row it wrote.
		current, found, err = m.store.GetLock(ctx, courseID)
		if err != nil {
			return LockResult{}, err
		}
		if !found {
			return LockResult{}, errLockVanished
		}
	}

	if current.OwnerID == requesterID {
		touched, err := m.store.TouchLock(ctx, courseID, requesterID, now)
		if err != nil {
			return LockResult{}, err
		}
		if !touched {
			return LockResult{}, errLockVanished
		}
		current.LastHeartbeatSeconds = now
		return LockResult{Granted: true, Lock: current}, nil
	}

	if now-current.LastHeartbeatSeconds > int64(m.expiry/time.Second) {
		if _, err := m.store.DeleteLock(ctx, courseID, current.OwnerID); err != nil {
			return LockResult{}, err
		}
		lock, created, err := m.createLock(ctx, courseID, requesterID, now)
		if err != nil {
			return LockResult{}, err
		}
		if !created {
			return LockResult{Lock: current}, nil
		}
		return LockResult{Granted: true, Lock: lock, Created: true, TookOver: true, PreviousOwnerID: current.OwnerID}, nil
	}

	return LockResult{Lock: current}, nil
}

func (m *Manager) createLock(ctx context.Context, courseID int64, ownerID string, now int64) (sections.EditLock, bool, error) {
	lockID, err := m.idProvider.NewID()
	if err != nil {
		return sections.EditLock{}, false, err
	}
	lock := sections.EditLock{
		LockID:               lockID,
		CourseID:             courseID,
		OwnerID:              ownerID,
		CreatedAtSeconds:     now,
		LastHeartbeatSeconds: now,
	}
	created, err := m.store.CreateLock(ctx, lock)
	if err != nil {
		return sections.EditLock{}, false, err
	}
	return lock, created, nil
}

// DeleteLock releases the course lock. Only the current owner may release it.
func (m *Manager) DeleteLock(ctx context.Context, courseID int64, requesterID string) error {
	if requesterID == "" {
		return newServiceError(opDeleteLock, "missing_requester", errMissingRequester)
	}
	deleted, err := m.store.DeleteLock(ctx, courseID, requesterID)
	if err != nil {
		m.logError(opDeleteLock, reasonStoreFail, err, zap.Int64("course_id", courseID), zap.String("user_id", requesterID))
		return newServiceError(opDeleteLock, reasonStoreFail, err)
	}
	if !deleted {
		return newServiceError(opDeleteLock, reasonNotOwner, ErrNotOwner)
	}
	return nil
}

// GetLock fetches the course lock without side effects.
func (m *Manager) GetLock(ctx context.Context, courseID int64) (sections.EditLock, bool, error) {
	lock, found, err := m.store.GetLock(ctx, courseID)
	if err != nil {
		m.logError(opGetLock, reasonStoreFail, err, zap.Int64("course_id", courseID))
		return sections.EditLock{}, false, newServiceError(opGetLock, reasonStoreFail, err)
	}
	return lock, found, nil
}

// VerifyOwner fails with ErrNotOwner unless editorID holds the course lock.
func (m *Manager) VerifyOwner(ctx context.Context, courseID int64, editorID string) error {
	lock, found, err := m.GetLock(ctx, courseID)
	if err != nil {
		return err
	}
	if !found || editorID == "" || lock.OwnerID != editorID {
		return newServiceError(opVerifyOwner, reasonNotOwner, ErrNotOwner)
	}
	return nil
}

// SweepExpired removes every lock whose last heartbeat is older than the expiry.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := m.clock().UTC().Add(-m.expiry).Unix()
	removed, err := m.store.DeleteLocksBefore(ctx, cutoff)
	if err != nil {
		m.logError(opSweepExpired, reasonStoreFail, err)
		return 0, newServiceError(opSweepExpired, reasonStoreFail, err)
	}
	return removed, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("lock manager error", attrs...)
}
