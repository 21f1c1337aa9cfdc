package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const touchInterval = time.Minute

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownEditor indicates that no profile exists for the user id.
	ErrUnknownEditor = errors.New("users: unknown editor")
)

// ServiceConfig describes the dependencies required for profile tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

type cachedProfile struct {
	displayName string
	email       string
	seenAt      time.Time
}

// Service keeps editor profiles current from session claims and resolves display names.
type Service struct {
	db      *gorm.DB
	now     func() time.Time
	entries sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// RecordSession upserts the profile described by claims and returns the editor id.
// Repeated calls within a minute with unchanged details skip the write.
func (s *Service) RecordSession(ctx context.Context, claims auth.SessionClaims) (string, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return "", ErrInvalidIdentity
	}

	now := s.now().UTC()
	current := cachedProfile{
		displayName: normalize(claims.UserDisplayName),
		email:       normalize(claims.UserEmail),
		seenAt:      now,
	}
	if cached, ok := s.entries.Load(userID); ok {
		previous := cached.(cachedProfile)
		if previous.displayName == current.displayName && previous.email == current.email && now.Sub(previous.seenAt) < touchInterval {
			return userID, nil
		}
	}

	profile := Profile{
		UserID:      userID,
		Email:       current.email,
		DisplayName: current.displayName,
		LastSeenAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_email", "user_display_name", "last_seen_at", "updated_at"}),
	}).Create(&profile).Error
	if err != nil {
		return "", fmt.Errorf("users: record session: %w", err)
	}

	s.entries.Store(userID, current)
	return userID, nil
}

// DisplayName returns the editor's display name, falling back to the email and then the id.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	userID = normalize(userID)
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	if cached, ok := s.entries.Load(userID); ok {
		return preferredName(userID, cached.(cachedProfile).displayName, cached.(cachedProfile).email), nil
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownEditor, userID)
	}
	if err != nil {
		return "", fmt.Errorf("users: load profile: %w", err)
	}
	return preferredName(userID, profile.DisplayName, profile.Email), nil
}

func preferredName(userID, displayName, email string) string {
	if displayName != "" {
		return displayName
	}
	if email != "" {
		return email
	}
	return userID
}
