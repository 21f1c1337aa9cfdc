package sections

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("sections: database handle is required")

// GormStoreConfig configures a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// GormStore implements Store on top of GORM.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: cfg.Database, clock: clock}, nil
}

type sectionRow struct {
	ID           int64
	CourseID     int64
	Position     int
	Name         *string
	Visible      bool
	Availability []byte
	DepthValue   *string
}

func (s *GormStore) ListSections(ctx context.Context, courseID int64) ([]PersistedSection, error) {
	var rows []sectionRow
	err := s.db.WithContext(ctx).
		Table("course_sections AS s").
		Select("s.id, s.course_id, s.position, s.name, s.visible, s.availability, o.value AS depth_value").
		Joins("LEFT JOIN course_format_options AS o ON o.section_id = s.id AND o.course_id = s.course_id AND o.name = ?", DepthOptionName).
		Where("s.course_id = ? AND s.position <> 0", courseID).
		Order("s.position ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sections: list sections: %w", err)
	}

	result := make([]PersistedSection, 0, len(rows))
	for _, row := range rows {
		section := PersistedSection{
			ID:       row.ID,
			CourseID: row.CourseID,
			Name:     row.Name,
			Visible:  row.Visible,
			Position: row.Position,
			Depth:    parseDepth(row.DepthValue),
		}
		if len(row.Availability) > 0 {
			section.Availability = append([]byte(nil), row.Availability...)
		}
		result = append(result, section)
	}
	return result, nil
}

func (s *GormStore) SectionPosition(ctx context.Context, courseID, sectionID int64) (int, error) {
	var section Section
	err := s.db.WithContext(ctx).
		Select("position").
		Where("course_id = ? AND id = ?", courseID, sectionID).
		Take(&section).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: id %d", ErrSectionNotFound, sectionID)
	}
	if err != nil {
		return 0, fmt.Errorf("sections: section position: %w", err)
	}
	return section.Position, nil
}

func (s *GormStore) CreateSection(ctx context.Context, courseID int64, name *string, position int, visible bool) (int64, error) {
	section := Section{
		CourseID:            courseID,
		Position:            position,
		Name:                name,
		Visible:             visible,
		TimeModifiedSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&section).Error; err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: course %d position %d", ErrDuplicatePosition, courseID, position)
		}
		return 0, fmt.Errorf("sections: create section: %w", err)
	}
	return section.ID, nil
}

func (s *GormStore) SetPosition(ctx context.Context, sectionID int64, position int) error {
	return s.updateSection(ctx, sectionID, map[string]any{"position": position})
}

func (s *GormStore) SetVisibility(ctx context.Context, sectionID int64, visible bool) error {
	return s.updateSection(ctx, sectionID, map[string]any{"visible": visible})
}

func (s *GormStore) SetName(ctx context.Context, sectionID int64, name *string) error {
	return s.updateSection(ctx, sectionID, map[string]any{"name": name})
}

func (s *GormStore) updateSection(ctx context.Context, sectionID int64, values map[string]any) error {
	values["time_modified_s"] = s.clock().UTC().Unix()
	db := s.db.WithContext(ctx)
	result := db.Model(&Section{}).Where("id = ?", sectionID).Updates(values)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: section %d: %v", ErrDuplicatePosition, sectionID, result.Error)
		}
		return fmt.Errorf("sections: update section %d: %w", sectionID, result.Error)
	}
	matched, err := confirmMatched(db, result, &Section{}, "id = ?", sectionID)
	if err != nil {
		return fmt.Errorf("sections: update section %d: %w", sectionID, err)
	}
	if !matched {
		return fmt.Errorf("%w: id %d", ErrSectionNotFound, sectionID)
	}
	return nil
}

func (s *GormStore) GetSectionDepth(ctx context.Context, courseID, sectionID int64) (int, bool, error) {
	var option FormatOption
	result := s.db.WithContext(ctx).
		Where("course_id = ? AND section_id = ? AND name = ?", courseID, sectionID, DepthOptionName).
		Limit(1).
		Find(&option)
	if result.Error != nil {
		return 0, false, fmt.Errorf("sections: get depth: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, false, nil
	}
	return parseDepth(&option.Value), true, nil
}

func (s *GormStore) SetSectionDepth(ctx context.Context, courseID, sectionID int64, depth int) error {
	db := s.db.WithContext(ctx)
	if depth == 0 {
		err := db.Where("course_id = ? AND section_id = ? AND name = ?", courseID, sectionID, DepthOptionName).
			Delete(&FormatOption{}).Error
		if err != nil {
			return fmt.Errorf("sections: clear depth: %w", err)
		}
		return nil
	}

	option := FormatOption{
		CourseID:  courseID,
		SectionID: sectionID,
		Name:      DepthOptionName,
		Value:     strconv.Itoa(depth),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "section_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&option).Error
	if err != nil {
		return fmt.Errorf("sections: set depth: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteSection(ctx context.Context, courseID int64, position int) error {
	db := s.db.WithContext(ctx)

	var section Section
	err := db.Where("course_id = ? AND position = ?", courseID, position).Take(&section).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: position %d", ErrSectionNotFound, position)
	}
	if err != nil {
		return fmt.Errorf("sections: delete section lookup: %w", err)
	}

	if err := db.Where("course_id = ? AND section_id = ?", courseID, section.ID).Delete(&FormatOption{}).Error; err != nil {
		return fmt.Errorf("sections: delete section options: %w", err)
	}
	if err := db.Delete(&Section{}, section.ID).Error; err != nil {
		return fmt.Errorf("sections: delete section: %w", err)
	}

	// Renumber through the negative range so no two rows share a position mid-update.
	err = db.Model(&Section{}).
		Where("course_id = ? AND position > ?", courseID, position).
		Update("position", gorm.Expr("-(position - 1)")).Error
	if err != nil {
		return fmt.Errorf("sections: renumber sections: %w", err)
	}
	err = db.Model(&Section{}).
		Where("course_id = ? AND position < 0", courseID).
		Update("position", gorm.Expr("-position")).Error
	if err != nil {
		return fmt.Errorf("sections: renumber sections: %w", err)
	}
	return nil
}

func (s *GormStore) LastSectionPosition(ctx context.Context, courseID int64) (int, error) {
	var last int
	err := s.db.WithContext(ctx).
		Model(&Section{}).
		Where("course_id = ?", courseID).
		Select("COALESCE(MAX(position), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("sections: last section position: %w", err)
	}
	return last, nil
}

func (s *GormStore) GetLock(ctx context.Context, courseID int64) (EditLock, bool, error) {
	var lock EditLock
	result := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("course_id = ?", courseID).
		Limit(1).
		Find(&lock)
	if result.Error != nil {
		return EditLock{}, false, fmt.Errorf("sections: get lock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return EditLock{}, false, nil
	}
	return lock, true, nil
}

func (s *GormStore) CreateLock(ctx context.Context, lock EditLock) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&lock)
	if result.Error != nil {
		return false, fmt.Errorf("sections: create lock: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) TouchLock(ctx context.Context, courseID int64, ownerID string, heartbeatSeconds int64) (bool, error) {
	db := s.db.WithContext(ctx)
	result := db.Model(&EditLock{}).
		Where("course_id = ? AND owner_id = ?", courseID, ownerID).
		Update("last_heartbeat_s", heartbeatSeconds)
	if result.Error != nil {
		return false, fmt.Errorf("sections: touch lock: %w", result.Error)
	}
	matched, err := confirmMatched(db, result, &EditLock{}, "course_id = ? AND owner_id = ?", courseID, ownerID)
	if err != nil {
		return false, fmt.Errorf("sections: touch lock: %w", err)
	}
	return matched, nil
}

func (s *GormStore) DeleteLock(ctx context.Context, courseID int64, ownerID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("course_id = ? AND owner_id = ?", courseID, ownerID).
		Delete(&EditLock{})
	if result.Error != nil {
		return false, fmt.Errorf("sections: delete lock: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) DeleteLocksBefore(ctx context.Context, cutoffSeconds int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("last_heartbeat_s < ?", cutoffSeconds).
		Delete(&EditLock{})
	if result.Error != nil {
		return 0, fmt.Errorf("sections: delete stale locks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) PurgeCourse(ctx context.Context, courseID int64) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("course_id = ?", courseID).Delete(&EditLock{}).Error; err != nil {
		return fmt.Errorf("sections: purge locks: %w", err)
	}
	if err := db.Where("course_id = ? AND name = ?", courseID, DepthOptionName).Delete(&FormatOption{}).Error; err != nil {
		return fmt.Errorf("sections: purge depth options: %w", err)
	}
	return nil
}

func (s *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, clock: s.clock})
	})
}

// confirmMatched reports whether an update touched a row. MySQL reports changed rows
// rather than matched rows, so a zero count is double checked with an existence query.
func confirmMatched(db *gorm.DB, result *gorm.DB, model any, query string, args ...any) (bool, error) {
	if result.RowsAffected > 0 {
		return true, nil
	}
	var count int64
	if err := db.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func parseDepth(value *string) int {
	if value == nil {
		return 0
	}
	depth, err := strconv.Atoi(strings.TrimSpace(*value))
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

// isUniqueViolation recognises unique-key failures whether or not the dialect
// translated them into gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "duplicate entry")
}
