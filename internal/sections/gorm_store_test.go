package sections

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var storeDatabaseSequence atomic.Int64

func newTestStore(testContext *testing.T) (*GormStore, *gorm.DB) {
	testContext.Helper()
	dsn := fmt.Sprintf("file:sections_store_%d?mode=memory&cache=shared", storeDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Section{}, &FormatOption{}, &EditLock{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func seedSections(testContext *testing.T, store *GormStore, courseID int64, names ...string) []int64 {
	testContext.Helper()
	ids := make([]int64, 0, len(names))
	for index, name := range names {
		value := name
		id, err := store.CreateSection(context.Background(), courseID, &value, index+1, true)
		if err != nil {
			testContext.Fatalf("failed to seed section %s: %v", name, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func positionsByName(testContext *testing.T, store *GormStore, courseID int64) map[string]int {
	testContext.Helper()
	listed, err := store.ListSections(context.Background(), courseID)
	if err != nil {
		testContext.Fatalf("failed to list sections: %v", err)
	}
	result := make(map[string]int, len(listed))
	for _, section := range listed {
		result[*section.Name] = section.Position
	}
	return result
}

func TestNewGormStoreRequiresDatabase(testContext *testing.T) {
	if _, err := NewGormStore(GormStoreConfig{}); !errors.Is(err, errMissingDatabase) {
		testContext.Fatalf("expected missing database error, got %v", err)
	}
}

func TestListSectionsJoinsDepthAndSkipsTopSection(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	if _, err := store.CreateSection(ctx, 7, nil, 0, true); err != nil {
		testContext.Fatalf("failed to create top section: %v", err)
	}
	ids := seedSections(testContext, store, 7, "Intro", "Week 1", "Week 2")
	seedSections(testContext, store, 8, "Other course")

	if err := store.SetSectionDepth(ctx, 7, ids[1], 1); err != nil {
		testContext.Fatalf("failed to set depth: %v", err)
	}
	if err := store.SetVisibility(ctx, ids[2], false); err != nil {
		testContext.Fatalf("failed to hide section: %v", err)
	}

	listed, err := store.ListSections(ctx, 7)
	if err != nil {
		testContext.Fatalf("failed to list sections: %v", err)
	}
	if len(listed) != 3 {
		testContext.Fatalf("expected 3 sections, got %d", len(listed))
	}
	for index, section := range listed {
		if section.Position != index+1 {
			testContext.Fatalf("expected position %d, got %d", index+1, section.Position)
		}
	}
	if listed[1].Depth != 1 || listed[0].Depth != 0 {
		testContext.Fatalf("unexpected depths: %d %d", listed[0].Depth, listed[1].Depth)
	}
	if listed[2].Visible {
		testContext.Fatalf("expected hidden section to be listed as invisible")
	}
}

func TestSetSectionDepthUpsertsAndClears(testContext *testing.T) {
	store, db := newTestStore(testContext)
	ctx := context.Background()
	ids := seedSections(testContext, store, 3, "A")

	for _, depth := range []int{1, 1} {
		if err := store.SetSectionDepth(ctx, 3, ids[0], depth); err != nil {
			testContext.Fatalf("failed to set depth: %v", err)
		}
	}
	var count int64
	db.Model(&FormatOption{}).Where("section_id = ?", ids[0]).Count(&count)
	if count != 1 {
		testContext.Fatalf("expected a single depth row, got %d", count)
	}

	depth, found, err := store.GetSectionDepth(ctx, 3, ids[0])
	if err != nil || !found || depth != 1 {
		testContext.Fatalf("unexpected depth lookup: depth=%d found=%v err=%v", depth, found, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := store.SetSectionDepth(ctx, 3, ids[0], 0); err != nil {
			testContext.Fatalf("failed to clear depth: %v", err)
		}
	}
	if _, found, _ := store.GetSectionDepth(ctx, 3, ids[0]); found {
		testContext.Fatalf("expected depth row to be removed")
	}
}

func TestDeleteSectionRenumbersFollowingSections(testContext *testing.T) {
	store, db := newTestStore(testContext)
	ctx := context.Background()
	ids := seedSections(testContext, store, 4, "A", "B", "C", "D")
	if err := store.SetSectionDepth(ctx, 4, ids[1], 1); err != nil {
		testContext.Fatalf("failed to set depth: %v", err)
	}

	if err := store.DeleteSection(ctx, 4, 2); err != nil {
		testContext.Fatalf("failed to delete section: %v", err)
	}

	positions := positionsByName(testContext, store, 4)
	expected := map[string]int{"A": 1, "C": 2, "D": 3}
	if len(positions) != len(expected) {
		testContext.Fatalf("unexpected sections after delete: %v", positions)
	}
	for name, position := range expected {
		if positions[name] != position {
			testContext.Fatalf("expected %s at %d, got %d", name, position, positions[name])
		}
	}

	var options int64
	db.Model(&FormatOption{}).Where("section_id = ?", ids[1]).Count(&options)
	if options != 0 {
		testContext.Fatalf("expected depth row of deleted section to be removed")
	}

	if err := store.DeleteSection(ctx, 4, 9); !errors.Is(err, ErrSectionNotFound) {
		testContext.Fatalf("expected not found for missing position, got %v", err)
	}
}

func TestSettersReportMissingSection(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	testCases := []struct {
		name string
		call func() error
	}{
		{name: "position", call: func() error { return store.SetPosition(ctx, 404, 1) }},
		{name: "visibility", call: func() error { return store.SetVisibility(ctx, 404, true) }},
		{name: "name", call: func() error { return store.SetName(ctx, 404, nil) }},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			if err := testCase.call(); !errors.Is(err, ErrSectionNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestSetPositionRejectsDuplicatePosition(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ids := seedSections(testContext, store, 5, "A", "B")
	if err := store.SetPosition(context.Background(), ids[0], 2); !errors.Is(err, ErrDuplicatePosition) {
		testContext.Fatalf("expected ErrDuplicatePosition, got %v", err)
	}
	if _, err := store.CreateSection(context.Background(), 5, nil, 1, true); !errors.Is(err, ErrDuplicatePosition) {
		testContext.Fatalf("expected ErrDuplicatePosition on create, got %v", err)
	}
}

func TestLastSectionPosition(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()
	last, err := store.LastSectionPosition(ctx, 6)
	if err != nil || last != 0 {
		testContext.Fatalf("expected 0 for empty course, got %d (%v)", last, err)
	}
	seedSections(testContext, store, 6, "A", "B", "C")
	last, err = store.LastSectionPosition(ctx, 6)
	if err != nil || last != 3 {
		testContext.Fatalf("expected 3, got %d (%v)", last, err)
	}
}

func TestLockRowLifecycle(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	created, err := store.CreateLock(ctx, EditLock{LockID: "lock-1", CourseID: 9, OwnerID: "alice", CreatedAtSeconds: 100, LastHeartbeatSeconds: 100})
	if err != nil || !created {
		testContext.Fatalf("expected lock to be created, got %v (%v)", created, err)
	}
	created, err = store.CreateLock(ctx, EditLock{LockID: "lock-2", CourseID: 9, OwnerID: "bob", CreatedAtSeconds: 101, LastHeartbeatSeconds: 101})
	if err != nil || created {
		testContext.Fatalf("expected second lock for course to be rejected, got %v (%v)", created, err)
	}

	touched, err := store.TouchLock(ctx, 9, "bob", 200)
	if err != nil || touched {
		testContext.Fatalf("expected touch by non-owner to match nothing, got %v (%v)", touched, err)
	}
	touched, err = store.TouchLock(ctx, 9, "alice", 200)
	if err != nil || !touched {
		testContext.Fatalf("expected owner touch to succeed, got %v (%v)", touched, err)
	}

	lock, found, err := store.GetLock(ctx, 9)
	if err != nil || !found {
		testContext.Fatalf("expected lock to be found: %v", err)
	}
	if lock.OwnerID != "alice" || lock.LastHeartbeatSeconds != 200 {
		testContext.Fatalf("unexpected lock state: %+v", lock)
	}

	removed, err := store.DeleteLocksBefore(ctx, 150)
	if err != nil || removed != 0 {
		testContext.Fatalf("expected fresh lock to survive sweep, removed %d (%v)", removed, err)
	}

	deleted, err := store.DeleteLock(ctx, 9, "bob")
	if err != nil || deleted {
		testContext.Fatalf("expected delete by non-owner to be ignored")
	}
	deleted, err = store.DeleteLock(ctx, 9, "alice")
	if err != nil || !deleted {
		testContext.Fatalf("expected owner delete to succeed, got %v (%v)", deleted, err)
	}
	if _, found, _ := store.GetLock(ctx, 9); found {
		testContext.Fatalf("expected lock to be gone")
	}
}

func TestPurgeCourseRemovesLockAndDepthRows(testContext *testing.T) {
	store, db := newTestStore(testContext)
	ctx := context.Background()
	ids := seedSections(testContext, store, 11, "A", "B")
	if err := store.SetSectionDepth(ctx, 11, ids[1], 1); err != nil {
		testContext.Fatalf("failed to set depth: %v", err)
	}
	if _, err := store.CreateLock(ctx, EditLock{LockID: "lock-11", CourseID: 11, OwnerID: "alice", CreatedAtSeconds: 1, LastHeartbeatSeconds: 1}); err != nil {
		testContext.Fatalf("failed to create lock: %v", err)
	}

	if err := store.PurgeCourse(ctx, 11); err != nil {
		testContext.Fatalf("failed to purge course: %v", err)
	}

	var locks, options, remaining int64
	db.Model(&EditLock{}).Where("course_id = ?", 11).Count(&locks)
	db.Model(&FormatOption{}).Where("course_id = ?", 11).Count(&options)
	db.Model(&Section{}).Where("course_id = ?", 11).Count(&remaining)
	if locks != 0 || options != 0 {
		testContext.Fatalf("expected lock and depth rows to be removed, got %d locks %d options", locks, options)
	}
	if remaining != 2 {
		testContext.Fatalf("expected sections to be kept, got %d", remaining)
	}
}

func TestTransactionRollsBackOnError(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()
	ids := seedSections(testContext, store, 12, "A", "B")
	failure := errors.New("abort")

	err := store.Transaction(ctx, func(tx Store) error {
		if err := tx.SetPosition(ctx, ids[0], -1); err != nil {
			return err
		}
		if err := tx.SetPosition(ctx, ids[1], 1); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected transaction error, got %v", err)
	}

	positions := positionsByName(testContext, store, 12)
	if positions["A"] != 1 || positions["B"] != 2 {
		testContext.Fatalf("expected positions to be rolled back, got %v", positions)
	}
}

func TestMissingRowLookupsDoNotLogErrors(testContext *testing.T) {
	var buffer bytes.Buffer
	dsn := fmt.Sprintf("file:sections_store_%d?mode=memory&cache=shared", storeDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(log.New(&buffer, "", 0), gormlogger.Config{LogLevel: gormlogger.Error}),
	})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Section{}, &FormatOption{}, &EditLock{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}

	ctx := context.Background()
	if _, found, err := store.GetLock(ctx, 404); err != nil || found {
		testContext.Fatalf("expected missing lock, got found=%v err=%v", found, err)
	}
	if _, found, err := store.GetSectionDepth(ctx, 404, 1); err != nil || found {
		testContext.Fatalf("expected missing depth, got found=%v err=%v", found, err)
	}
	if strings.Contains(buffer.String(), "record not found") {
		testContext.Fatalf("expected no error logs for missing rows, got %q", buffer.String())
	}
}
