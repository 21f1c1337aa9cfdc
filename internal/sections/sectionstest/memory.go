// Package sectionstest provides an in-memory sections.Store for tests.
package sectionstest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
)

type depthKey struct {
	courseID  int64
	sectionID int64
}

type state struct {
	nextID   int64
	sections map[int64]sections.Section
	depths   map[depthKey]int
	locks    map[int64]sections.EditLock
}

func (s state) clone() state {
	copied := state{
		nextID:   s.nextID,
		sections: make(map[int64]sections.Section, len(s.sections)),
		depths:   make(map[depthKey]int, len(s.depths)),
		locks:    make(map[int64]sections.EditLock, len(s.locks)),
	}
	for id, section := range s.sections {
		copied.sections[id] = section
	}
	for key, depth := range s.depths {
		copied.depths[key] = depth
	}
	for courseID, lock := range s.locks {
		copied.locks[courseID] = lock
	}
	return copied
}

// Memory is a sections.Store backed by maps. It enforces unique positions per course,
// rolls back on transaction failure and records every mutating call.
type Memory struct {
	mu       sync.Mutex
	current  state
	calls    []string
	failures map[string]error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		current: state{
			sections: make(map[int64]sections.Section),
			depths:   make(map[depthKey]int),
			locks:    make(map[int64]sections.EditLock),
		},
		failures: make(map[string]error),
	}
}

// AddSection seeds a section and its depth without recording a mutation.
func (m *Memory) AddSection(courseID int64, position int, name string, visible bool, depth int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.nextID++
	id := m.current.nextID
	var namePtr *string
	if name != "" {
		value := name
		namePtr = &value
	}
	m.current.sections[id] = sections.Section{ID: id, CourseID: courseID, Position: position, Name: namePtr, Visible: visible}
	if depth != 0 {
		m.current.depths[depthKey{courseID: courseID, sectionID: id}] = depth
	}
	return id
}

// PutLock seeds a lock without recording a mutation.
func (m *Memory) PutLock(lock sections.EditLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.locks[lock.CourseID] = lock
}

// FailOn makes the named method return err until cleared with a nil error.
func (m *Memory) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns the mutating calls recorded so far, including rolled back ones.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Mutations returns the number of recorded mutating calls.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Sections is ListSections without a context, for assertions.
func (m *Memory) Sections(courseID int64) []sections.PersistedSection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(courseID)
}

func (m *Memory) record(method string, args ...any) error {
	m.calls = append(m.calls, fmt.Sprintf("%s%v", method, args))
	return m.failures[method]
}

func (m *Memory) ListSections(_ context.Context, courseID int64) ([]sections.PersistedSection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["ListSections"]; err != nil {
		return nil, err
	}
	return m.listLocked(courseID), nil
}

func (m *Memory) listLocked(courseID int64) []sections.PersistedSection {
	result := make([]sections.PersistedSection, 0)
	for _, section := range m.current.sections {
		if section.CourseID != courseID || section.Position == 0 {
			continue
		}
		result = append(result, sections.PersistedSection{
			ID:       section.ID,
			CourseID: section.CourseID,
			Name:     section.Name,
			Visible:  section.Visible,
			Depth:    m.current.depths[depthKey{courseID: courseID, sectionID: section.ID}],
			Position: section.Position,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result
}

func (m *Memory) SectionPosition(_ context.Context, courseID, sectionID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	section, ok := m.current.sections[sectionID]
	if !ok || section.CourseID != courseID {
		return 0, fmt.Errorf("%w: id %d", sections.ErrSectionNotFound, sectionID)
	}
	return section.Position, nil
}

func (m *Memory) CreateSection(_ context.Context, courseID int64, name *string, position int, visible bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateSection", courseID, position); err != nil {
		return 0, err
	}
	if err := m.checkPositionLocked(courseID, 0, position); err != nil {
		return 0, err
	}
	m.current.nextID++
	id := m.current.nextID
	m.current.sections[id] = sections.Section{ID: id, CourseID: courseID, Position: position, Name: name, Visible: visible}
	return id, nil
}

func (m *Memory) checkPositionLocked(courseID, sectionID int64, position int) error {
	for id, section := range m.current.sections {
		if id != sectionID && section.CourseID == courseID && section.Position == position {
			return fmt.Errorf("%w: course %d position %d", sections.ErrDuplicatePosition, courseID, position)
		}
	}
	return nil
}

func (m *Memory) SetPosition(_ context.Context, sectionID int64, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetPosition", sectionID, position); err != nil {
		return err
	}
	section, ok := m.current.sections[sectionID]
	if !ok {
		return fmt.Errorf("%w: id %d", sections.ErrSectionNotFound, sectionID)
	}
	if err := m.checkPositionLocked(section.CourseID, sectionID, position); err != nil {
		return err
	}
	section.Position = position
	m.current.sections[sectionID] = section
	return nil
}

func (m *Memory) SetVisibility(_ context.Context, sectionID int64, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetVisibility", sectionID, visible); err != nil {
		return err
	}
	section, ok := m.current.sections[sectionID]
	if !ok {
		return fmt.Errorf("%w: id %d", sections.ErrSectionNotFound, sectionID)
	}
	section.Visible = visible
	m.current.sections[sectionID] = section
	return nil
}

func (m *Memory) SetName(_ context.Context, sectionID int64, name *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetName", sectionID); err != nil {
		return err
	}
	section, ok := m.current.sections[sectionID]
	if !ok {
		return fmt.Errorf("%w: id %d", sections.ErrSectionNotFound, sectionID)
	}
	section.Name = name
	m.current.sections[sectionID] = section
	return nil
}

func (m *Memory) GetSectionDepth(_ context.Context, courseID, sectionID int64) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth, ok := m.current.depths[depthKey{courseID: courseID, sectionID: sectionID}]
	return depth, ok, nil
}

func (m *Memory) SetSectionDepth(_ context.Context, courseID, sectionID int64, depth int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetSectionDepth", sectionID, depth); err != nil {
		return err
	}
	key := depthKey{courseID: courseID, sectionID: sectionID}
	if depth == 0 {
		delete(m.current.depths, key)
		return nil
	}
	m.current.depths[key] = depth
	return nil
}

func (m *Memory) DeleteSection(_ context.Context, courseID int64, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteSection", courseID, position); err != nil {
		return err
	}
	var target int64
	for id, section := range m.current.sections {
		if section.CourseID == courseID && section.Position == position {
			target = id
			break
		}
	}
	if target == 0 {
		return fmt.Errorf("%w: position %d", sections.ErrSectionNotFound, position)
	}
	delete(m.current.sections, target)
	delete(m.current.depths, depthKey{courseID: courseID, sectionID: target})
	for id, section := range m.current.sections {
		if section.CourseID == courseID && section.Position > position {
			section.Position--
			m.current.sections[id] = section
		}
	}
	return nil
}

func (m *Memory) LastSectionPosition(_ context.Context, courseID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	for _, section := range m.current.sections {
		if section.CourseID == courseID && section.Position > last {
			last = section.Position
		}
	}
	return last, nil
}

func (m *Memory) GetLock(_ context.Context, courseID int64) (sections.EditLock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetLock"]; err != nil {
		return sections.EditLock{}, false, err
	}
	lock, ok := m.current.locks[courseID]
	return lock, ok, nil
}

func (m *Memory) CreateLock(_ context.Context, lock sections.EditLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateLock", lock.CourseID, lock.OwnerID); err != nil {
		return false, err
	}
	if _, exists := m.current.locks[lock.CourseID]; exists {
		return false, nil
	}
	m.current.locks[lock.CourseID] = lock
	return true, nil
}

func (m *Memory) TouchLock(_ context.Context, courseID int64, ownerID string, heartbeatSeconds int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("TouchLock", courseID, ownerID); err != nil {
		return false, err
	}
	lock, ok := m.current.locks[courseID]
	if !ok || lock.OwnerID != ownerID {
		return false, nil
	}
	lock.LastHeartbeatSeconds = heartbeatSeconds
	m.current.locks[courseID] = lock
	return true, nil
}

func (m *Memory) DeleteLock(_ context.Context, courseID int64, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteLock", courseID, ownerID); err != nil {
		return false, err
	}
	lock, ok := m.current.locks[courseID]
	if !ok || lock.OwnerID != ownerID {
		return false, nil
	}
	delete(m.current.locks, courseID)
	return true, nil
}

func (m *Memory) DeleteLocksBefore(_ context.Context, cutoffSeconds int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteLocksBefore", cutoffSeconds); err != nil {
		return 0, err
	}
	var removed int64
	for courseID, lock := range m.current.locks {
		if lock.LastHeartbeatSeconds < cutoffSeconds {
			delete(m.current.locks, courseID)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) PurgeCourse(_ context.Context, courseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("PurgeCourse", courseID); err != nil {
		return err
	}
	delete(m.current.locks, courseID)
	for key := range m.current.depths {
		if key.courseID == courseID {
			delete(m.current.depths, key)
		}
	}
	return nil
}

// Transaction snapshots the state and restores it when fn fails.
func (m *Memory) Transaction(_ context.Context, fn func(sections.Store) error) error {
	m.mu.Lock()
	snapshot := m.current.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.current = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}
