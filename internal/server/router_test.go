package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/database"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/summary"
	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testCourseID      int64 = 42
	testCookieName          = "app_session"
	testSigningSecret       = "test-signing-secret"
)

var routerDatabaseSequence atomic.Int64

type routerFixture struct {
	db       *gorm.DB
	handler  http.Handler
	realtime *RealtimeDispatcher
	issuer   *auth.SessionIssuer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_%d?mode=memory&cache=shared", routerDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := sections.NewGormStore(sections.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	manager, err := locks.NewManager(locks.ManagerConfig{Store: store, IDProvider: locks.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct lock manager: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct profile service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	summaryService, err := summary.NewService(summary.ServiceConfig{
		Store:    store,
		Locks:    manager,
		Events:   dispatcher,
		Profiles: profiles,
	})
	if err != nil {
		t.Fatalf("failed to construct summary service: %v", err)
	}

	sessionConfig := auth.SessionConfig{SigningSecret: []byte(testSigningSecret), CookieName: testCookieName}
	validator, err := auth.NewSessionValidator(sessionConfig)
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(sessionConfig, time.Hour)
	if err != nil {
		t.Fatalf("failed to construct session issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Summary:           summaryService,
		Profiles:          profiles,
		Realtime:          dispatcher,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &routerFixture{db: db, handler: handler, realtime: dispatcher, issuer: issuer}
}

func (f *routerFixture) seedSection(t *testing.T, position int, name string, visible bool, depth int) int64 {
	t.Helper()
	section := sections.Section{CourseID: testCourseID, Position: position, Name: &name, Visible: visible}
	if err := f.db.Create(&section).Error; err != nil {
		t.Fatalf("failed to seed section: %v", err)
	}
	if depth > 0 {
		option := sections.FormatOption{CourseID: testCourseID, SectionID: section.ID, Name: sections.DepthOptionName, Value: fmt.Sprint(depth)}
		if err := f.db.Create(&option).Error; err != nil {
			t.Fatalf("failed to seed depth: %v", err)
		}
	}
	return section.ID
}

func (f *routerFixture) token(t *testing.T, userID, displayName string, roles ...string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(auth.SessionIdentity{UserID: userID, DisplayName: displayName, Roles: roles})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *routerFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return body
}

func summaryPath(suffix string) string {
	return fmt.Sprintf("/courses/%d/summary%s", testCourseID, suffix)
}

func TestHealthzDoesNotRequireSession(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK || decodeBody(t, recorder)["ok"] != true {
		t.Fatalf("unexpected healthz response: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	fixture := newRouterFixture(t)
	testCases := []struct {
		method string
		path   string
	}{
		{method: http.MethodGet, path: summaryPath("")},
		{method: http.MethodPost, path: summaryPath("/lock")},
		{method: http.MethodPut, path: summaryPath("")},
		{method: http.MethodPost, path: "/summary/actions"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.method+" "+testCase.path, func(t *testing.T) {
			recorder := fixture.do(t, testCase.method, testCase.path, "", "")
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
		})
	}
}

func TestSessionCookieIsAccepted(t *testing.T) {
	fixture := newRouterFixture(t)
	request := httptest.NewRequest(http.MethodGet, summaryPath(""), http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: fixture.token(t, "student-1", "Sam", "student")})
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cookie session to be accepted, got %d", recorder.Code)
	}
}

func TestEditRoutesRequireCapability(t *testing.T) {
	fixture := newRouterFixture(t)
	student := fixture.token(t, "student-1", "Sam", "student")
	testCases := []struct {
		method string
		path   string
		body   string
	}{
		{method: http.MethodGet, path: summaryPath("/editor")},
		{method: http.MethodPost, path: summaryPath("/lock")},
		{method: http.MethodDelete, path: summaryPath("/lock")},
		{method: http.MethodPut, path: summaryPath(""), body: `{"sections":[]}`},
		{method: http.MethodDelete, path: summaryPath("")},
		{method: http.MethodPost, path: "/summary/actions", body: `{"action":"check_lock","course_id":42}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.method+" "+testCase.path, func(t *testing.T) {
			recorder := fixture.do(t, testCase.method, testCase.path, student, testCase.body)
			if recorder.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", recorder.Code)
			}
		})
	}
}

func TestGetSummaryFiltersHiddenSectionsByRole(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedSection(t, 1, "Week 1", true, 0)
	fixture.seedSection(t, 2, "Draft", false, 1)
	fixture.seedSection(t, 3, "Week 2", true, 0)

	type treeResponse struct {
		Sections []summary.TreeNode `json:"sections"`
	}
	testCases := []struct {
		name         string
		roles        []string
		draftVisible bool
	}{
		{name: "student", roles: []string{"student"}, draftVisible: false},
		{name: "teacher", roles: []string{"teacher"}, draftVisible: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := fixture.do(t, http.MethodGet, summaryPath("?section=2"), fixture.token(t, "viewer", "Viewer", testCase.roles...), "")
			if recorder.Code != http.StatusOK {
				t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
			}
			var response treeResponse
			if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to decode tree: %v", err)
			}
			if len(response.Sections) != 2 || len(response.Sections[0].Children) != 1 {
				t.Fatalf("unexpected tree: %+v", response.Sections)
			}
			draft := response.Sections[0].Children[0]
			if draft.Visible != testCase.draftVisible || !draft.IsCurrent || !response.Sections[0].HasCurrentChild {
				t.Fatalf("unexpected draft node: %+v", draft)
			}
		})
	}

	recorder := fixture.do(t, http.MethodGet, summaryPath("?section=abc"), fixture.token(t, "viewer", "Viewer"), "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid section to be rejected, got %d", recorder.Code)
	}
}

func TestLockLifecycleOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	alice := fixture.token(t, "alice", "Alice Teacher", "editingteacher")
	bob := fixture.token(t, "bob", "Bob Teacher", "editingteacher")

	granted := decodeBody(t, fixture.do(t, http.MethodPost, summaryPath("/lock"), alice, ""))
	if granted["granted"] != true {
		t.Fatalf("expected alice to be granted, got %v", granted)
	}

	denied := decodeBody(t, fixture.do(t, http.MethodPost, summaryPath("/lock"), bob, ""))
	if denied["granted"] != false || denied["owner_display_name"] != "Alice Teacher" || denied["error"] != "lock_denied" {
		t.Fatalf("expected bob to be denied with holder name, got %v", denied)
	}

	recorder := fixture.do(t, http.MethodDelete, summaryPath("/lock"), bob, "")
	if recorder.Code != http.StatusConflict || decodeBody(t, recorder)["error"] != "lock_not_held" {
		t.Fatalf("expected bob's release to be rejected, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodDelete, summaryPath("/lock"), alice, "")
	if recorder.Code != http.StatusOK || decodeBody(t, recorder)["ok"] != true {
		t.Fatalf("expected alice's release to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}

	granted = decodeBody(t, fixture.do(t, http.MethodPost, summaryPath("/lock"), bob, ""))
	if granted["granted"] != true {
		t.Fatalf("expected bob to be granted after release, got %v", granted)
	}
}

func TestUpdateSummaryOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	alice := fixture.token(t, "alice", "Alice Teacher", "editingteacher")
	bob := fixture.token(t, "bob", "Bob Teacher", "manager")
	a := fixture.seedSection(t, 1, "A", true, 0)
	b := fixture.seedSection(t, 2, "B", true, 0)

	fixture.do(t, http.MethodPost, summaryPath("/lock"), alice, "")
	body := fmt.Sprintf(`{"sections":[{"id":%d,"name":"B","visible":1,"depth":0},{"id":"%d","name":"A","visible":"0","depth":"1"},{"id":-1,"name":"C","visible":1,"depth":0}]}`, b, a)

	recorder := fixture.do(t, http.MethodPut, summaryPath(""), bob, body)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected non-owner update to conflict, got %d", recorder.Code)
	}
	rejected := decodeBody(t, recorder)
	if rejected["error"] != "lock_not_held" || rejected["code"] != "summary.update_summary.not_owner" {
		t.Fatalf("unexpected rejection body: %v", rejected)
	}

	recorder = fixture.do(t, http.MethodPut, summaryPath(""), alice, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected update to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}
	updated := decodeBody(t, recorder)
	if updated["ok"] != true || updated["created"] != float64(1) {
		t.Fatalf("unexpected update body: %v", updated)
	}

	var stored []sections.Section
	if err := fixture.db.Where("course_id = ?", testCourseID).Order("position").Find(&stored).Error; err != nil {
		t.Fatalf("failed to load sections: %v", err)
	}
	if len(stored) != 3 || *stored[0].Name != "B" || *stored[1].Name != "A" || *stored[2].Name != "C" {
		t.Fatalf("unexpected stored outline: %+v", stored)
	}
	if stored[1].Visible {
		t.Fatalf("expected A to be hidden")
	}

	view := decodeBody(t, fixture.do(t, http.MethodGet, summaryPath("/editor"), alice, ""))
	if view["locked"] != false || view["next_section_number"] != float64(4) || view["new_section_label"] != "New section (4)" {
		t.Fatalf("unexpected editor view: %v", view)
	}
}

func TestUpdateSummaryErrorMapping(t *testing.T) {
	fixture := newRouterFixture(t)
	alice := fixture.token(t, "alice", "Alice Teacher", "editingteacher")
	fixture.seedSection(t, 1, "A", true, 0)
	fixture.do(t, http.MethodPost, summaryPath("/lock"), alice, "")

	testCases := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{name: "missing sections", body: `{}`, status: http.StatusBadRequest, reason: "malformed_payload"},
		{name: "bad depth", body: `{"sections":[{"id":-1,"visible":1,"depth":3}]}`, status: http.StatusBadRequest, reason: "malformed_payload"},
		{name: "stale id", body: `{"sections":[{"id":999,"visible":1,"depth":0}]}`, status: http.StatusConflict, reason: "stale_summary"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := fixture.do(t, http.MethodPut, summaryPath(""), alice, testCase.body)
			if recorder.Code != testCase.status || decodeBody(t, recorder)["error"] != testCase.reason {
				t.Fatalf("expected %d %s, got %d %s", testCase.status, testCase.reason, recorder.Code, recorder.Body.String())
			}
		})
	}

	recorder := fixture.do(t, http.MethodPut, "/courses/zero/summary", alice, `{"sections":[]}`)
	if recorder.Code != http.StatusBadRequest || decodeBody(t, recorder)["error"] != "invalid_course" {
		t.Fatalf("expected invalid course to be rejected, got %d", recorder.Code)
	}
}

func TestRemoveBlockClearsLockAndDepth(t *testing.T) {
	fixture := newRouterFixture(t)
	alice := fixture.token(t, "alice", "Alice Teacher", "editingteacher")
	fixture.seedSection(t, 1, "A", true, 0)
	fixture.seedSection(t, 2, "B", true, 1)
	fixture.do(t, http.MethodPost, summaryPath("/lock"), alice, "")

	recorder := fixture.do(t, http.MethodDelete, summaryPath(""), alice, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected removal to succeed, got %d", recorder.Code)
	}

	var lockCount, depthCount int64
	fixture.db.Model(&sections.EditLock{}).Where("course_id = ?", testCourseID).Count(&lockCount)
	fixture.db.Model(&sections.FormatOption{}).Where("course_id = ?", testCourseID).Count(&depthCount)
	if lockCount != 0 || depthCount != 0 {
		t.Fatalf("expected lock and depth rows to be purged, got locks=%d depths=%d", lockCount, depthCount)
	}
}

func TestQueryTokenOnlyAuthenticatesStream(t *testing.T) {
	fixture := newRouterFixture(t)
	alice := fixture.token(t, "alice", "Alice Teacher", "editingteacher")

	testCases := []struct {
		method string
		path   string
		body   string
	}{
		{method: http.MethodGet, path: summaryPath("")},
		{method: http.MethodPost, path: summaryPath("/lock")},
		{method: http.MethodPut, path: summaryPath(""), body: `{"sections":[]}`},
		{method: http.MethodDelete, path: summaryPath("/lock")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.method+" "+testCase.path, func(t *testing.T) {
			recorder := fixture.do(t, testCase.method, testCase.path+"?access_token="+alice, "", testCase.body)
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected query token to be ignored, got %d", recorder.Code)
			}
		})
	}

	recorder := fixture.do(t, http.MethodGet, summaryPath("/stream"), "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected stream without a session to be rejected, got %d", recorder.Code)
	}
}
