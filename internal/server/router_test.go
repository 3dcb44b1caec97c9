package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/hitzeman/RunNote/internal/activities"
	"github.com/hitzeman/RunNote/internal/auth"
	"github.com/hitzeman/RunNote/internal/credentials"
	"github.com/hitzeman/RunNote/internal/oauth"
	"github.com/hitzeman/RunNote/internal/strava"
	"github.com/hitzeman/RunNote/internal/synchronizer"
	"github.com/hitzeman/RunNote/internal/users"
	"github.com/hitzeman/RunNote/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testBaseURL     = "https://app.runnote.example"
	testVerifyToken = "hunter2"
)

// platformStub plays the Strava side: token endpoint plus both activity
// fetch shapes, all adjustable per test.
type platformStub struct {
	mu           sync.Mutex
	exchangeFail bool
	activityJSON string
	listPages    []string
}

func (p *platformStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		fail := p.exchangeFail
		p.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"t1","refresh_token":"r1","expires_at":%d,"athlete":{"id":42,"firstname":"Jo","lastname":"Runner"}}`,
			time.Now().Add(time.Hour).Unix())
	})
	mux.HandleFunc("/api/v3/activities/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		body := p.activityJSON
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/api/v3/athlete/activities", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		p.mu.Lock()
		pages := p.listPages
		p.mu.Unlock()
		index := 0
		fmt.Sscanf(page, "%d", &index)
		w.Header().Set("Content-Type", "application/json")
		if index >= 1 && index <= len(pages) {
			fmt.Fprint(w, pages[index-1])
			return
		}
		fmt.Fprint(w, "[]")
	})
	return mux
}

type serverFixture struct {
	handler  http.Handler
	db       *gorm.DB
	platform *platformStub
	sessions *auth.SessionManager
	users    *users.Service
	creds    *credentials.Store
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&oauth.State{}, &credentials.Credential{}, &users.User{}, &activities.Activity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	platform := &platformStub{activityJSON: `{"id":999,"name":"Morning Run","type":"Run","start_date":"2023-11-14T06:30:00Z","distance":5000,"moving_time":1500,"elapsed_time":1560}`}
	platformServer := httptest.NewServer(platform.handler())
	t.Cleanup(platformServer.Close)

	client, err := strava.NewClient(strava.ClientConfig{
		ClientID:     "abc",
		ClientSecret: "shh",
		BaseURL:      platformServer.URL,
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	credentialStore, err := credentials.NewStore(credentials.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct credential store: %v", err)
	}
	refresher, err := credentials.NewRefresher(credentials.RefresherConfig{Store: credentialStore, Platform: client})
	if err != nil {
		t.Fatalf("failed to construct refresher: %v", err)
	}
	ledger, err := oauth.NewStateLedger(oauth.StateLedgerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	flow, err := oauth.NewFlowController(oauth.FlowControllerConfig{
		States:      ledger,
		Platform:    client,
		Credentials: credentialStore,
		RedirectURL: "https://app.runnote.example/auth/strava/callback",
	})
	if err != nil {
		t.Fatalf("failed to construct flow: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}
	activityStore, err := activities.NewStore(activities.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct activities: %v", err)
	}
	gateway, err := webhook.NewGateway(webhook.GatewayConfig{
		VerifyToken: testVerifyToken,
		Users:       userService,
		Refresher:   refresher,
		Platform:    client,
		Activities:  activityStore,
	})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	reconciler, err := synchronizer.NewReconciler(synchronizer.ReconcilerConfig{
		Users:      userService,
		Refresher:  refresher,
		Platform:   client,
		Activities: activityStore,
		ItemDelay:  0,
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte("router-test-secret"),
		CookieName:    "runnote_session",
	})
	if err != nil {
		t.Fatalf("failed to construct sessions: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Flow:       flow,
		Webhooks:   gateway,
		Reconciler: reconciler,
		Activities: activityStore,
		Users:      userService,
		Sessions:   sessionManager,
		BaseURL:    testBaseURL,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &serverFixture{
		handler:  handler,
		db:       db,
		platform: platform,
		sessions: sessionManager,
		users:    userService,
		creds:    credentialStore,
	}
}

func (f *serverFixture) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func callbackContext() context.Context {
	return context.Background()
}

// seedConnectedAthlete creates the local account and a valid credential,
// matching the state left behind by a completed authorization.
func seedConnectedAthlete(t *testing.T, fixture *serverFixture, athleteID int64) {
	t.Helper()
	if _, err := fixture.users.EnsureUser(callbackContext(), athleteID, "Jo Runner"); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	credential := credentials.Credential{
		AthleteID:    athleteID,
		AccessToken:  "t1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := fixture.creds.Upsert(callbackContext(), credential); err != nil {
		t.Fatalf("seed credential failed: %v", err)
	}
}

func (f *serverFixture) sessionCookie(t *testing.T, athleteID int64) *http.Cookie {
	t.Helper()
	token, _, err := f.sessions.Issue(athleteID)
	if err != nil {
		t.Fatalf("issue session failed: %v", err)
	}
	return &http.Cookie{Name: f.sessions.CookieName(), Value: token}
}

func TestHealthz(t *testing.T) {
	fixture := newServerFixture(t)
	recorder := fixture.do(t, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", recorder.Code)
	}
}

func TestAuthBeginRedirectsToPlatform(t *testing.T) {
	fixture := newServerFixture(t)
	recorder := fixture.do(t, httptest.NewRequest(http.MethodGet, "/auth/strava", http.NoBody))
	if recorder.Code != http.StatusFound {
		t.Fatalf("got %d, want 302", recorder.Code)
	}
	location := recorder.Header().Get("Location")
	if !strings.Contains(location, "/oauth/authorize?") {
		t.Fatalf("unexpected redirect target: %q", location)
	}
	parsed, err := url.Parse(location)
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	if state := parsed.Query().Get("state"); len(state) != 36 {
		t.Fatalf("expected 36-char state in redirect, got %q", state)
	}
}

func TestAuthCallbackHappyPathSetsSessionAndRedirects(t *testing.T) {
	fixture := newServerFixture(t)

	begin := fixture.do(t, httptest.NewRequest(http.MethodGet, "/auth/strava", http.NoBody))
	parsed, err := url.Parse(begin.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	state := parsed.Query().Get("state")

	callback := fixture.do(t, httptest.NewRequest(http.MethodGet, "/auth/strava/callback?code=c1&state="+state, http.NoBody))
	if callback.Code != http.StatusFound {
		t.Fatalf("got %d, want 302", callback.Code)
	}
	if location := callback.Header().Get("Location"); location != testBaseURL+"/?connect=ok" {
		t.Fatalf("unexpected redirect: %q", location)
	}

	cookieSet := false
	for _, cookie := range callback.Result().Cookies() {
		if cookie.Name == fixture.sessions.CookieName() && cookie.Value != "" {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Fatalf("expected session cookie on successful callback")
	}

	if _, err := fixture.users.Lookup(callbackContext(), 42); err != nil {
		t.Fatalf("expected local account for athlete 42: %v", err)
	}
	if _, err := fixture.creds.Get(callbackContext(), 42); err != nil {
		t.Fatalf("expected credential for athlete 42: %v", err)
	}
}

func TestAuthCallbackOutcomeRedirects(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		outcome string
	}{
		{name: "denied", query: "?error=access_denied", outcome: "denied"},
		{name: "missing params", query: "?code=c1", outcome: "invalid"},
		{name: "unknown state", query: "?code=c1&state=never-issued", outcome: "invalid"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newServerFixture(t)
			recorder := fixture.do(t, httptest.NewRequest(http.MethodGet, "/auth/strava/callback"+tc.query, http.NoBody))
			if recorder.Code != http.StatusFound {
				t.Fatalf("got %d, want 302", recorder.Code)
			}
			want := testBaseURL + "/?connect=" + tc.outcome
			if location := recorder.Header().Get("Location"); location != want {
				t.Fatalf("got %q, want %q", location, want)
			}
		})
	}
}

func TestAuthCallbackExchangeFailure(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.platform.exchangeFail = true

	begin := fixture.do(t, httptest.NewRequest(http.MethodGet, "/auth/strava", http.NoBody))
	parsed, _ := url.Parse(begin.Header().Get("Location"))
	state := parsed.Query().Get("state")

	recorder := fixture.do(t, httptest.NewRequest(http.MethodGet, "/auth/strava/callback?code=c1&state="+state, http.NoBody))
	if location := recorder.Header().Get("Location"); location != testBaseURL+"/?connect=failed" {
		t.Fatalf("got %q, want failed outcome", location)
	}
}

func TestWebhookVerification(t *testing.T) {
	fixture := newServerFixture(t)

	good := fixture.do(t, httptest.NewRequest(http.MethodGet,
		"/webhooks/strava?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=ch-1", http.NoBody))
	if good.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", good.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(good.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload["hub.challenge"] != "ch-1" {
		t.Fatalf("challenge not echoed: %v", payload)
	}

	bad := fixture.do(t, httptest.NewRequest(http.MethodGet,
		"/webhooks/strava?hub.mode=subscribe&hub.verify_token=guess&hub.challenge=ch-1", http.NoBody))
	if bad.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", bad.Code)
	}
}

func TestWebhookDeliveryAlwaysAcknowledges(t *testing.T) {
	fixture := newServerFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "valid event for unconnected athlete", body: `{"object_type":"activity","aspect_type":"create","owner_id":42,"object_id":999}`},
		{name: "ignored object type", body: `{"object_type":"segment_effort","aspect_type":"create","owner_id":42,"object_id":1}`},
		{name: "garbage body", body: `{"object_type":`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodPost, "/webhooks/strava", bytes.NewBufferString(tc.body))
			request.Header.Set("Content-Type", "application/json")
			recorder := fixture.do(t, request)
			if recorder.Code != http.StatusOK {
				t.Fatalf("delivery must always be acknowledged, got %d", recorder.Code)
			}
		})
	}
}

func TestWebhookDeliverySyncsConnectedAthlete(t *testing.T) {
	fixture := newServerFixture(t)
	seedConnectedAthlete(t, fixture, 42)

	body := `{"object_type":"activity","aspect_type":"create","owner_id":42,"object_id":999}`
	request := httptest.NewRequest(http.MethodPost, "/webhooks/strava", bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := fixture.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", recorder.Code)
	}

	var count int64
	if err := fixture.db.Model(&activities.Activity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one synced activity, got %d", count)
	}
}

func TestSyncRequiresSession(t *testing.T) {
	fixture := newServerFixture(t)
	recorder := fixture.do(t, httptest.NewRequest(http.MethodPost, "/api/sync", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", recorder.Code)
	}
}

func TestSyncUnknownAccountIs404(t *testing.T) {
	fixture := newServerFixture(t)
	request := httptest.NewRequest(http.MethodPost, "/api/sync", http.NoBody)
	request.AddCookie(fixture.sessionCookie(t, 7))
	recorder := fixture.do(t, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", recorder.Code)
	}
}

func TestSyncReturnsSummary(t *testing.T) {
	fixture := newServerFixture(t)
	seedConnectedAthlete(t, fixture, 42)
	fixture.platform.listPages = []string{
		`[{"id":1,"type":"Run","start_date":"2023-11-14T06:30:00Z"},{"id":2,"type":"Ride","start_date":"2023-11-15T06:30:00Z"}]`,
	}

	request := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewBufferString(`{"weeks":8}`))
	request.Header.Set("Content-Type", "application/json")
	request.AddCookie(fixture.sessionCookie(t, 42))
	recorder := fixture.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	var summary synchronizer.Summary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	want := synchronizer.Summary{TotalFetched: 2, RunsFound: 1, Synced: 1, Failed: 0}
	if summary != want {
		t.Fatalf("got %+v, want %+v", summary, want)
	}
}

func TestActivitiesListReturnsSessionAthleteRecords(t *testing.T) {
	fixture := newServerFixture(t)
	seedConnectedAthlete(t, fixture, 42)

	store, err := activities.NewStore(activities.StoreConfig{Database: fixture.db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	record := activities.Activity{
		RemoteID:  999,
		AthleteID: 42,
		Name:      "Morning Run",
		SportType: "Run",
		StartedAt: time.Unix(1700000000, 0).UTC(),
		RawJSON:   "{}",
	}
	if err := store.Upsert(callbackContext(), record); err != nil {
		t.Fatalf("seed activity failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/activities", http.NoBody)
	request.AddCookie(fixture.sessionCookie(t, 42))
	recorder := fixture.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"remote_id":999`) {
		t.Fatalf("expected activity in response: %s", recorder.Body.String())
	}
}
