package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"storymapper/api/internal/broadcast"
	"storymapper/api/internal/config"
	"storymapper/api/internal/gitrepo"
	"storymapper/api/internal/progress"
	"storymapper/api/internal/session"
	"storymapper/api/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	ensureUserByNameFn   func(context.Context, string) (store.User, error)
	getUserByIDFn        func(context.Context, string) (store.User, error)
	appendRevisionFn     func(context.Context, store.NewRevision) (string, error)
	attachEstimationFn   func(context.Context, string, string, store.Estimation) (bool, error)
	loadLatestRevisionFn func(context.Context, string) (*store.Revision, error)
	listRevisionsFn      func(context.Context, string, int) ([]store.Revision, error)
	pingFn               func(context.Context) error

	appended []store.NewRevision
	attached []store.Estimation
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "user-" + name, DisplayName: name}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery"}, nil
}

func (f *fakeStore) AppendRevision(ctx context.Context, revision store.NewRevision) (string, error) {
	if f.appendRevisionFn != nil {
		return f.appendRevisionFn(ctx, revision)
	}
	if revision.UserID == "" {
		return "", nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, revision)
	return "1", nil
}

func (f *fakeStore) AttachEstimation(ctx context.Context, userID, sessionID string, estimation store.Estimation) (bool, error) {
	if f.attachEstimationFn != nil {
		return f.attachEstimationFn(ctx, userID, sessionID, estimation)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appended) == 0 {
		return false, nil
	}
	f.attached = append(f.attached, estimation)
	return true, nil
}

func (f *fakeStore) LoadLatestRevision(ctx context.Context, userID string) (*store.Revision, error) {
	if f.loadLatestRevisionFn != nil {
		return f.loadLatestRevisionFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListRevisions(ctx context.Context, userID string, limit int) ([]store.Revision, error) {
	if f.listRevisionsFn != nil {
		return f.listRevisionsFn(ctx, userID, limit)
	}
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) snapshot() ([]store.NewRevision, []store.Estimation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.NewRevision(nil), f.appended...), append([]store.Estimation(nil), f.attached...)
}

type fakeGit struct {
	mu          sync.Mutex
	commits     []gitrepo.Revision
	estimations []map[string]any
	repos       []string
}

func (f *fakeGit) CommitRevision(_, _ string, revision gitrepo.Revision, _ string) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, revision)
	return gitrepo.CommitInfo{Hash: "abc"}, nil
}

func (f *fakeGit) RecordEstimation(_, _ string, estimation map[string]any, _ string) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimations = append(f.estimations, estimation)
	return gitrepo.CommitInfo{Hash: "def"}, nil
}

func (f *fakeGit) History(_, _ string, _ int) ([]gitrepo.CommitInfo, error) {
	return []gitrepo.CommitInfo{{Hash: "abc"}}, nil
}

func (f *fakeGit) Sessions(_ string) ([]string, error) {
	return []string{"session_1_abc"}, nil
}

func (f *fakeGit) EnsureUserRepo(userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos = append(f.repos, userID)
	return nil
}

func (f *fakeGit) ContentAt(_, hash string) (string, error) {
	if hash != "abc" {
		return "", errors.New("reference not found")
	}
	return "Feature: mirrored", nil
}

func (f *fakeGit) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits), len(f.estimations)
}

type fakeAgent struct {
	mu       sync.Mutex
	err      error
	requests []AgentRequest
}

func (f *fakeAgent) Send(_ context.Context, request AgentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	return f.err
}

func newTestService(t *testing.T, fs *fakeStore) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := broadcast.NewHubWithClient(client, broadcast.WithGrace(50*time.Millisecond))
	svc := &Service{
		cfg: config.Config{
			JWTSecret:       "test-secret",
			IngestToken:     "ingest-secret",
			AccessTTL:       time.Hour,
			ProgressStart:   12,
			ProgressFeature: 55,
		},
		store:        fs,
		hub:          hub,
		registry:     session.NewRedisStoreWithClient(client, time.Hour),
		coordinators: make(map[string]*Coordinator),
	}
	t.Cleanup(func() {
		svc.Shutdown()
		hub.Close()
	})
	return svc, mr
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoginTrimsNameAndIssuesToken(t *testing.T) {
	var ensured string
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, name string) (store.User, error) {
			ensured = name
			return store.User{ID: "user-1", DisplayName: name}, nil
		},
	}
	svc, _ := newTestService(t, fs)

	caller, err := svc.Login(context.Background(), "  Avery  ")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if ensured != "Avery" || caller.UserName != "Avery" || caller.Token == "" {
		t.Fatalf("unexpected login result %+v (ensured %q)", caller, ensured)
	}

	resolved, err := svc.SessionFromToken(context.Background(), caller.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if resolved.UserID != "user-1" || resolved.JTI != caller.JTI {
		t.Fatalf("unexpected resolved session %+v", resolved)
	}
}

func TestLoginDefaultsEmptyName(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	caller, err := svc.Login(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if caller.UserName != "User" {
		t.Fatalf("expected default name, got %q", caller.UserName)
	}
}

func TestStartSessionRegistersToken(t *testing.T) {
	svc, mr := newTestService(t, &fakeStore{})
	coordinator, err := svc.StartSession(context.Background(), &Session{UserID: "u1", UserName: "Avery"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if !mr.Exists("storysession:" + coordinator.Token()) {
		t.Fatal("expected registry record for the session")
	}
	if svc.LiveSessions() != 1 {
		t.Fatalf("expected one live session, got %d", svc.LiveSessions())
	}
	view := coordinator.View()
	if view.UserID != "u1" || view.StateName != "idle" || view.Progress.Visible {
		t.Fatalf("unexpected initial view %+v", view)
	}
}

func TestStartSessionBootstrapsLatestRevision(t *testing.T) {
	fs := &fakeStore{
		loadLatestRevisionFn: func(_ context.Context, userID string) (*store.Revision, error) {
			if userID != "u1" {
				t.Errorf("unexpected user %q", userID)
			}
			return &store.Revision{
				UserID:        "u1",
				SessionID:     "session_0_old",
				FeatureBefore: "A",
				FeatureAfter:  "B",
				Estimation:    store.Estimation{"overall": 71.5},
			}, nil
		},
	}
	svc, _ := newTestService(t, fs)
	coordinator, err := svc.StartSession(context.Background(), &Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	view := coordinator.View()
	if view.Content != "B" {
		t.Fatalf("expected bootstrapped content B, got %q", view.Content)
	}
	if view.Overall == nil || *view.Overall != 71.5 {
		t.Fatalf("expected bootstrapped overall, got %v", view.Overall)
	}
}

func TestStartSessionSurvivesBootstrapFailure(t *testing.T) {
	fs := &fakeStore{
		loadLatestRevisionFn: func(context.Context, string) (*store.Revision, error) {
			return nil, errors.New("db down")
		},
	}
	svc, _ := newTestService(t, fs)
	coordinator, err := svc.StartSession(context.Background(), &Session{UserID: "u1"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if coordinator.View().Content != "" {
		t.Fatal("expected empty content after failed bootstrap")
	}
}

func TestCoordinatorForExpiredSessionIsClosed(t *testing.T) {
	svc, mr := newTestService(t, &fakeStore{})
	coordinator, err := svc.StartSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	mr.Del("storysession:" + coordinator.Token())

	if _, err := svc.Coordinator(context.Background(), coordinator.Token()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if svc.LiveSessions() != 0 {
		t.Fatalf("expected expired session to be dropped, got %d live", svc.LiveSessions())
	}
}

func TestEndSession(t *testing.T) {
	svc, mr := newTestService(t, &fakeStore{})
	coordinator, err := svc.StartSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := svc.EndSession(context.Background(), coordinator.Token()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if mr.Exists("storysession:" + coordinator.Token()) {
		t.Fatal("expected registry record to be removed")
	}
	if err := svc.EndSession(context.Background(), coordinator.Token()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second end, got %v", err)
	}
}

func TestIngestValidatesTopicAndEvent(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	coordinator, err := svc.StartSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	tests := []struct {
		name  string
		topic string
		event string
		code  string
	}{
		{name: "unknown topic", topic: "chat", event: "feature-update", code: "INVALID_TOPIC"},
		{name: "event on wrong topic", topic: "quality-metrics", event: "feature-update", code: "INVALID_EVENT"},
		{name: "loading event on feature topic", topic: "feature-updates", event: "waiting-for-feature", code: "INVALID_EVENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), coordinator.Token(), tt.topic, tt.event, json.RawMessage(`{}`))
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestIngestUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	_, err := svc.Ingest(context.Background(), "session_1_missing", "feature-updates", "feature-update", json.RawMessage(`{"content":"x"}`))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestIngestRequiresPayloadOutsideLoadingState(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	coordinator, err := svc.StartSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := svc.Ingest(context.Background(), coordinator.Token(), "feature-updates", "feature-update", nil); err == nil {
		t.Fatal("expected error for empty feature payload")
	}
	event, err := svc.Ingest(context.Background(), coordinator.Token(), "loading-state", "waiting-for-feature", nil)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(event.Payload) == 0 {
		t.Fatal("expected a generated loading signal")
	}
	eventually(t, "waiting state from ingested signal", func() bool {
		return coordinator.View().StateName == "awaiting-content"
	})
}

func TestIngestRestampsLoadingSignals(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})
	coordinator, err := svc.StartSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	before := time.Now().UnixMilli()
	farFuture := `{"ts":99999999999999,"sessionId":"session_9_other"}`
	event, err := svc.Ingest(context.Background(), coordinator.Token(), "loading-state", "waiting-for-feature", json.RawMessage(farFuture))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	var signal progress.Signal
	if err := json.Unmarshal(event.Payload, &signal); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if signal.TS < before || signal.TS > time.Now().UnixMilli() {
		t.Fatalf("expected a server-stamped ts, got %d", signal.TS)
	}
	if signal.SessionID != coordinator.Token() {
		t.Fatalf("expected session %s, got %s", coordinator.Token(), signal.SessionID)
	}
	eventually(t, "waiting state from ingested signal", func() bool {
		return coordinator.View().StateName == "awaiting-content"
	})

	// Later locally stamped events still apply.
	if _, err := svc.Ingest(context.Background(), coordinator.Token(), "loading-state", "metrics-received", nil); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	eventually(t, "idle after metrics-received", func() bool {
		return coordinator.View().StateName == "idle"
	})
}

func TestClaimSessionAttachesIdentity(t *testing.T) {
	fs := &fakeStore{}
	svc, _ := newTestService(t, fs)
	coordinator, err := svc.StartSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := svc.ClaimSession(context.Background(), coordinator.Token(), Session{UserID: "u1", UserName: "Avery"}); err != nil {
		t.Fatalf("ClaimSession() error = %v", err)
	}
	record, err := svc.registry.Lookup(context.Background(), coordinator.Token())
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if record.UserID != "u1" {
		t.Fatalf("expected registry to carry the claimed user, got %q", record.UserID)
	}

	_, err = svc.ClaimSession(context.Background(), coordinator.Token(), Session{UserID: "u2"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected forbidden for another user, got %v", err)
	}
}

func TestPingMethod(t *testing.T) {
	tests := []struct {
		name      string
		pingError error
		wantError bool
	}{
		{name: "healthy database", pingError: nil, wantError: false},
		{name: "unhealthy database", pingError: sql.ErrConnDone, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, &fakeStore{
				pingFn: func(context.Context) error { return tt.pingError },
			})
			err := svc.Ping(context.Background())
			if (err != nil) != tt.wantError {
				t.Errorf("Ping() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
