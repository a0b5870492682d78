package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"storymapper/api/internal/auth"
	"storymapper/api/internal/broadcast"
	"storymapper/api/internal/config"
	"storymapper/api/internal/gitrepo"
	"storymapper/api/internal/progress"
	"storymapper/api/internal/search"
	"storymapper/api/internal/session"
	"storymapper/api/internal/snapshot"
	"storymapper/api/internal/store"
	"storymapper/api/internal/util"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is an authenticated API caller.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	revisionStore
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListRevisions(context.Context, string, int) ([]store.Revision, error)
	Ping(context.Context) error
}

type gitService interface {
	revisionMirror
	EnsureUserRepo(userID, author string) error
	History(userID, sessionID string, limit int) ([]gitrepo.CommitInfo, error)
	Sessions(userID string) ([]string, error)
	ContentAt(userID, hash string) (string, error)
}

type sessionRegistry interface {
	Register(context.Context, session.Context) error
	Lookup(context.Context, string) (session.Record, error)
	Touch(context.Context, string) error
	Remove(context.Context, string) error
	Ping(context.Context) error
}

// topicEvents lists the events the ingress accepts per topic.
var topicEvents = map[broadcast.Topic]map[string]struct{}{
	broadcast.TopicLoadingState: {
		broadcast.EventWaitingForFeature: {},
		broadcast.EventFeatureReceived:   {},
		broadcast.EventWaitingForMetrics: {},
		broadcast.EventMetricsReceived:   {},
	},
	broadcast.TopicFeatureUpdates: {
		broadcast.EventFeatureUpdate: {},
	},
	broadcast.TopicQualityMetrics: {
		broadcast.EventMetricsUpdate: {},
	},
}

type Option func(*Service)

func WithSearch(searchService *search.Service) Option {
	return func(s *Service) {
		s.search = searchService
	}
}

func WithMirror(mirror *gitrepo.Service) Option {
	return func(s *Service) {
		if mirror != nil {
			s.mirror = mirror
		}
	}
}

func WithAgent(agent Agent) Option {
	return func(s *Service) {
		s.agent = agent
	}
}

type Service struct {
	cfg      config.Config
	store    dataStore
	hub      *broadcast.Hub
	registry sessionRegistry
	search   *search.Service
	mirror   gitService
	agent    Agent

	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

func New(cfg config.Config, dataStore *store.PostgresStore, hub *broadcast.Hub, registry *session.RedisStore, opts ...Option) *Service {
	s := &Service{
		cfg:          cfg,
		store:        dataStore,
		hub:          hub,
		registry:     registry,
		coordinators: make(map[string]*Coordinator),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	if s.mirror != nil {
		if err := s.mirror.EnsureUserRepo(user.ID, user.DisplayName); err != nil {
			log.Printf("mirror: prepare repo for %s: %v", user.ID, err)
		}
	}

	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

// StartSession creates a live session. caller may be nil, in which case the
// session runs without persistence until an identity is attached.
func (s *Service) StartSession(ctx context.Context, caller *Session) (*Coordinator, error) {
	var identity *snapshot.Identity
	userID := ""
	if caller != nil {
		userID = caller.UserID
		identity = &snapshot.Identity{UserID: caller.UserID, Name: caller.UserName}
	}

	sc := session.New(userID)
	if err := s.registry.Register(ctx, sc); err != nil {
		return nil, err
	}

	coordinator := newCoordinator(sc, identity, s.coordinatorDeps())
	if err := coordinator.Start(ctx); err != nil {
		coordinator.Close()
		_ = s.registry.Remove(context.WithoutCancel(ctx), sc.Token)
		return nil, err
	}
	if err := coordinator.Bootstrap(ctx); err != nil {
		log.Printf("coordinator: bootstrap %s: %v", sc.Token, err)
	}

	s.mu.Lock()
	s.coordinators[sc.Token] = coordinator
	s.mu.Unlock()
	return coordinator, nil
}

func (s *Service) coordinatorDeps() coordinatorDeps {
	deps := coordinatorDeps{
		hub:    s.hub,
		store:  s.store,
		agent:  s.agent,
		values: progress.Values{Start: s.cfg.ProgressStart, Feature: s.cfg.ProgressFeature},
	}
	if s.mirror != nil {
		deps.mirror = s.mirror
	}
	if deps.values.Start <= 0 || deps.values.Feature <= 0 {
		deps.values = progress.DefaultValues()
	}
	if s.search != nil {
		deps.indexer = s.search
	}
	return deps
}

// Coordinator returns the live session for token and extends its TTL. A
// session whose registry record expired is closed.
func (s *Service) Coordinator(ctx context.Context, token string) (*Coordinator, error) {
	s.mu.Lock()
	coordinator, ok := s.coordinators[token]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if err := s.registry.Touch(ctx, token); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.drop(token)
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return coordinator, nil
}

// ClaimSession attaches the caller's identity to a live session. Revisions
// recorded afterwards belong to the caller.
func (s *Service) ClaimSession(ctx context.Context, token string, caller Session) (*Coordinator, error) {
	coordinator, err := s.Coordinator(ctx, token)
	if err != nil {
		return nil, err
	}
	if current, ok := coordinator.Identity(); ok && current.UserID != caller.UserID {
		return nil, domainError(http.StatusForbidden, CodeForbidden, "Session belongs to another user", nil)
	}

	coordinator.SetIdentity(&snapshot.Identity{UserID: caller.UserID, Name: caller.UserName})
	if err := s.registry.Register(ctx, session.Context{
		Token:     token,
		UserID:    caller.UserID,
		StartedAt: coordinator.session.StartedAt,
	}); err != nil {
		return nil, err
	}
	return coordinator, nil
}

func (s *Service) EndSession(ctx context.Context, token string) error {
	if !s.drop(token) {
		return ErrSessionNotFound
	}
	if err := s.registry.Remove(ctx, token); err != nil {
		return fmt.Errorf("remove session %s: %w", token, err)
	}
	return nil
}

func (s *Service) drop(token string) bool {
	s.mu.Lock()
	coordinator, ok := s.coordinators[token]
	delete(s.coordinators, token)
	s.mu.Unlock()
	if ok {
		coordinator.Close()
	}
	return ok
}

// Ingest publishes an event from the external producer or scorer on a
// session topic. Every subscriber of the topic observes it, including the
// session's own coordinator.
func (s *Service) Ingest(ctx context.Context, token, topic, eventName string, payload json.RawMessage) (broadcast.Event, error) {
	events, ok := topicEvents[broadcast.Topic(topic)]
	if !ok {
		return broadcast.Event{}, domainError(http.StatusBadRequest, CodeInvalidTopic, "Unknown topic", map[string]any{"topic": topic})
	}
	if _, ok := events[eventName]; !ok {
		return broadcast.Event{}, domainError(http.StatusBadRequest, CodeInvalidEvent, "Event not allowed on topic", map[string]any{"topic": topic, "event": eventName})
	}

	if _, err := s.registry.Lookup(ctx, token); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return broadcast.Event{}, ErrSessionNotFound
		}
		return broadcast.Event{}, err
	}

	// Loading signals are always restamped with the server clock.
	if broadcast.Topic(topic) == broadcast.TopicLoadingState {
		signal, err := json.Marshal(progress.NewSignal(token))
		if err != nil {
			return broadcast.Event{}, err
		}
		payload = signal
	} else if len(payload) == 0 {
		return broadcast.Event{}, domainError(http.StatusBadRequest, CodeInvalidBody, "Payload is required", nil)
	}

	event, err := broadcast.NewEvent(eventName, nil)
	if err != nil {
		return broadcast.Event{}, err
	}
	event.Payload = payload
	if err := s.hub.Publish(ctx, broadcast.TopicName(broadcast.Topic(topic), token), event); err != nil {
		return broadcast.Event{}, err
	}
	if err := s.registry.Touch(ctx, token); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("session: touch %s: %v", token, err)
	}
	return event, nil
}

func (s *Service) IngestToken() string {
	return s.cfg.IngestToken
}

func (s *Service) Revisions(ctx context.Context, caller Session, limit int) ([]map[string]any, error) {
	revisions, err := s.store.ListRevisions(ctx, caller.UserID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, revision := range revisions {
		items = append(items, revisionPayload(revision))
	}
	return items, nil
}

func (s *Service) LatestRevision(ctx context.Context, caller Session) (map[string]any, error) {
	latest, err := s.store.LoadLatestRevision(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, notFoundError("No revisions yet")
	}
	return revisionPayload(*latest), nil
}

func (s *Service) MirroredSessions(caller Session) ([]string, error) {
	if s.mirror == nil {
		return []string{}, nil
	}
	sessions, err := s.mirror.Sessions(caller.UserID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []string{}
	}
	return sessions, nil
}

func (s *Service) MirrorHistory(caller Session, sessionID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.mirror == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	commits, err := s.mirror.History(caller.UserID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []gitrepo.CommitInfo{}
	}
	return commits, nil
}

// MirrorContentAt returns the feature document recorded by a mirror commit.
func (s *Service) MirrorContentAt(caller Session, hash string) (string, error) {
	if s.mirror == nil {
		return "", notFoundError("History mirror is disabled")
	}
	content, err := s.mirror.ContentAt(caller.UserID, hash)
	if err != nil {
		log.Printf("mirror: content at %s for %s: %v", hash, caller.UserID, err)
		return "", notFoundError("Commit not found")
	}
	return content, nil
}

func (s *Service) SearchRevisions(ctx context.Context, caller Session, query search.Query) search.Response {
	query.UserID = caller.UserID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}
	}
	return s.search.Search(ctx, query)
}

// Ping checks the health of the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRedis checks the transport and session registry backend.
func (s *Service) PingRedis(ctx context.Context) error {
	return s.registry.Ping(ctx)
}

// Shutdown closes every live session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	live := make([]*Coordinator, 0, len(s.coordinators))
	for token, coordinator := range s.coordinators {
		live = append(live, coordinator)
		delete(s.coordinators, token)
	}
	s.mu.Unlock()
	for _, coordinator := range live {
		coordinator.Close()
	}
}

func (s *Service) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.coordinators)
}

func revisionPayload(revision store.Revision) map[string]any {
	payload := map[string]any{
		"id":            revision.ID,
		"sessionId":     revision.SessionID,
		"featureBefore": revision.FeatureBefore,
		"featureAfter":  revision.FeatureAfter,
		"userMessage":   revision.UserMessage,
		"comment":       revision.Comment,
		"estimation":    revision.Estimation,
		"createdAt":     revision.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if overall, ok := revision.Estimation.Overall(); ok {
		payload["overall"] = overall
	} else {
		payload["overall"] = nil
	}
	return payload
}
