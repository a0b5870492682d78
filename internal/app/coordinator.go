package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"storymapper/api/internal/broadcast"
	"storymapper/api/internal/gitrepo"
	"storymapper/api/internal/progress"
	"storymapper/api/internal/search"
	"storymapper/api/internal/session"
	"storymapper/api/internal/snapshot"
	"storymapper/api/internal/store"
)

const (
	reliablePublishTimeout = 5 * time.Second
	persistTimeout         = 10 * time.Second
	localEchoLimit         = 64
)

type revisionStore interface {
	AppendRevision(context.Context, store.NewRevision) (string, error)
	AttachEstimation(context.Context, string, string, store.Estimation) (bool, error)
	LoadLatestRevision(context.Context, string) (*store.Revision, error)
}

type revisionIndexer interface {
	IndexRevision(search.RevisionRecord)
}

type revisionMirror interface {
	CommitRevision(userID, sessionID string, revision gitrepo.Revision, author string) (gitrepo.CommitInfo, error)
	RecordEstimation(userID, sessionID string, estimation map[string]any, author string) (gitrepo.CommitInfo, error)
}

type coordinatorDeps struct {
	hub     *broadcast.Hub
	store   revisionStore
	indexer revisionIndexer
	mirror  revisionMirror
	agent   Agent
	values  progress.Values
}

// featurePayload is the body of a feature-update event. Producers send the
// document either as content or as text.
type featurePayload struct {
	Content     string `json:"content"`
	Text        string `json:"text"`
	UserMessage string `json:"userMessage"`
	Comment     string `json:"comment"`
}

// SessionView is the externally visible state of a live session.
type SessionView struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Content   string `json:"content"`
	progress.View
	Overall    *float64         `json:"overall"`
	Estimation store.Estimation `json:"estimation,omitempty"`
	StartedAt  int64            `json:"startedAt"`
}

// Coordinator runs one live session: it listens on the session's three
// topics, keeps the progress indicator and the snapshot current and records
// every revision. Feature and metrics handlers are serialised by mu.
type Coordinator struct {
	session  session.Context
	deps     coordinatorDeps
	snapshot *snapshot.Holder
	progress *progress.Orchestrator

	mu           sync.Mutex
	overall      *float64
	estimation   store.Estimation
	lastMessage  string
	lastRevision *search.RevisionRecord

	echoMu     sync.Mutex
	localIDs   map[string]struct{}
	localOrder []string

	loading  *broadcast.Channel
	features *broadcast.Channel
	metrics  *broadcast.Channel

	lifeMu  sync.Mutex
	closing bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func newCoordinator(sc session.Context, identity *snapshot.Identity, deps coordinatorDeps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	holder := snapshot.New()
	holder.UpdateIdentity(identity)
	return &Coordinator{
		session:  sc,
		deps:     deps,
		snapshot: holder,
		progress: progress.New(sc.Token, deps.values),
		localIDs: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Coordinator) Token() string {
	return c.session.Token
}

// Start subscribes to the session topics and returns once every
// subscription is confirmed.
func (c *Coordinator) Start(ctx context.Context) error {
	token := c.session.Token
	var err error
	c.loading, err = c.deps.hub.OpenChannel(ctx, broadcast.TopicName(broadcast.TopicLoadingState, token), true,
		broadcast.On("", c.onLoading))
	if err != nil {
		return fmt.Errorf("open loading-state channel: %w", err)
	}
	c.features, err = c.deps.hub.OpenChannel(ctx, broadcast.TopicName(broadcast.TopicFeatureUpdates, token), false,
		broadcast.On(broadcast.EventFeatureUpdate, c.onFeatureUpdate))
	if err != nil {
		c.closeChannels()
		return fmt.Errorf("open feature-updates channel: %w", err)
	}
	c.metrics, err = c.deps.hub.OpenChannel(ctx, broadcast.TopicName(broadcast.TopicQualityMetrics, token), false,
		broadcast.On(broadcast.EventMetricsUpdate, c.onMetricsUpdate))
	if err != nil {
		c.closeChannels()
		return fmt.Errorf("open quality-metrics channel: %w", err)
	}

	for _, ch := range []*broadcast.Channel{c.loading, c.features, c.metrics} {
		if err := ch.WaitReady(ctx); err != nil {
			c.closeChannels()
			return fmt.Errorf("subscribe %s: %w", ch.Topic(), err)
		}
	}
	return nil
}

// Bootstrap pre-populates content and score from the user's latest revision.
// Without an identity it does nothing.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	identity, ok := c.snapshot.CurrentIdentity()
	if !ok {
		return nil
	}
	latest, err := c.deps.store.LoadLatestRevision(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("load latest revision: %w", err)
	}
	if latest == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.UpdateContent(latest.FeatureAfter)
	c.estimation = latest.Estimation
	c.overall = nil
	if overall, ok := latest.Estimation.Overall(); ok {
		c.overall = &overall
	}
	return nil
}

// StartWaiting shows the waiting indicator and tells every observer a new
// cycle started.
func (c *Coordinator) StartWaiting(ctx context.Context) {
	c.publishLoading(ctx, broadcast.EventWaitingForFeature)
}

// SendMessage starts a waiting cycle and forwards message to the agent. The
// cycle stays open when the agent cannot be reached.
func (c *Coordinator) SendMessage(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return validationError("message is required")
	}

	c.mu.Lock()
	c.lastMessage = message
	c.mu.Unlock()

	c.StartWaiting(ctx)

	if c.deps.agent == nil {
		return nil
	}
	request := AgentRequest{
		SessionID:      c.session.Token,
		Message:        message,
		CurrentFeature: c.snapshot.CurrentContent(),
	}
	if identity, ok := c.snapshot.CurrentIdentity(); ok {
		request.UserID = identity.UserID
	}
	if err := c.deps.agent.Send(ctx, request); err != nil {
		log.Printf("coordinator: agent request for %s failed: %v", c.session.Token, err)
		return domainError(http.StatusBadGateway, CodeAgentUnavailable, "Agent unavailable", nil)
	}
	return nil
}

// EditContent replaces the current document without recording a revision.
func (c *Coordinator) EditContent(text string) {
	c.snapshot.UpdateContent(text)
}

// SetIdentity changes who the session persists revisions for. Handlers that
// fire afterwards use the new identity.
func (c *Coordinator) SetIdentity(identity *snapshot.Identity) {
	c.snapshot.UpdateIdentity(identity)
}

func (c *Coordinator) Identity() (snapshot.Identity, bool) {
	return c.snapshot.CurrentIdentity()
}

func (c *Coordinator) Focus(panel progress.Panel) {
	c.progress.Focus(panel)
}

func (c *Coordinator) View() SessionView {
	c.mu.Lock()
	var overall *float64
	if c.overall != nil {
		value := *c.overall
		overall = &value
	}
	estimation := c.estimation
	c.mu.Unlock()

	view := SessionView{
		SessionID:  c.session.Token,
		Content:    c.snapshot.CurrentContent(),
		View:       c.progress.View(),
		Overall:    overall,
		Estimation: estimation,
		StartedAt:  c.session.StartedAt.UnixMilli(),
	}
	if identity, ok := c.snapshot.CurrentIdentity(); ok {
		view.UserID = identity.UserID
		view.UserName = identity.Name
	}
	return view
}

// Close unsubscribes from every topic and waits for pending redundant
// publishes. Safe to call more than once.
func (c *Coordinator) Close() {
	c.lifeMu.Lock()
	if c.closing {
		c.lifeMu.Unlock()
		return
	}
	c.closing = true
	c.lifeMu.Unlock()

	c.cancel()
	c.closeChannels()
	c.wg.Wait()
}

func (c *Coordinator) closeChannels() {
	for _, ch := range []*broadcast.Channel{c.loading, c.features, c.metrics} {
		if ch != nil {
			ch.Close()
		}
	}
}

func (c *Coordinator) onLoading(_ context.Context, event broadcast.Event) {
	if c.takeLocal(event.ID) {
		return
	}
	var signal progress.Signal
	if err := event.Decode(&signal); err != nil {
		log.Printf("coordinator: ignore %s on %s: %v", event.Name, c.session.Token, err)
		return
	}
	c.progress.Apply(event.Name, signal)
}

func (c *Coordinator) onFeatureUpdate(ctx context.Context, event broadcast.Event) {
	var payload featurePayload
	if err := event.Decode(&payload); err != nil {
		log.Printf("coordinator: ignore feature-update on %s: %v", c.session.Token, err)
		return
	}
	next := payload.Content
	if next == "" {
		next = payload.Text
	}
	if next == "" {
		log.Printf("coordinator: ignore empty feature-update on %s", c.session.Token)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.snapshot.SwapContent(next)
	message := payload.UserMessage
	if message == "" {
		message = c.lastMessage
	}
	c.recordRevision(ctx, store.NewRevision{
		SessionID:     c.session.Token,
		FeatureBefore: previous,
		FeatureAfter:  next,
		UserMessage:   message,
		Comment:       payload.Comment,
	})

	c.publishLoading(ctx, broadcast.EventFeatureReceived)
	c.publishLoading(ctx, broadcast.EventWaitingForMetrics)
}

func (c *Coordinator) onMetricsUpdate(ctx context.Context, event broadcast.Event) {
	var estimation store.Estimation
	if err := event.Decode(&estimation); err != nil {
		log.Printf("coordinator: ignore metrics-update on %s: %v", c.session.Token, err)
		return
	}
	overall, ok := estimation.Overall()
	if !ok {
		log.Printf("coordinator: ignore metrics-update without overall on %s", c.session.Token)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.overall = &overall
	c.estimation = estimation
	c.recordEstimation(ctx, estimation, overall)

	c.publishLoading(ctx, broadcast.EventMetricsReceived)
}

// recordRevision persists the revision for the current identity. Failures
// are logged; the live session continues.
func (c *Coordinator) recordRevision(ctx context.Context, revision store.NewRevision) {
	identity, ok := c.snapshot.CurrentIdentity()
	if !ok {
		return
	}
	revision.UserID = identity.UserID

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	id, err := c.deps.store.AppendRevision(persistCtx, revision)
	if err != nil {
		log.Printf("coordinator: append revision for %s: %v", c.session.Token, err)
		return
	}

	record := search.RevisionRecord{
		ID:           id,
		UserID:       revision.UserID,
		SessionID:    revision.SessionID,
		FeatureAfter: revision.FeatureAfter,
		UserMessage:  revision.UserMessage,
		Comment:      revision.Comment,
		CreatedAt:    time.Now().UnixMilli(),
	}
	c.lastRevision = &record
	if c.deps.indexer != nil {
		c.deps.indexer.IndexRevision(record)
	}
	if c.deps.mirror != nil {
		_, err := c.deps.mirror.CommitRevision(identity.UserID, c.session.Token, gitrepo.Revision{
			Content: revision.FeatureAfter,
			Message: revision.UserMessage,
			Comment: revision.Comment,
		}, identity.Name)
		if err != nil {
			log.Printf("coordinator: mirror revision for %s: %v", c.session.Token, err)
		}
	}
}

func (c *Coordinator) recordEstimation(ctx context.Context, estimation store.Estimation, overall float64) {
	identity, ok := c.snapshot.CurrentIdentity()
	if !ok {
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	attached, err := c.deps.store.AttachEstimation(persistCtx, identity.UserID, c.session.Token, estimation)
	if err != nil {
		log.Printf("coordinator: attach estimation for %s: %v", c.session.Token, err)
		return
	}
	if !attached {
		log.Printf("coordinator: no revision awaiting an estimation on %s", c.session.Token)
		return
	}

	if c.lastRevision != nil && c.lastRevision.UserID == identity.UserID {
		score := overall
		c.lastRevision.Overall = &score
		if c.deps.indexer != nil {
			c.deps.indexer.IndexRevision(*c.lastRevision)
		}
	}
	if c.deps.mirror != nil {
		if _, err := c.deps.mirror.RecordEstimation(identity.UserID, c.session.Token, estimation, identity.Name); err != nil {
			log.Printf("coordinator: mirror estimation for %s: %v", c.session.Token, err)
		}
	}
}

// publishLoading applies a loading-state event locally, publishes it on the
// primary channel and republishes the same event through a fresh channel.
func (c *Coordinator) publishLoading(ctx context.Context, name string) {
	signal := progress.NewSignal(c.session.Token)
	event, err := broadcast.NewEvent(name, signal)
	if err != nil {
		log.Printf("coordinator: build %s: %v", name, err)
		return
	}

	c.rememberLocal(event.ID)
	c.progress.Apply(name, signal)

	if c.loading != nil {
		if err := c.loading.PublishEvent(ctx, event); err != nil && !errors.Is(err, broadcast.ErrClosed) {
			log.Printf("coordinator: publish %s on %s: %v", name, c.session.Token, err)
		}
	}

	c.lifeMu.Lock()
	if c.closing {
		c.lifeMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.lifeMu.Unlock()

	topic := broadcast.TopicName(broadcast.TopicLoadingState, c.session.Token)
	go func() {
		defer c.wg.Done()
		reliableCtx, cancel := context.WithTimeout(c.ctx, reliablePublishTimeout)
		defer cancel()
		if err := c.deps.hub.PublishReliably(reliableCtx, topic, event); err != nil && c.ctx.Err() == nil {
			log.Printf("coordinator: reliable publish %s on %s: %v", name, c.session.Token, err)
		}
	}()
}

// rememberLocal records an event id this coordinator already applied, so its
// echo is not applied twice.
func (c *Coordinator) rememberLocal(id string) {
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	c.localIDs[id] = struct{}{}
	c.localOrder = append(c.localOrder, id)
	if len(c.localOrder) > localEchoLimit {
		oldest := c.localOrder[0]
		c.localOrder = c.localOrder[1:]
		delete(c.localIDs, oldest)
	}
}

// takeLocal reports whether id was applied locally. The id stays recorded so
// the redundant copy is skipped as well.
func (c *Coordinator) takeLocal(id string) bool {
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	_, ok := c.localIDs[id]
	return ok
}
