// Package progress derives the visible waiting indicator of a session from
// its loading-state events.
//
// Events are applied as level-sets ("be at least in state X") so duplicates
// and reordering never move the indicator backwards. A cycle starts with
// waiting-for-feature; any event stamped before the current cycle started is
// stale and ignored.
package progress

import (
	"log"
	"sync"
	"time"

	"storymapper/api/internal/broadcast"
)

type State int

const (
	Idle State = iota
	AwaitingContent
	AwaitingMetrics
)

func (s State) String() string {
	switch s {
	case AwaitingContent:
		return "awaiting-content"
	case AwaitingMetrics:
		return "content-received-awaiting-metrics"
	default:
		return "idle"
	}
}

// Panel is the UI surface currently focused by the user.
type Panel string

const (
	PanelChat     Panel = "chat"
	PanelDocument Panel = "document"
	PanelQuality  Panel = "quality"
)

func ParsePanel(value string) (Panel, bool) {
	switch Panel(value) {
	case PanelChat, PanelDocument, PanelQuality:
		return Panel(value), true
	default:
		return "", false
	}
}

type Progress struct {
	Visible bool `json:"visible"`
	Value   int  `json:"value"`
}

// Signal is the payload of every loading-state event.
type Signal struct {
	TS        int64  `json:"ts"`
	SessionID string `json:"sessionId"`
}

// NewSignal stamps a signal for session with the current time.
func NewSignal(sessionID string) Signal {
	return Signal{TS: time.Now().UnixMilli(), SessionID: sessionID}
}

// Values are the percentages shown at each step.
type Values struct {
	Start   int
	Feature int
}

func DefaultValues() Values {
	return Values{Start: 12, Feature: 55}
}

type View struct {
	State           State    `json:"-"`
	StateName       string   `json:"state"`
	Progress        Progress `json:"progress"`
	HasUnseenUpdate bool     `json:"hasUnseenUpdate"`
	Focused         Panel    `json:"focused"`
}

type Option func(*Orchestrator)

// WithListener registers fn to be called with the new view after every
// change. fn runs outside the orchestrator lock.
func WithListener(fn func(View)) Option {
	return func(o *Orchestrator) {
		o.listener = fn
	}
}

// WithFocus sets the initially focused panel.
func WithFocus(panel Panel) Option {
	return func(o *Orchestrator) {
		o.focused = panel
	}
}

type Orchestrator struct {
	sessionID string
	values    Values
	listener  func(View)

	mu          sync.Mutex
	state       State
	progress    Progress
	unseen      bool
	focused     Panel
	cycleStart  int64
	completedAt int64
	// lastFeatureAt is the newest feature-received applied; older or equal
	// copies never re-raise the unseen flag.
	lastFeatureAt int64
}

func New(sessionID string, values Values, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessionID: sessionID,
		values:    values,
		focused:   PanelChat,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Apply folds one loading-state event into the state. It reports whether
// the visible view changed. Unknown, foreign or stale events are logged and
// ignored.
func (o *Orchestrator) Apply(name string, signal Signal) bool {
	if signal.SessionID != "" && signal.SessionID != o.sessionID {
		log.Printf("progress: ignore %s for foreign session %s (own %s)", name, signal.SessionID, o.sessionID)
		return false
	}
	if signal.TS == 0 {
		signal.TS = time.Now().UnixMilli()
	}

	o.mu.Lock()
	before := o.viewLocked()
	switch name {
	case broadcast.EventWaitingForFeature:
		o.applyWaitingForFeature(signal.TS)
	case broadcast.EventFeatureReceived:
		o.applyContentReceived(signal.TS, true)
	case broadcast.EventWaitingForMetrics:
		o.applyContentReceived(signal.TS, false)
	case broadcast.EventMetricsReceived:
		o.applyMetricsReceived(signal.TS)
	default:
		log.Printf("progress: ignore unexpected event %q on session %s", name, o.sessionID)
	}
	after := o.viewLocked()
	o.mu.Unlock()

	changed := before != after
	if changed && o.listener != nil {
		o.listener(after)
	}
	return changed
}

func (o *Orchestrator) applyWaitingForFeature(ts int64) {
	if ts <= o.cycleStart {
		return
	}
	o.cycleStart = ts
	if o.state == AwaitingContent {
		return
	}
	o.state = AwaitingContent
	o.progress = Progress{Visible: true, Value: o.values.Start}
}

func (o *Orchestrator) applyContentReceived(ts int64, markUnseen bool) {
	if ts < o.cycleStart {
		log.Printf("progress: ignore stale content event on session %s", o.sessionID)
		return
	}
	if markUnseen && ts > o.lastFeatureAt {
		o.lastFeatureAt = ts
		if o.focused != PanelDocument {
			o.unseen = true
		}
	}
	if o.state == Idle && ts <= o.completedAt {
		// Metrics stamped after this event already closed its cycle.
		return
	}
	if o.state >= AwaitingMetrics {
		return
	}
	o.state = AwaitingMetrics
	value := o.values.Feature
	if o.progress.Value > value {
		value = o.progress.Value
	}
	o.progress = Progress{Visible: true, Value: value}
}

func (o *Orchestrator) applyMetricsReceived(ts int64) {
	if ts < o.cycleStart {
		log.Printf("progress: ignore stale metrics-received on session %s", o.sessionID)
		return
	}
	if ts > o.completedAt {
		o.completedAt = ts
	}
	o.state = Idle
	o.progress = Progress{}
}

// Focus records the focused panel. Focusing the document clears the unseen
// update flag.
func (o *Orchestrator) Focus(panel Panel) {
	o.mu.Lock()
	before := o.viewLocked()
	o.focused = panel
	if panel == PanelDocument {
		o.unseen = false
	}
	after := o.viewLocked()
	o.mu.Unlock()
	if before != after && o.listener != nil {
		o.listener(after)
	}
}

func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *Orchestrator) viewLocked() View {
	return View{
		State:           o.state,
		StateName:       o.state.String(),
		Progress:        o.progress,
		HasUnseenUpdate: o.unseen,
		Focused:         o.focused,
	}
}
