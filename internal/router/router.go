// Package router turns user actions and push bootstrap events into session
// and delivery calls.
package router

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/session"
)

// Sessions is the session manager as seen by the router.
type Sessions interface {
	Open(ctx context.Context, req session.OpenRequest) error
	UpdateStyle(ctx context.Context, callID string, style calls.Style, callerName string) error
	Close(ctx context.Context, callID string) error
	Live() (session.Snapshot, bool)
}

// Deliverer hands actions to the runtime or queues them.
type Deliverer interface {
	Deliver(ctx context.Context, action calls.Action, callID string) bool
}

// UISurfacer brings the call screen forward, starting the runtime when
// needed.
type UISurfacer interface {
	ShowCallScreen(ctx context.Context, action calls.Action, callID string) error
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// DefaultChatWindow is how long a reported active chat suppresses its own
// notifications.
const DefaultChatWindow = 5 * time.Minute

// seenSize bounds the terminal-event dedupe set.
const seenSize = 256

// Router dispatches inbound events.
type Router struct {
	sessions Sessions
	bridge   Deliverer
	ui       UISurfacer
	chat     ChatSink
	clock    Clock
	newID    func() string

	mu         sync.Mutex
	seen       map[string]struct{}
	seenOrder  []string
	activeChat string
	activeAt   time.Time
	chatWindow time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the time source for chat freshness.
func WithClock(c Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithChatSink forwards non-call events to s.
func WithChatSink(s ChatSink) Option {
	return func(r *Router) { r.chat = s }
}

// WithChatWindow sets the active-chat freshness window.
func WithChatWindow(d time.Duration) Option {
	return func(r *Router) { r.chatWindow = d }
}

// WithIDGenerator sets the generator for synthesized call ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) { r.newID = fn }
}

// New creates a Router.
func New(sessions Sessions, bridge Deliverer, ui UISurfacer, opts ...Option) *Router {
	r := &Router{
		sessions:   sessions,
		bridge:     bridge,
		ui:         ui,
		clock:      time.Now,
		newID:      newCallID,
		seen:       make(map[string]struct{}),
		chatWindow: DefaultChatWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnUserAction handles a tap on the notification, lock screen or call UI.
func (r *Router) OnUserAction(ctx context.Context, action calls.Action, callID string) {
	if callID == "" {
		if snap, ok := r.sessions.Live(); ok {
			callID = snap.CallID
		}
	}
	if callID == "" {
		log.Printf("ROUTER: dropping %s without a call", action)
		return
	}

	switch action {
	case calls.ActionDecline, calls.ActionHangup:
		if err := r.sessions.Close(ctx, callID); err != nil {
			log.Printf("ROUTER: closing %s: %v", callID, err)
		}
		if !r.bridge.Deliver(ctx, action, callID) {
			r.showUI(ctx, action, callID)
		}

	case calls.ActionAnswer:
		if err := r.sessions.UpdateStyle(ctx, callID, calls.StyleOngoing, ""); err != nil {
			log.Printf("ROUTER: answering %s: %v", callID, err)
		}
		r.showUI(ctx, action, callID)
		r.bridge.Deliver(ctx, action, callID)

	case calls.ActionOpen:
		r.bridge.Deliver(ctx, action, callID)

	default:
		log.Printf("ROUTER: ignoring user action %q for %s", action, callID)
	}
}

func (r *Router) showUI(ctx context.Context, action calls.Action, callID string) {
	if r.ui == nil {
		return
	}
	if err := r.ui.ShowCallScreen(ctx, action, callID); err != nil {
		log.Printf("ROUTER: surfacing call UI for %s: %v", callID, err)
	}
}

// SetChatWindow changes the active-chat freshness window.
func (r *Router) SetChatWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.chatWindow = d
	r.mu.Unlock()
}

// SetActiveChat records the chat the runtime is showing. An empty id clears
// it.
func (r *Router) SetActiveChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeChat = chatID
	r.activeAt = r.clock()
}

// markSeen records key and reports whether it was already present.
func (r *Router) hasSeen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[key]
	return ok
}

func (r *Router) markSeen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = struct{}{}
	r.seenOrder = append(r.seenOrder, key)
	if len(r.seenOrder) > seenSize {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
	return false
}
