// Package bridge delivers call actions to the application runtime. A live,
// attached runtime is tried first, then a warm headless one; when neither
// accepts the message the action is parked in the mailbox for the runtime
// to pull when it next starts.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/mailbox"
	"github.com/sweeney/call-bridge/internal/telemetry"
)

// Outbound method names understood by the runtime.
const (
	MethodOnAction  = "call.onAction"
	MethodOnTimeout = "call.onTimeout"
)

// DefaultAttemptTimeout bounds each delivery attempt.
const DefaultAttemptTimeout = 750 * time.Millisecond

// Channel carries one message to a runtime instance. Invoke returns nil only
// when the message was handed over.
type Channel interface {
	Invoke(ctx context.Context, method string, args map[string]string) error
}

// Attachment is the process-wide cell recording whether a live runtime is
// reachable. It only changes through Attach and DetachChannel; a failed
// Invoke never detaches.
type Attachment struct {
	mu       sync.RWMutex
	ch       Channel
	attached bool
}

// NewAttachment returns a detached cell.
func NewAttachment() *Attachment {
	return &Attachment{}
}

// Attach records ch as the live runtime, replacing any previous one.
func (a *Attachment) Attach(ch Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch = ch
	a.attached = true
}

// DetachChannel detaches only if ch is still the attached channel, so a
// stale connection closing cannot detach its replacement.
func (a *Attachment) DetachChannel(ch Channel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.attached || a.ch != ch {
		return false
	}
	a.ch = nil
	a.attached = false
	return true
}

// Current returns the attached channel, if any.
func (a *Attachment) Current() (Channel, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ch, a.attached && a.ch != nil
}

// Attached reports whether a live runtime is registered.
func (a *Attachment) Attached() bool {
	_, ok := a.Current()
	return ok
}

// Bridge implements deliver-or-queue.
type Bridge struct {
	live           *Attachment
	warm           Channel
	mailbox        mailbox.Mailbox
	attemptTimeout time.Duration
	metrics        *telemetry.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithWarmChannel sets the headless runtime channel tried after the live one.
func WithWarmChannel(ch Channel) Option {
	return func(b *Bridge) { b.warm = ch }
}

// WithAttemptTimeout bounds each delivery attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.attemptTimeout = d
		}
	}
}

// WithMetrics records deliveries on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// New creates a Bridge over the attachment cell and mailbox.
func New(live *Attachment, mb mailbox.Mailbox, opts ...Option) *Bridge {
	b := &Bridge{
		live:           live,
		mailbox:        mb,
		attemptTimeout: DefaultAttemptTimeout,
		metrics:        telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Deliver hands action for callID to the runtime. It returns false when the
// action was queued in the mailbox instead; callers must not retry, the
// runtime pulls the mailbox when it attaches.
func (b *Bridge) Deliver(ctx context.Context, action calls.Action, callID string) bool {
	args := map[string]string{"action": string(action), "callId": callID}
	if b.send(ctx, MethodOnAction, args) {
		return true
	}
	b.queue(ctx, calls.PendingAction{Action: action, CallID: callID})
	return false
}

// NotifyTimeout tells the runtime an incoming call rang out. When no runtime
// takes it, the call is queued as remote_end so a runtime started later
// still learns the call is over.
func (b *Bridge) NotifyTimeout(ctx context.Context, callID string) bool {
	if b.send(ctx, MethodOnTimeout, map[string]string{"callId": callID}) {
		return true
	}
	b.queue(ctx, calls.PendingAction{Action: calls.ActionRemoteEnd, CallID: callID})
	return false
}

func (b *Bridge) send(ctx context.Context, method string, args map[string]string) bool {
	if ch, ok := b.live.Current(); ok {
		err := b.attempt(ctx, ch, method, args)
		if err == nil {
			b.metrics.Delivered(ctx, telemetry.PathLive)
			return true
		}
		log.Printf("BRIDGE: live %s for %s failed: %v", method, args["callId"], err)
	}

	if b.warm != nil {
		err := b.attempt(ctx, b.warm, method, args)
		if err == nil {
			b.metrics.Delivered(ctx, telemetry.PathWarm)
			return true
		}
		log.Printf("BRIDGE: warm %s for %s failed: %v", method, args["callId"], err)
	}
	return false
}

func (b *Bridge) attempt(ctx context.Context, ch Channel, method string, args map[string]string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Invoke(ctx, method, args)
}

func (b *Bridge) queue(ctx context.Context, p calls.PendingAction) {
	if err := b.mailbox.Store(ctx, p); err != nil {
		log.Printf("BRIDGE: storing pending %s for %s: %v", p.Action, p.CallID, err)
		return
	}
	b.metrics.Delivered(ctx, telemetry.PathMailbox)
	log.Printf("BRIDGE: runtime unreachable, queued %s for %s", p.Action, p.CallID)
}
