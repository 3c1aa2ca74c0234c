// Package session owns the OS resources of the one live call: its
// notification, foreground task, wake assertion and ring timeout.
package session

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/telemetry"
)

// ErrEmptyCallID is returned for requests without a call id.
var ErrEmptyCallID = errors.New("call id is required")

// recentlyClosedSize bounds the stale-event guard.
const recentlyClosedSize = 64

// resourceTimeout bounds resource calls made from timers and workers.
const resourceTimeout = 5 * time.Second

// OpenRequest carries the fields of a call bootstrap.
type OpenRequest struct {
	CallID     string
	Style      calls.Style
	CallerName string
	AvatarRef  string
	// Timeout overrides the ring timeout; zero uses the default.
	Timeout time.Duration
}

// Snapshot is a read-only view of the live session.
type Snapshot struct {
	CallID               string
	Style                calls.Style
	CallerName           string
	AvatarRef            string
	Icon                 string
	ForegroundRegistered bool
	Wake                 WakeKind
	TimeoutArmed         bool
	Degraded             []string
}

// session is the resource-owning record of one call.
type session struct {
	gen        uint64
	callID     string
	style      calls.Style
	callerName string
	avatarRef  string
	icon       string
	timeout    time.Duration

	foregroundRegistered bool
	foregroundAttempted  bool

	wake     WakeHandle
	wakeKind WakeKind
	renew    Timer

	timer    Timer
	timerSeq uint64

	ongoingSince time.Time
	degraded     []string
}

// Manager owns at most one live call session.
type Manager struct {
	surface  Surface
	fg       ForegroundTasks
	wake     WakeLocker
	timeouts TimeoutSink
	avatars  AvatarResolver
	clock    Clock
	metrics  *telemetry.Metrics

	mu             sync.Mutex
	live           *session
	gen            uint64
	closed         []string
	defaultTimeout time.Duration
	wakeGrace      time.Duration
	ongoingWake    time.Duration
	ongoingRenew   time.Duration
	avatarTimeout  time.Duration

	workers sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithAvatarResolver enables asynchronous resolution of remote avatars.
func WithAvatarResolver(r AvatarResolver) Option {
	return func(m *Manager) { m.avatars = r }
}

// WithMetrics records session events on mt.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// Timing configures the ring timeout and wake assertion durations.
type Timing struct {
	RingTimeout  time.Duration
	WakeGrace    time.Duration
	OngoingWake  time.Duration
	OngoingRenew time.Duration
	AvatarFetch  time.Duration
}

// WithTiming overrides the non-zero fields of t.
func WithTiming(t Timing) Option {
	return func(m *Manager) {
		if t.RingTimeout > 0 {
			m.defaultTimeout = t.RingTimeout
		}
		if t.WakeGrace > 0 {
			m.wakeGrace = t.WakeGrace
		}
		if t.OngoingWake > 0 {
			m.ongoingWake = t.OngoingWake
		}
		if t.OngoingRenew > 0 {
			m.ongoingRenew = t.OngoingRenew
		}
		if t.AvatarFetch > 0 {
			m.avatarTimeout = t.AvatarFetch
		}
	}
}

// NewManager creates a Manager over the device resources.
func NewManager(surface Surface, fg ForegroundTasks, wake WakeLocker, timeouts TimeoutSink, opts ...Option) *Manager {
	m := &Manager{
		surface:        surface,
		fg:             fg,
		wake:           wake,
		timeouts:       timeouts,
		clock:          wallClock{},
		metrics:        telemetry.Noop(),
		defaultTimeout: DefaultRingTimeout,
		wakeGrace:      DefaultWakeGrace,
		ongoingWake:    DefaultOngoingWake,
		ongoingRenew:   DefaultOngoingRenew,
		avatarTimeout:  DefaultAvatarFetch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDefaultTimeout changes the ring timeout used by later opens.
func (m *Manager) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.defaultTimeout = d
	m.mu.Unlock()
}

// Open creates the session for req.CallID, or merges req into it when that
// call is already live. A live session for another call is torn down first.
func (m *Manager) Open(ctx context.Context, req OpenRequest) error {
	if req.CallID == "" {
		return ErrEmptyCallID
	}
	if req.Style == "" {
		req.Style = calls.StyleIncoming
	}
	if _, err := calls.ParseStyle(string(req.Style)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(ctx, req)
	return nil
}

// UpdateStyle moves the live session for callID to style in place. An
// update for a call that is not live opens it, as a runtime may drive the
// whole lifecycle itself.
func (m *Manager) UpdateStyle(ctx context.Context, callID string, style calls.Style, callerName string) error {
	if callID == "" {
		return ErrEmptyCallID
	}
	if _, err := calls.ParseStyle(string(style)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(ctx, OpenRequest{CallID: callID, Style: style, CallerName: callerName})
	return nil
}

// Close releases every resource of the session for callID. Closing a call
// that is not live is a no-op.
func (m *Manager) Close(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live
	if s == nil || s.callID != callID {
		return nil
	}
	log.Printf("SESSION: closing %s (%s)", callID, s.style)
	m.teardownLocked(ctx, s, true)
	return nil
}

// Live returns a snapshot of the live session.
func (m *Manager) Live() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.live
	if s == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		CallID:               s.callID,
		Style:                s.style,
		CallerName:           s.callerName,
		AvatarRef:            s.avatarRef,
		Icon:                 s.icon,
		ForegroundRegistered: s.foregroundRegistered,
		Wake:                 s.wakeKind,
		TimeoutArmed:         s.timer != nil,
		Degraded:             append([]string(nil), s.degraded...),
	}, true
}

// Wait blocks until in-flight avatar workers finish.
func (m *Manager) Wait() {
	m.workers.Wait()
}

func (m *Manager) upsertLocked(ctx context.Context, req OpenRequest) {
	if m.wasClosed(req.CallID) {
		log.Printf("SESSION: ignoring %s for closed call %s", req.Style, req.CallID)
		return
	}

	if s := m.live; s != nil && s.callID == req.CallID {
		m.mergeLocked(ctx, s, req)
		return
	}

	if prev := m.live; prev != nil {
		log.Printf("SESSION: call %s supersedes %s", req.CallID, prev.callID)
		m.teardownLocked(ctx, prev, true)
	}

	m.gen++
	s := &session{
		gen:        m.gen,
		callID:     req.CallID,
		style:      req.Style,
		callerName: req.CallerName,
		timeout:    req.Timeout,
		wakeKind:   WakeNone,
	}
	if s.callerName == "" {
		s.callerName = defaultName(req.Style)
	}
	if s.timeout <= 0 {
		s.timeout = m.defaultTimeout
	}
	if s.style == calls.StyleOngoing {
		s.ongoingSince = m.clock.Now()
	}
	m.live = s
	m.metrics.SessionsOpened.Add(ctx, 1)
	log.Printf("SESSION: opened %s (%s) for %q", s.callID, s.style, s.callerName)

	m.setAvatarLocked(s, req.AvatarRef)
	m.applyWakeLocked(ctx, s)
	m.presentLocked(ctx, s)
	m.armTimeoutLocked(s)
}

func (m *Manager) mergeLocked(ctx context.Context, s *session, req OpenRequest) {
	changed := false

	if req.CallerName != "" && req.CallerName != s.callerName {
		s.callerName = req.CallerName
		changed = true
	}
	if req.AvatarRef != "" && req.AvatarRef != s.avatarRef {
		m.setAvatarLocked(s, req.AvatarRef)
		changed = true
	}

	if req.Style != s.style {
		log.Printf("SESSION: %s %s -> %s", s.callID, s.style, req.Style)
		if s.style == calls.StyleIncoming {
			m.cancelTimeoutLocked(s)
		}
		s.style = req.Style
		if s.style == calls.StyleOngoing {
			s.ongoingSince = m.clock.Now()
		}
		m.applyWakeLocked(ctx, s)
		m.armTimeoutLocked(s)
		changed = true
	}

	if changed {
		m.presentLocked(ctx, s)
	}
}

// teardownLocked withdraws everything the session owns. With releaseWake
// false the wake assertion is left to lapse at its own deadline.
func (m *Manager) teardownLocked(ctx context.Context, s *session, releaseWake bool) {
	m.cancelTimeoutLocked(s)
	m.stopRenewLocked(s)

	if s.wake != nil {
		if releaseWake {
			if err := s.wake.Release(ctx); err != nil {
				log.Printf("SESSION: releasing wake for %s: %v", s.callID, err)
			}
		} else {
			log.Printf("SESSION: wake for %s left to expire", s.callID)
		}
		s.wake = nil
		s.wakeKind = WakeNone
	}

	id := calls.NotificationID(s.callID)
	if s.foregroundRegistered {
		if err := m.fg.Stop(ctx, id); err != nil {
			log.Printf("SESSION: stopping foreground task for %s: %v", s.callID, err)
		}
	}
	for _, nid := range []uint32{id, calls.FallbackNotificationID} {
		if err := m.surface.Cancel(ctx, nid); err != nil {
			log.Printf("SESSION: withdrawing notification %d: %v", nid, err)
		}
	}

	if m.live == s {
		m.live = nil
	}
	m.rememberClosed(s.callID)
}

func (m *Manager) applyWakeLocked(ctx context.Context, s *session) {
	want := PolicyFor(s.style).Wake
	if s.wake != nil && s.wakeKind == want {
		return
	}

	m.stopRenewLocked(s)
	if s.wake != nil {
		if err := s.wake.Release(ctx); err != nil {
			log.Printf("SESSION: releasing %s wake for %s: %v", s.wakeKind, s.callID, err)
		}
		s.wake = nil
		s.wakeKind = WakeNone
	}
	if want == WakeNone {
		return
	}

	req := WakeRequest{Kind: want, CallID: s.callID}
	switch want {
	case WakeScreen:
		req.Tag = "callbridge:incoming"
		req.Duration = s.timeout + m.wakeGrace
	case WakeCPU:
		req.Tag = "callbridge:ongoing"
		req.Duration = m.ongoingWake
	}

	h, err := m.wake.Acquire(ctx, req)
	if err != nil {
		m.degradeLocked(ctx, s, ResourceWake, err)
		return
	}
	s.wake = h
	s.wakeKind = want
	if want == WakeCPU {
		m.scheduleRenewLocked(s)
	}
}

func (m *Manager) scheduleRenewLocked(s *session) {
	gen := s.gen
	s.renew = m.clock.AfterFunc(m.ongoingRenew, func() { m.renewWake(gen) })
}

func (m *Manager) stopRenewLocked(s *session) {
	if s.renew != nil {
		s.renew.Stop()
		s.renew = nil
	}
}

func (m *Manager) renewWake(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live
	if s == nil || s.gen != gen || s.wakeKind != WakeCPU || s.wake == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resourceTimeout)
	defer cancel()
	if err := s.wake.Renew(ctx, m.ongoingWake); err != nil {
		log.Printf("SESSION: renewing wake for %s: %v", s.callID, err)
	}
	m.scheduleRenewLocked(s)
}

// presentLocked shows the current notification. The foreground task is
// started once per session; later changes update the notification in place.
func (m *Manager) presentLocked(ctx context.Context, s *session) {
	n := m.buildLocked(s)

	if !s.foregroundAttempted {
		s.foregroundAttempted = true
		err := m.fg.Start(ctx, n)
		if err == nil {
			s.foregroundRegistered = true
			return
		}
		m.degradeLocked(ctx, s, ResourceForeground, err)
	}

	if err := m.surface.Post(ctx, n); err != nil {
		m.degradeLocked(ctx, s, ResourceNotification, err)
	}
}

func (m *Manager) buildLocked(s *session) Notification {
	p := PolicyFor(s.style)
	n := Notification{
		ID:          calls.NotificationID(s.callID),
		CallID:      s.callID,
		Style:       s.style,
		Channel:     p.Channel,
		Priority:    p.Priority,
		Sound:       p.Sound,
		Vibrate:     p.Vibrate,
		FullScreen:  p.FullScreen,
		Title:       s.callerName,
		Text:        p.Text,
		Icon:        s.icon,
		Placeholder: s.icon == "",
		Content:     Target{ID: calls.TargetID(s.callID, calls.ActionOpen), Action: calls.ActionOpen},
	}
	if s.style == calls.StyleOngoing {
		n.Chronometer = true
		n.When = s.ongoingSince
	}
	for _, a := range p.Actions {
		n.Buttons = append(n.Buttons, Button{
			Target: Target{ID: calls.TargetID(s.callID, a), Action: a},
			Label:  actionLabels[a],
		})
	}
	return n
}

func (m *Manager) armTimeoutLocked(s *session) {
	if !PolicyFor(s.style).Timeout || s.timer != nil {
		return
	}
	s.timerSeq++
	gen, seq := s.gen, s.timerSeq
	s.timer = m.clock.AfterFunc(s.timeout, func() { m.fireTimeout(gen, seq) })
}

// cancelTimeoutLocked stops the timer and invalidates a callback that may
// already be waiting on the lock.
func (m *Manager) cancelTimeoutLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (m *Manager) fireTimeout(gen, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), resourceTimeout)
	defer cancel()

	m.mu.Lock()
	s := m.live
	if s == nil || s.gen != gen || s.timerSeq != seq || s.style != calls.StyleIncoming {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	callID := s.callID
	log.Printf("SESSION: %s rang out after %v", callID, s.timeout)
	m.metrics.Timeouts.Add(ctx, 1)
	m.teardownLocked(ctx, s, false)
	m.mu.Unlock()

	m.timeouts.NotifyTimeout(ctx, callID)
}

func (m *Manager) setAvatarLocked(s *session, ref string) {
	s.avatarRef = ref
	s.icon = ""
	if ref == "" {
		return
	}
	if !isRemote(ref) {
		s.icon = ref
		return
	}
	if m.avatars == nil {
		return
	}

	gen := s.gen
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.resolveAvatar(gen, ref)
	}()
}

// resolveAvatar runs off the caller's path and applies its result only if
// the same session is still live with the same avatar reference.
func (m *Manager) resolveAvatar(gen uint64, ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.avatarTimeout)
	defer cancel()

	icon, err := m.avatars.Resolve(ctx, ref)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.live
	if s == nil || s.gen != gen || s.avatarRef != ref {
		return
	}
	if err != nil {
		m.degradeLocked(ctx, s, ResourceAvatar, err)
		return
	}
	s.icon = icon
	m.presentLocked(ctx, s)
}

func (m *Manager) degradeLocked(ctx context.Context, s *session, resource string, err error) {
	rerr := &ResourceError{Resource: resource, CallID: s.callID, Err: err}
	log.Printf("SESSION: %v", rerr)
	s.degraded = append(s.degraded, resource)
	m.metrics.ResourceFailed(ctx, resource)
}

func (m *Manager) rememberClosed(callID string) {
	if m.wasClosed(callID) {
		return
	}
	m.closed = append(m.closed, callID)
	if len(m.closed) > recentlyClosedSize {
		m.closed = m.closed[len(m.closed)-recentlyClosedSize:]
	}
}

func (m *Manager) wasClosed(callID string) bool {
	for _, id := range m.closed {
		if id == callID {
			return true
		}
	}
	return false
}

func isRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func defaultName(style calls.Style) string {
	if style == calls.StyleIncoming {
		return "Incoming call"
	}
	return "On call"
}
