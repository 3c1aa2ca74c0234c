package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/session"
)

// --- fakes ---

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.clock.stopIneffective {
		return false
	}
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires timers only when advanced. With stopIneffective set,
// Stop loses the race against an already-due callback.
type fakeClock struct {
	mu              sync.Mutex
	now             time.Time
	timers          []*fakeTimer
	stopIneffective bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.at.After(target) {
				continue
			}
			if t.stopped && !c.stopIneffective {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type fakeSurface struct {
	mu      sync.Mutex
	posts   []session.Notification
	cancels []uint32
	err     error
}

func (s *fakeSurface) Post(_ context.Context, n session.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.posts = append(s.posts, n)
	return nil
}

func (s *fakeSurface) Cancel(_ context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, id)
	return nil
}

func (s *fakeSurface) Posts() []session.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Notification(nil), s.posts...)
}

func (s *fakeSurface) Cancels() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.cancels...)
}

type fakeForeground struct {
	mu     sync.Mutex
	starts []session.Notification
	stops  []uint32
	err    error
}

func (f *fakeForeground) Start(_ context.Context, n session.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts = append(f.starts, n)
	return nil
}

func (f *fakeForeground) Stop(_ context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeForeground) Counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.stops)
}

type fakeHandle struct {
	mu       sync.Mutex
	req      session.WakeRequest
	renewals int
	released bool
}

func (h *fakeHandle) Renew(context.Context, time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renewals++
	return nil
}

func (h *fakeHandle) Release(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return nil
}

func (h *fakeHandle) State() (renewals int, released bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renewals, h.released
}

type fakeWake struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (w *fakeWake) Acquire(_ context.Context, req session.WakeRequest) (session.WakeHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	h := &fakeHandle{req: req}
	w.handles = append(w.handles, h)
	return h, nil
}

func (w *fakeWake) Handles() []*fakeHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*fakeHandle(nil), w.handles...)
}

type fakeSink struct {
	mu       sync.Mutex
	timeouts []string
}

func (s *fakeSink) NotifyTimeout(_ context.Context, callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = append(s.timeouts, callID)
	return true
}

func (s *fakeSink) Timeouts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.timeouts...)
}

// gatedAvatars holds every resolution until release is closed.
type gatedAvatars struct {
	release chan struct{}
	icon    string
	err     error
}

func (g *gatedAvatars) Resolve(ctx context.Context, ref string) (string, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.icon, g.err
}

type harness struct {
	clock   *fakeClock
	surface *fakeSurface
	fg      *fakeForeground
	wake    *fakeWake
	sink    *fakeSink
	mgr     *session.Manager
}

func newHarness(opts ...session.Option) *harness {
	h := &harness{
		clock:   newFakeClock(),
		surface: &fakeSurface{},
		fg:      &fakeForeground{},
		wake:    &fakeWake{},
		sink:    &fakeSink{},
	}
	opts = append([]session.Option{session.WithClock(h.clock)}, opts...)
	h.mgr = session.NewManager(h.surface, h.fg, h.wake, h.sink, opts...)
	return h
}

func (h *harness) open(t *testing.T, req session.OpenRequest) {
	t.Helper()
	if err := h.mgr.Open(context.Background(), req); err != nil {
		t.Fatalf("open %s: %v", req.CallID, err)
	}
}

func contains(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// --- tests ---

func TestOpenIncomingAcquiresResources(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, CallerName: "Ana"})

	starts, _ := h.fg.Counts()
	if starts != 1 {
		t.Fatalf("expected 1 foreground start, got %d", starts)
	}
	n := h.fg.starts[0]
	if n.ID != calls.NotificationID("c1") {
		t.Errorf("expected id %d, got %d", calls.NotificationID("c1"), n.ID)
	}
	if n.Title != "Ana" || n.Text != "Incoming call" {
		t.Errorf("unexpected content %q / %q", n.Title, n.Text)
	}
	if !n.FullScreen || !n.Sound || n.Channel != session.ChannelCallAlerts {
		t.Errorf("expected full-screen alerting notification, got %+v", n)
	}
	if !n.Placeholder {
		t.Error("expected placeholder icon without an avatar")
	}
	if len(n.Buttons) != 2 || n.Buttons[0].Action != calls.ActionDecline || n.Buttons[1].Action != calls.ActionAnswer {
		t.Errorf("unexpected buttons %+v", n.Buttons)
	}

	handles := h.wake.Handles()
	if len(handles) != 1 {
		t.Fatalf("expected 1 wake assertion, got %d", len(handles))
	}
	if handles[0].req.Kind != session.WakeScreen {
		t.Errorf("expected screen wake, got %s", handles[0].req.Kind)
	}
	if handles[0].req.Duration != 35*time.Second {
		t.Errorf("expected timeout plus grace, got %v", handles[0].req.Duration)
	}

	snap, ok := h.mgr.Live()
	if !ok || !snap.TimeoutArmed || !snap.ForegroundRegistered {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestOpenRejectsEmptyCallID(t *testing.T) {
	h := newHarness()
	err := h.mgr.Open(context.Background(), session.OpenRequest{Style: calls.StyleIncoming})
	if !errors.Is(err, session.ErrEmptyCallID) {
		t.Fatalf("expected ErrEmptyCallID, got %v", err)
	}
	if _, ok := h.mgr.Live(); ok {
		t.Error("expected no session")
	}
}

func TestOpenRejectsUnknownStyle(t *testing.T) {
	h := newHarness()
	err := h.mgr.Open(context.Background(), session.OpenRequest{CallID: "c1", Style: "video"})
	if !errors.Is(err, calls.ErrUnknownStyle) {
		t.Fatalf("expected ErrUnknownStyle, got %v", err)
	}
}

func TestDuplicateOpenMergesWithoutRestart(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, CallerName: "Bo"})
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, CallerName: "Bo"})

	starts, _ := h.fg.Counts()
	if starts != 1 {
		t.Errorf("expected 1 foreground start, got %d", starts)
	}
	if len(h.wake.Handles()) != 1 {
		t.Errorf("expected a single wake assertion, got %d", len(h.wake.Handles()))
	}
	if len(h.surface.Posts()) != 0 {
		t.Errorf("unchanged duplicate must not repost, got %d posts", len(h.surface.Posts()))
	}

	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, CallerName: "Bo Lind"})
	posts := h.surface.Posts()
	if len(posts) != 1 || posts[0].Title != "Bo Lind" {
		t.Fatalf("expected in-place update with new name, got %+v", posts)
	}
	if posts[0].ID != calls.NotificationID("c1") {
		t.Error("update must reuse the notification id")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	for i := 0; i < 2; i++ {
		if err := h.mgr.Close(context.Background(), "c1"); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	_, stops := h.fg.Counts()
	if stops != 1 {
		t.Errorf("expected 1 foreground stop, got %d", stops)
	}
	cancels := h.surface.Cancels()
	if !contains(cancels, calls.NotificationID("c1")) || !contains(cancels, calls.FallbackNotificationID) {
		t.Errorf("expected call and fallback notifications withdrawn, got %v", cancels)
	}
	if _, released := h.wake.Handles()[0].State(); !released {
		t.Error("expected wake released")
	}
	if _, ok := h.mgr.Live(); ok {
		t.Error("expected no live session")
	}

	h.clock.Advance(time.Minute)
	if got := h.sink.Timeouts(); len(got) != 0 {
		t.Errorf("closed call must not time out, got %v", got)
	}
}

func TestCloseUnknownCallIsNoop(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	if err := h.mgr.Close(context.Background(), "other"); err != nil {
		t.Fatal(err)
	}
	if snap, ok := h.mgr.Live(); !ok || snap.CallID != "c1" {
		t.Error("closing another call must leave the live session alone")
	}
	if len(h.surface.Cancels()) != 0 {
		t.Error("expected nothing withdrawn")
	}
}

func TestCloseBeforeOpenDoesNotBlockCall(t *testing.T) {
	h := newHarness()
	if err := h.mgr.Close(context.Background(), "c9"); err != nil {
		t.Fatal(err)
	}
	h.open(t, session.OpenRequest{CallID: "c9", Style: calls.StyleIncoming})

	snap, ok := h.mgr.Live()
	if !ok || snap.CallID != "c9" {
		t.Fatalf("expected c9 ringing after an early close, got %+v ok=%v", snap, ok)
	}
	if starts, _ := h.fg.Counts(); starts != 1 {
		t.Errorf("expected 1 foreground start, got %d", starts)
	}
}

func TestAnswerMovesToOngoing(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, CallerName: "Ana"})

	if err := h.mgr.UpdateStyle(context.Background(), "c1", calls.StyleOngoing, ""); err != nil {
		t.Fatal(err)
	}

	starts, _ := h.fg.Counts()
	if starts != 1 {
		t.Errorf("style change must not restart the foreground task, got %d starts", starts)
	}
	handles := h.wake.Handles()
	if len(handles) != 2 {
		t.Fatalf("expected screen then cpu wake, got %d", len(handles))
	}
	if _, released := handles[0].State(); !released {
		t.Error("expected screen wake released")
	}
	if handles[1].req.Kind != session.WakeCPU || handles[1].req.Duration != 10*time.Minute {
		t.Errorf("unexpected ongoing wake %+v", handles[1].req)
	}

	posts := h.surface.Posts()
	if len(posts) != 1 {
		t.Fatalf("expected 1 update, got %d", len(posts))
	}
	n := posts[0]
	if !n.Chronometer || n.When.IsZero() || n.FullScreen || n.Title != "Ana" {
		t.Errorf("unexpected ongoing notification %+v", n)
	}
	if len(n.Buttons) != 1 || n.Buttons[0].Action != calls.ActionHangup {
		t.Errorf("expected hangup button only, got %+v", n.Buttons)
	}

	h.clock.Advance(time.Minute)
	if len(h.sink.Timeouts()) != 0 {
		t.Error("answered call must not time out")
	}
	if snap, _ := h.mgr.Live(); snap.TimeoutArmed {
		t.Error("expected timeout disarmed")
	}
}

func TestIncomingRingsOut(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, Timeout: 45 * time.Second})

	h.clock.Advance(44 * time.Second)
	if len(h.sink.Timeouts()) != 0 {
		t.Fatal("fired early")
	}
	h.clock.Advance(time.Second)

	got := h.sink.Timeouts()
	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected timeout for c1, got %v", got)
	}
	if _, ok := h.mgr.Live(); ok {
		t.Error("expected session torn down")
	}
	_, stops := h.fg.Counts()
	if stops != 1 {
		t.Errorf("expected foreground stopped, got %d", stops)
	}
	if _, released := h.wake.Handles()[0].State(); released {
		t.Error("wake after timeout is left to lapse on its own deadline")
	}
}

func TestTimeoutLosingRaceWithCloseIsDropped(t *testing.T) {
	h := newHarness()
	h.clock.stopIneffective = true
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	if err := h.mgr.Close(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)

	if got := h.sink.Timeouts(); len(got) != 0 {
		t.Errorf("stale timeout delivered: %v", got)
	}
}

func TestTimeoutLosingRaceWithAnswerIsDropped(t *testing.T) {
	h := newHarness()
	h.clock.stopIneffective = true
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	if err := h.mgr.UpdateStyle(context.Background(), "c1", calls.StyleOngoing, ""); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)

	if got := h.sink.Timeouts(); len(got) != 0 {
		t.Errorf("stale timeout delivered: %v", got)
	}
	if snap, ok := h.mgr.Live(); !ok || snap.Style != calls.StyleOngoing {
		t.Error("ongoing session must survive a stale timeout")
	}
}

func TestOngoingWakeRenewed(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleOngoing})

	h.clock.Advance(9 * time.Minute)
	h.clock.Advance(9 * time.Minute)

	handle := h.wake.Handles()[0]
	if renewals, _ := handle.State(); renewals != 2 {
		t.Fatalf("expected 2 renewals, got %d", renewals)
	}

	if err := h.mgr.Close(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Minute)
	if renewals, released := handle.State(); renewals != 2 || !released {
		t.Errorf("expected renewals to stop at release, got %d released=%v", renewals, released)
	}
}

func TestOutgoingHoldsNoWake(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleOutgoing, CallerName: "Dee"})

	if len(h.wake.Handles()) != 0 {
		t.Error("outgoing calls hold no wake assertion")
	}
	if snap, _ := h.mgr.Live(); snap.TimeoutArmed {
		t.Error("outgoing calls arm no timeout")
	}
	if n := h.fg.starts[0]; n.Text != "Calling..." || n.Buttons[0].Action != calls.ActionHangup {
		t.Errorf("unexpected outgoing notification %+v", n)
	}
}

func TestForegroundFailureDegradesToPlainNotification(t *testing.T) {
	h := newHarness()
	h.fg.err = errors.New("not permitted")
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	if len(h.surface.Posts()) != 1 {
		t.Fatalf("expected plain notification, got %d posts", len(h.surface.Posts()))
	}
	snap, ok := h.mgr.Live()
	if !ok {
		t.Fatal("expected session despite degradation")
	}
	if snap.ForegroundRegistered {
		t.Error("foreground must not be marked registered")
	}
	if len(snap.Degraded) != 1 || snap.Degraded[0] != session.ResourceForeground {
		t.Errorf("expected foreground degradation, got %v", snap.Degraded)
	}

	if err := h.mgr.Close(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if _, stops := h.fg.Counts(); stops != 0 {
		t.Error("unregistered task must not be stopped")
	}
}

func TestWakeFailureDegrades(t *testing.T) {
	h := newHarness()
	h.wake.err = errors.New("denied")
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	snap, ok := h.mgr.Live()
	if !ok || snap.Wake != session.WakeNone {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.TimeoutArmed {
		t.Error("timeout must be armed without a wake assertion")
	}
	if len(snap.Degraded) != 1 || snap.Degraded[0] != session.ResourceWake {
		t.Errorf("expected wake degradation, got %v", snap.Degraded)
	}
}

func TestNewCallSupersedesLiveSession(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})
	h.open(t, session.OpenRequest{CallID: "c2", Style: calls.StyleIncoming})

	snap, _ := h.mgr.Live()
	if snap.CallID != "c2" {
		t.Fatalf("expected c2 live, got %s", snap.CallID)
	}
	if !contains(h.surface.Cancels(), calls.NotificationID("c1")) {
		t.Error("expected c1 notification withdrawn")
	}
	starts, stops := h.fg.Counts()
	if starts != 2 || stops != 1 {
		t.Errorf("expected 2 starts and 1 stop, got %d/%d", starts, stops)
	}

	h.clock.Advance(time.Minute)
	if got := h.sink.Timeouts(); len(got) != 1 || got[0] != "c2" {
		t.Errorf("only c2 may time out, got %v", got)
	}
}

func TestUpdateForClosedCallIgnored(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})
	if err := h.mgr.Close(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.UpdateStyle(context.Background(), "c1", calls.StyleOngoing, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.mgr.Live(); ok {
		t.Error("late update must not resurrect a closed call")
	}
}

func TestUpdateStyleOpensMissingSession(t *testing.T) {
	h := newHarness()
	if err := h.mgr.UpdateStyle(context.Background(), "c5", calls.StyleOutgoing, "Eve"); err != nil {
		t.Fatal(err)
	}
	snap, ok := h.mgr.Live()
	if !ok || snap.CallID != "c5" || snap.Style != calls.StyleOutgoing || snap.CallerName != "Eve" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestLocalAvatarUsedDirectly(t *testing.T) {
	h := newHarness()
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, AvatarRef: "content://contacts/photo/7"})

	n := h.fg.starts[0]
	if n.Icon != "content://contacts/photo/7" || n.Placeholder {
		t.Errorf("expected local avatar used, got icon=%q placeholder=%v", n.Icon, n.Placeholder)
	}
}

func TestRemoteAvatarAppliedAfterResolution(t *testing.T) {
	av := &gatedAvatars{release: make(chan struct{}), icon: "/cache/ana.img"}
	h := newHarness(session.WithAvatarResolver(av))
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, AvatarRef: "https://example.com/ana.png"})

	if !h.fg.starts[0].Placeholder {
		t.Error("expected placeholder before resolution")
	}
	close(av.release)
	h.mgr.Wait()

	posts := h.surface.Posts()
	if len(posts) != 1 || posts[0].Icon != "/cache/ana.img" || posts[0].Placeholder {
		t.Fatalf("expected republished avatar, got %+v", posts)
	}
}

func TestStaleAvatarDiscarded(t *testing.T) {
	av := &gatedAvatars{release: make(chan struct{}), icon: "/cache/old.img"}
	h := newHarness(session.WithAvatarResolver(av))
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, AvatarRef: "https://example.com/old.png"})
	if err := h.mgr.Close(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	h.open(t, session.OpenRequest{CallID: "c2", Style: calls.StyleIncoming})

	close(av.release)
	h.mgr.Wait()

	if len(h.surface.Posts()) != 0 {
		t.Errorf("stale avatar republished: %+v", h.surface.Posts())
	}
	if snap, _ := h.mgr.Live(); snap.Icon != "" {
		t.Errorf("stale avatar applied to c2: %q", snap.Icon)
	}
}

func TestAvatarFailureKeepsPlaceholder(t *testing.T) {
	av := &gatedAvatars{release: make(chan struct{}), err: errors.New("404")}
	close(av.release)
	h := newHarness(session.WithAvatarResolver(av))
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming, AvatarRef: "http://example.com/x.png"})
	h.mgr.Wait()

	snap, _ := h.mgr.Live()
	if snap.Icon != "" {
		t.Errorf("expected no icon, got %q", snap.Icon)
	}
	if len(snap.Degraded) != 1 || snap.Degraded[0] != session.ResourceAvatar {
		t.Errorf("expected avatar degradation, got %v", snap.Degraded)
	}
}

func TestSetDefaultTimeout(t *testing.T) {
	h := newHarness()
	h.mgr.SetDefaultTimeout(10 * time.Second)
	h.open(t, session.OpenRequest{CallID: "c1", Style: calls.StyleIncoming})

	h.clock.Advance(10 * time.Second)
	if got := h.sink.Timeouts(); len(got) != 1 {
		t.Errorf("expected timeout at new default, got %v", got)
	}
}
