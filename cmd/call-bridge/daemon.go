package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sweeney/call-bridge/internal/applink"
	"github.com/sweeney/call-bridge/internal/bridge"
	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/config"
	"github.com/sweeney/call-bridge/internal/mailbox"
	"github.com/sweeney/call-bridge/internal/publisher"
	"github.com/sweeney/call-bridge/internal/push"
	"github.com/sweeney/call-bridge/internal/router"
	"github.com/sweeney/call-bridge/internal/session"
	"github.com/sweeney/call-bridge/internal/surface"
	"github.com/sweeney/call-bridge/internal/telemetry"
)

// daemon is the wired call bridge.
type daemon struct {
	bridge   *bridge.Bridge
	sessions *session.Manager
	router   *router.Router
	commands *router.Commands
	surface  *surface.MQTT
	link     *applink.Server

	queue        *eventQueue
	eventTimeout time.Duration
}

// newDaemon wires the components over pub and mb. Extra session options are
// applied after the configured ones.
func newDaemon(cfg *config.Config, pub publisher.Publisher, mb mailbox.Mailbox, metrics *telemetry.Metrics, sessionOpts ...session.Option) *daemon {
	att := bridge.NewAttachment()
	bridgeOpts := []bridge.Option{
		bridge.WithAttemptTimeout(cfg.Runtime.AttemptTimeout),
		bridge.WithMetrics(metrics),
	}
	if cfg.Runtime.Headless {
		bridgeOpts = append(bridgeOpts, bridge.WithWarmChannel(bridge.NewHeadlessChannel(pub, cfg.MQTT.Topic("runtime", "headless"))))
	}
	b := bridge.New(att, mb, bridgeOpts...)

	dev := surface.New(pub, cfg.MQTT.Topic("device"))

	opts := []session.Option{
		session.WithMetrics(metrics),
		session.WithTiming(session.Timing{
			RingTimeout:  cfg.Call.DefaultTimeout,
			WakeGrace:    cfg.Call.WakeGrace,
			OngoingWake:  cfg.Call.OngoingWake,
			OngoingRenew: cfg.Call.OngoingRenew,
			AvatarFetch:  cfg.Call.AvatarTimeout,
		}),
	}
	mgr := session.NewManager(dev, dev, dev, b, append(opts, sessionOpts...)...)

	r := router.New(mgr, b, dev,
		router.WithChatSink(router.NewPublishChat(pub, cfg.MQTT.Topic("notify", "chat"))),
		router.WithChatWindow(cfg.Chat.ActiveWindow),
	)
	cmds := router.NewCommands(r, mb)

	return &daemon{
		bridge:   b,
		sessions: mgr,
		router:   r,
		commands: cmds,
		surface:  dev,
		link:     applink.NewServer(att, cmds),

		queue:        newEventQueue(),
		eventTimeout: cfg.Runtime.EventTimeout,
	}
}

// subscribe queues push events and device button presses for serve. MQTT
// handlers only enqueue: they run on the client's delivery goroutine, which
// must stay free to read the acknowledgements our own publishes wait for.
func (d *daemon) subscribe(ctx context.Context, sub publisher.Subscriber, pushTopic string) error {
	if err := sub.Subscribe(pushTopic, d.handlePush); err != nil {
		return err
	}
	return d.surface.SubscribeActions(ctx, sub, func(_ context.Context, action calls.Action, callID string) {
		d.queue.push(func(ctx context.Context) {
			d.router.OnUserAction(ctx, action, callID)
		})
	})
}

// handlePush decodes one push transport message and queues it.
func (d *daemon) handlePush(topic string, payload []byte) {
	ev, err := push.Decode(payload)
	if err != nil {
		log.Printf("dropping push message on %s: %v", topic, err)
		return
	}
	d.queue.push(func(ctx context.Context) {
		d.router.OnBootstrap(ctx, ev)
	})
}

// serve handles queued events one at a time, in arrival order, until ctx is
// done. Each event gets its own deadline.
func (d *daemon) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.queue.ready:
		}
		for _, fn := range d.queue.take() {
			if ctx.Err() != nil {
				return
			}
			evCtx, cancel := context.WithTimeout(ctx, d.eventTimeout)
			fn(evCtx)
			cancel()
		}
	}
}

// eventQueue is an unbounded FIFO so that push never blocks the caller.
type eventQueue struct {
	mu      sync.Mutex
	pending []func(context.Context)
	ready   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func(context.Context)) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take() []func(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}

// applyTunables updates the settings that may change without a restart.
func (d *daemon) applyTunables(cfg *config.Config) {
	d.sessions.SetDefaultTimeout(cfg.Call.DefaultTimeout)
	d.router.SetChatWindow(cfg.Chat.ActiveWindow)
	log.Printf("tunables applied: ring timeout %v, chat window %v", cfg.Call.DefaultTimeout, cfg.Chat.ActiveWindow)
}
