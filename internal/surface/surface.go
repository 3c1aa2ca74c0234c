// Package surface drives the device agent over MQTT. The agent owns the
// actual notification, foreground task, wake assertion and call screen; this
// package publishes the commands and receives the user's taps.
package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/publisher"
	"github.com/sweeney/call-bridge/internal/session"
)

// Topic suffixes under the device prefix.
const (
	TopicNotification = "notification"
	TopicForeground   = "foreground"
	TopicWake         = "wake"
	TopicUIOpen       = "ui/open"
	TopicAction       = "action"
)

// MQTT implements the session resources and the call-screen launcher on top
// of a publisher.
type MQTT struct {
	pub    publisher.Publisher
	prefix string
	now    func() time.Time
}

// New creates a device surface publishing under prefix.
func New(pub publisher.Publisher, prefix string) *MQTT {
	return &MQTT{pub: pub, prefix: strings.TrimSuffix(prefix, "/"), now: time.Now}
}

type command struct {
	Op           string                `json:"op"`
	ID           uint32                `json:"id,omitempty"`
	Notification *session.Notification `json:"notification,omitempty"`
	Timestamp    string                `json:"timestamp"`
}

type wakeCommand struct {
	Op         string           `json:"op"`
	Token      string           `json:"token"`
	Kind       session.WakeKind `json:"kind,omitempty"`
	Tag        string           `json:"tag,omitempty"`
	CallID     string           `json:"call_id,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

type uiCommand struct {
	Action    calls.Action `json:"action"`
	CallID    string       `json:"callId"`
	Timestamp string       `json:"timestamp"`
}

func (s *MQTT) topic(parts ...string) string {
	return s.prefix + "/" + strings.Join(parts, "/")
}

func (s *MQTT) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *MQTT) publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	if err := s.pub.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Post shows or updates the notification with n.ID.
func (s *MQTT) Post(ctx context.Context, n session.Notification) error {
	return s.publish(ctx, s.topic(TopicNotification, fmt.Sprint(n.ID)),
		command{Op: "post", ID: n.ID, Notification: &n, Timestamp: s.stamp()})
}

// Cancel withdraws the notification with id.
func (s *MQTT) Cancel(ctx context.Context, id uint32) error {
	return s.publish(ctx, s.topic(TopicNotification, fmt.Sprint(id)),
		command{Op: "cancel", ID: id, Timestamp: s.stamp()})
}

// Start registers the foreground task presenting n.
func (s *MQTT) Start(ctx context.Context, n session.Notification) error {
	return s.publish(ctx, s.topic(TopicForeground),
		command{Op: "start", ID: n.ID, Notification: &n, Timestamp: s.stamp()})
}

// Stop deregisters the foreground task for id.
func (s *MQTT) Stop(ctx context.Context, id uint32) error {
	return s.publish(ctx, s.topic(TopicForeground),
		command{Op: "stop", ID: id, Timestamp: s.stamp()})
}

// Acquire asks the agent for a wake assertion. The returned handle is
// addressed by a fresh token.
func (s *MQTT) Acquire(ctx context.Context, req session.WakeRequest) (session.WakeHandle, error) {
	h := &wakeHandle{s: s, token: uuid.NewString()}
	err := s.publish(ctx, s.topic(TopicWake), wakeCommand{
		Op:         "acquire",
		Token:      h.token,
		Kind:       req.Kind,
		Tag:        req.Tag,
		CallID:     req.CallID,
		DurationMs: req.Duration.Milliseconds(),
		Timestamp:  s.stamp(),
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

type wakeHandle struct {
	s     *MQTT
	token string
}

func (h *wakeHandle) Renew(ctx context.Context, d time.Duration) error {
	return h.s.publish(ctx, h.s.topic(TopicWake), wakeCommand{
		Op: "renew", Token: h.token, DurationMs: d.Milliseconds(), Timestamp: h.s.stamp(),
	})
}

func (h *wakeHandle) Release(ctx context.Context) error {
	return h.s.publish(ctx, h.s.topic(TopicWake), wakeCommand{
		Op: "release", Token: h.token, Timestamp: h.s.stamp(),
	})
}

// ShowCallScreen brings the call UI forward, launching the runtime if it is
// not running. action and callID travel as launch metadata.
func (s *MQTT) ShowCallScreen(ctx context.Context, action calls.Action, callID string) error {
	return s.publish(ctx, s.topic(TopicUIOpen),
		uiCommand{Action: action, CallID: callID, Timestamp: s.stamp()})
}

// ActionFunc receives a user action from the device.
type ActionFunc func(ctx context.Context, action calls.Action, callID string)

type actionMessage struct {
	Action string `json:"action"`
	CallID string `json:"callId"`
}

// SubscribeActions routes notification taps published by the agent on
// <prefix>/action to fn. Malformed messages are logged and dropped.
func (s *MQTT) SubscribeActions(ctx context.Context, sub publisher.Subscriber, fn ActionFunc) error {
	return sub.Subscribe(s.topic(TopicAction), func(topic string, payload []byte) {
		var msg actionMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("SURFACE: dropping malformed action on %s: %v", topic, err)
			return
		}
		action, err := calls.ParseAction(msg.Action)
		if err != nil {
			log.Printf("SURFACE: dropping action on %s: %v", topic, err)
			return
		}
		fn(ctx, action, msg.CallID)
	})
}
