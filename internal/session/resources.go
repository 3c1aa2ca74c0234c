package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
)

// Notification is the call notification as handed to the device surface.
type Notification struct {
	ID          uint32      `json:"id"`
	CallID      string      `json:"call_id"`
	Style       calls.Style `json:"style"`
	Channel     string      `json:"channel"`
	Priority    Priority    `json:"priority"`
	Sound       bool        `json:"sound"`
	Vibrate     bool        `json:"vibrate"`
	FullScreen  bool        `json:"full_screen"`
	Title       string      `json:"title"`
	Text        string      `json:"text"`
	Icon        string      `json:"icon,omitempty"`
	Placeholder bool        `json:"placeholder_icon"`
	Chronometer bool        `json:"chronometer"`
	When        time.Time   `json:"when"`
	Content     Target      `json:"content"`
	Buttons     []Button    `json:"buttons"`
}

// Target is a tap target wired to a call action.
type Target struct {
	ID     uint32       `json:"id"`
	Action calls.Action `json:"action"`
}

// Button is a notification action button.
type Button struct {
	Target
	Label string `json:"label"`
}

// Surface posts and withdraws notifications.
type Surface interface {
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id uint32) error
}

// ForegroundTasks registers the privileged long-running task that keeps the
// call visible. Start presents n as the task's notification.
type ForegroundTasks interface {
	Start(ctx context.Context, n Notification) error
	Stop(ctx context.Context, id uint32) error
}

// WakeRequest asks for a bounded wake assertion.
type WakeRequest struct {
	Kind     WakeKind
	Tag      string
	CallID   string
	Duration time.Duration
}

// WakeHandle is an acquired wake assertion.
type WakeHandle interface {
	Renew(ctx context.Context, d time.Duration) error
	Release(ctx context.Context) error
}

// WakeLocker acquires wake assertions.
type WakeLocker interface {
	Acquire(ctx context.Context, req WakeRequest) (WakeHandle, error)
}

// TimeoutSink is told when an incoming call rings out.
type TimeoutSink interface {
	NotifyTimeout(ctx context.Context, callID string) bool
}

// AvatarResolver turns a remote avatar reference into a local icon reference.
type AvatarResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resource names used in degradation reports.
const (
	ResourceWake         = "wake"
	ResourceForeground   = "foreground"
	ResourceNotification = "notification"
	ResourceAvatar       = "avatar"
)

// ResourceError reports an OS resource the call had to go without.
type ResourceError struct {
	Resource string
	CallID   string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s unavailable for call %s: %v", e.Resource, e.CallID, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}
