package session

import (
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
)

// WakeKind is the strength of a wake assertion.
type WakeKind string

const (
	WakeNone   WakeKind = "none"
	WakeScreen WakeKind = "screen" // CPU and screen, wakes the display
	WakeCPU    WakeKind = "cpu"    // CPU only
)

// Priority is the notification channel importance.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
)

// Notification channels.
const (
	ChannelCallAlerts = "call_notifications"
	ChannelCallStatus = "call_status"
)

// Policy is the per-style resource and presentation policy.
type Policy struct {
	Channel    string
	Priority   Priority
	Sound      bool
	Vibrate    bool
	Wake       WakeKind
	FullScreen bool
	Timeout    bool
	Actions    []calls.Action
	Text       string
}

var policies = map[calls.Style]Policy{
	calls.StyleIncoming: {
		Channel:    ChannelCallAlerts,
		Priority:   PriorityHigh,
		Sound:      true,
		Vibrate:    true,
		Wake:       WakeScreen,
		FullScreen: true,
		Timeout:    true,
		Actions:    []calls.Action{calls.ActionDecline, calls.ActionAnswer},
		Text:       "Incoming call",
	},
	calls.StyleOutgoing: {
		Channel:  ChannelCallStatus,
		Priority: PriorityDefault,
		Wake:     WakeNone,
		Actions:  []calls.Action{calls.ActionHangup},
		Text:     "Calling...",
	},
	calls.StyleOngoing: {
		Channel:  ChannelCallStatus,
		Priority: PriorityDefault,
		Wake:     WakeCPU,
		Actions:  []calls.Action{calls.ActionHangup},
		Text:     "Ongoing call",
	},
}

// PolicyFor returns the policy for style. Unknown styles get the outgoing
// policy, which holds no wake assertion and arms no timeout.
func PolicyFor(style calls.Style) Policy {
	if p, ok := policies[style]; ok {
		return p
	}
	return policies[calls.StyleOutgoing]
}

// Defaults for the timing knobs.
const (
	DefaultRingTimeout  = 30 * time.Second
	DefaultWakeGrace    = 5 * time.Second
	DefaultOngoingWake  = 10 * time.Minute
	DefaultOngoingRenew = 9 * time.Minute
	DefaultAvatarFetch  = 5 * time.Second
)

var actionLabels = map[calls.Action]string{
	calls.ActionAnswer:  "Answer",
	calls.ActionDecline: "Decline",
	calls.ActionHangup:  "Hang up",
}
