// Package calls holds the vocabulary shared by the call-signaling components:
// call actions, notification styles, the pending-action record and the
// resource identities derived from a call id.
package calls

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Action is a call-control action delivered to the application runtime.
type Action string

const (
	ActionAnswer    Action = "answer"
	ActionDecline   Action = "decline"
	ActionHangup    Action = "hangup"
	ActionOpen      Action = "open"
	ActionRemoteEnd Action = "remote_end"
)

var (
	ErrUnknownAction = errors.New("unknown call action")
	ErrUnknownStyle  = errors.New("unknown call style")
)

// ParseAction normalizes a wire action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionAnswer, ActionDecline, ActionHangup, ActionOpen, ActionRemoteEnd:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Style is the presentation of a call session's notification.
type Style string

const (
	StyleIncoming Style = "incoming"
	StyleOutgoing Style = "outgoing"
	StyleOngoing  Style = "ongoing"
)

// ParseStyle normalizes a wire style name. An empty string is an error;
// callers pick their own default.
func ParseStyle(s string) (Style, error) {
	st := Style(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StyleIncoming, StyleOutgoing, StyleOngoing:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStyle, s)
}

// PendingAction is the single-slot mailbox record.
type PendingAction struct {
	Action Action `json:"action"`
	CallID string `json:"callId"`
}

// Empty reports whether the record carries nothing.
func (p PendingAction) Empty() bool {
	return p.Action == "" || p.CallID == ""
}

// FallbackNotificationID is the fixed identity used when no call id is known.
const FallbackNotificationID uint32 = 1001

// Request-code offsets for the notification's tap targets.
const (
	offsetContent = 1000
	offsetAnswer  = 2000
	offsetDecline = 3000
	offsetHangup  = 4000
)

// NotificationID derives the notification and foreground-task identity
// from a call id. The same call id always yields the same identity.
func NotificationID(callID string) uint32 {
	if callID == "" {
		return FallbackNotificationID
	}
	id := uint32(xxhash.Sum64String(callID))
	if id == FallbackNotificationID {
		id++
	}
	return id
}

// TargetID derives the identity of a tap target (content or button) for a call.
func TargetID(callID string, a Action) uint32 {
	base := NotificationID(callID)
	switch a {
	case ActionAnswer:
		return base + offsetAnswer
	case ActionDecline:
		return base + offsetDecline
	case ActionHangup:
		return base + offsetHangup
	default:
		return base + offsetContent
	}
}
