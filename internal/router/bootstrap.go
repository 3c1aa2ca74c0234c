package router

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/push"
	"github.com/sweeney/call-bridge/internal/session"
)

// Class is the normalized kind of a push event.
type Class string

const (
	ClassInvite Class = "invite"
	ClassAccept Class = "accept"
	ClassEnd    Class = "end"
	ClassOther  Class = "other"
)

var classes = map[string]Class{
	"call_invite":  ClassInvite,
	"call_accept":  ClassAccept,
	"call_cancel":  ClassEnd,
	"call_reject":  ClassEnd,
	"call_decline": ClassEnd,
	"call_end":     ClassEnd,
}

// Classify maps a transport type discriminator to its class.
func Classify(eventType string) Class {
	if c, ok := classes[eventType]; ok {
		return c
	}
	return ClassOther
}

// Bootstrap is a push event after alias resolution.
type Bootstrap struct {
	Class      Class
	Type       string
	CallID     string
	CallerName string
	AvatarRef  string
	Timeout    time.Duration
}

// Normalize resolves the transport aliases of ev. A missing call id is
// synthesized for call classes.
func (r *Router) Normalize(ev push.Event) Bootstrap {
	b := Bootstrap{
		Type:       ev.Type(),
		CallID:     ev.GetFirst(push.CallIDKeys...),
		CallerName: ev.GetFirst(push.NameKeys...),
		AvatarRef:  ev.GetFirst(push.AvatarKeys...),
	}
	b.Class = Classify(b.Type)
	if ms, ok := ev.GetInt(push.TimeoutKeys...); ok && ms > 0 {
		b.Timeout = time.Duration(ms) * time.Millisecond
	}
	if b.CallID == "" && b.Class != ClassOther {
		b.CallID = r.newID()
		log.Printf("ROUTER: %s without call id, using %s", b.Type, b.CallID)
	}
	return b
}

// OnBootstrap handles one event from the push transport.
func (r *Router) OnBootstrap(ctx context.Context, ev push.Event) {
	b := r.Normalize(ev)

	switch b.Class {
	case ClassInvite:
		r.open(ctx, b, calls.StyleIncoming)

	case ClassAccept:
		r.open(ctx, b, calls.StyleOngoing)

	case ClassEnd:
		if r.markSeen(b.CallID + "|" + string(ClassEnd)) {
			log.Printf("ROUTER: duplicate %s for %s", b.Type, b.CallID)
			return
		}
		if err := r.sessions.Close(ctx, b.CallID); err != nil {
			log.Printf("ROUTER: closing %s: %v", b.CallID, err)
		}
		r.bridge.Deliver(ctx, calls.ActionRemoteEnd, b.CallID)

	default:
		r.forwardChat(ctx, ev)
	}
}

// open creates the session or merges into it; duplicates of the same event
// are absorbed by the session manager's callId check. A missing name keeps
// the current one, or the style default for a new session.
func (r *Router) open(ctx context.Context, b Bootstrap, style calls.Style) {
	if r.hasSeen(b.CallID + "|" + string(ClassEnd)) {
		log.Printf("ROUTER: ignoring %s for ended call %s", b.Type, b.CallID)
		return
	}
	err := r.sessions.Open(ctx, session.OpenRequest{
		CallID:     b.CallID,
		Style:      style,
		CallerName: b.CallerName,
		AvatarRef:  b.AvatarRef,
		Timeout:    b.Timeout,
	})
	if err != nil {
		log.Printf("ROUTER: opening %s (%s): %v", b.CallID, style, err)
	}
}

func newCallID() string {
	return uuid.NewString()
}
