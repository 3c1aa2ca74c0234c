package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/call-bridge/internal/calls"
	"github.com/sweeney/call-bridge/internal/mailbox"
	"github.com/sweeney/call-bridge/internal/push"
	"github.com/sweeney/call-bridge/internal/session"
)

// Inbound command names issued by the runtime.
const (
	CommandStartSession      = "startSession"
	CommandUpdateStyle       = "updateStyle"
	CommandEndSession        = "endSession"
	CommandTakePendingAction = "takePendingAction"
	CommandSetActiveChat     = "setActiveChat"
)

// Command arguments accept the short runtime names and the transport aliases.
var (
	nameArgKeys   = append([]string{"name"}, push.NameKeys...)
	avatarArgKeys = append([]string{"avatar"}, push.AvatarKeys...)
)

// ErrUnknownCommand is returned for methods the runtime may not issue.
var ErrUnknownCommand = errors.New("unknown command")

// Commands executes runtime commands against the session manager, the
// mailbox and the router's chat state.
type Commands struct {
	router   *Router
	sessions Sessions
	mailbox  mailbox.Mailbox
}

// NewCommands creates the runtime command handler.
func NewCommands(r *Router, mb mailbox.Mailbox) *Commands {
	return &Commands{router: r, sessions: r.sessions, mailbox: mb}
}

// SessionResult is the reply to session commands.
type SessionResult struct {
	CallID string `json:"callId"`
}

// Handle runs one command. A nil result with a nil error replies null.
func (c *Commands) Handle(ctx context.Context, method string, args push.Event) (any, error) {
	switch method {
	case CommandStartSession:
		return c.startSession(ctx, args)
	case CommandUpdateStyle:
		return c.updateStyle(ctx, args)
	case CommandEndSession:
		return c.endSession(ctx, args)
	case CommandTakePendingAction:
		return c.takePendingAction(ctx, args)
	case CommandSetActiveChat:
		c.router.SetActiveChat(args.GetFirst(push.ChatIDKeys...))
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, method)
}

func (c *Commands) startSession(ctx context.Context, args push.Event) (any, error) {
	style := calls.StyleIncoming
	if v := args.Get("style"); v != "" {
		s, err := calls.ParseStyle(v)
		if err != nil {
			return nil, err
		}
		style = s
	}
	req := session.OpenRequest{
		CallID:     args.GetFirst(push.CallIDKeys...),
		Style:      style,
		CallerName: args.GetFirst(nameArgKeys...),
		AvatarRef:  args.GetFirst(avatarArgKeys...),
	}
	if ms, ok := args.GetInt(push.TimeoutKeys...); ok && ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	if err := c.sessions.Open(ctx, req); err != nil {
		return nil, err
	}
	return SessionResult{CallID: req.CallID}, nil
}

func (c *Commands) updateStyle(ctx context.Context, args push.Event) (any, error) {
	callID := args.GetFirst(push.CallIDKeys...)
	style, err := calls.ParseStyle(args.Get("style"))
	if err != nil {
		return nil, err
	}
	name := args.GetFirst(nameArgKeys...)
	if err := c.sessions.UpdateStyle(ctx, callID, style, name); err != nil {
		return nil, err
	}
	return SessionResult{CallID: callID}, nil
}

func (c *Commands) endSession(ctx context.Context, args push.Event) (any, error) {
	callID := args.GetFirst(push.CallIDKeys...)
	if callID == "" {
		return nil, session.ErrEmptyCallID
	}
	if err := c.sessions.Close(ctx, callID); err != nil {
		return nil, err
	}
	return SessionResult{CallID: callID}, nil
}

// takePendingAction reconciles the mailbox with the action the runtime was
// launched with.
func (c *Commands) takePendingAction(ctx context.Context, args push.Event) (any, error) {
	var launch calls.PendingAction
	if v := args.Get("launchAction"); v != "" {
		a, err := calls.ParseAction(v)
		if err != nil {
			return nil, err
		}
		launch = calls.PendingAction{Action: a, CallID: args.Get("launchCallId")}
	}
	p, ok, err := mailbox.Reconcile(ctx, c.mailbox, launch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return p, nil
}
