package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/sweeney/call-bridge/internal/publisher"
	"github.com/sweeney/call-bridge/internal/push"
)

// ChatSink receives push events that are not call signaling.
type ChatSink interface {
	Forward(ctx context.Context, ev push.Event) error
}

// PublishChat forwards events unchanged to one MQTT topic as a flat JSON
// object.
type PublishChat struct {
	pub   publisher.Publisher
	topic string
}

// NewPublishChat creates a sink publishing on topic.
func NewPublishChat(pub publisher.Publisher, topic string) *PublishChat {
	return &PublishChat{pub: pub, topic: topic}
}

func (p *PublishChat) Forward(ctx context.Context, ev push.Event) error {
	data, err := json.Marshal(ev.Map())
	if err != nil {
		return fmt.Errorf("marshaling chat event: %w", err)
	}
	return p.pub.Publish(ctx, p.topic, data)
}

// suppressChat reports whether ev is a message for the chat the runtime is
// currently showing.
func (r *Router) suppressChat(ev push.Event) bool {
	chatID := ev.GetFirst(push.ChatIDKeys...)
	if chatID == "" || ev.Type() != "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeChat == "" || r.activeChat != chatID {
		return false
	}
	return r.clock().Sub(r.activeAt) < r.chatWindow
}

func (r *Router) forwardChat(ctx context.Context, ev push.Event) {
	if r.suppressChat(ev) {
		log.Printf("ROUTER: suppressing message for active chat %s", ev.GetFirst(push.ChatIDKeys...))
		return
	}
	if r.chat == nil {
		log.Printf("ROUTER: no chat path, dropping %q event", ev.Type())
		return
	}
	if err := r.chat.Forward(ctx, ev); err != nil {
		log.Printf("ROUTER: forwarding %q event: %v", ev.Type(), err)
	}
}
