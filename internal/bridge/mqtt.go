package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sweeney/call-bridge/internal/publisher"
)

// HeadlessChannel reaches a warm headless runtime through the broker. The
// runtime subscribes to <topic>/<method>; a successful publish is the
// hand-over.
type HeadlessChannel struct {
	pub   publisher.Publisher
	topic string
}

// NewHeadlessChannel creates a channel publishing under topic.
func NewHeadlessChannel(pub publisher.Publisher, topic string) *HeadlessChannel {
	return &HeadlessChannel{pub: pub, topic: topic}
}

type headlessMessage struct {
	Method string            `json:"method"`
	Args   map[string]string `json:"args"`
}

func (h *HeadlessChannel) Invoke(ctx context.Context, method string, args map[string]string) error {
	data, err := json.Marshal(headlessMessage{Method: method, Args: args})
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", method, err)
	}
	return h.pub.Publish(ctx, h.topic+"/"+method, data)
}
