// Package push models events arriving from the push transport: an ordered
// set of key/value fields plus alias-aware lookups, a JSON decoder for live
// payloads and a parser for recorded capture files.
package push

import (
	"strconv"
	"strings"
)

// Event is one push message as an ordered set of key/value fields.
type Event struct {
	fields []field
}

type field struct {
	Key   string
	Value string
}

// NewEvent creates an Event from a slice of key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.fields = append(e.fields, field{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	for _, f := range e.fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// GetFirst returns the first non-empty value among keys, tried in order.
// The transport names the same field differently depending on the sender.
func (e Event) GetFirst(keys ...string) string {
	for _, k := range keys {
		if v := e.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// GetInt returns the integer value for the first non-empty alias, and false
// if none is present or parseable.
func (e Event) GetInt(keys ...string) (int64, bool) {
	v := strings.TrimSpace(e.GetFirst(keys...))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return n, true
}

// Type returns the lower-cased event type discriminator.
func (e Event) Type() string {
	return strings.ToLower(strings.TrimSpace(e.GetFirst(TypeKeys...)))
}

// Fields returns all fields as key-value pairs.
func (e Event) Fields() []field {
	return e.fields
}

// Len returns the number of fields.
func (e Event) Len() int {
	return len(e.fields)
}

// Map returns the fields as a map. Later duplicates win.
func (e Event) Map() map[string]string {
	m := make(map[string]string, len(e.fields))
	for _, f := range e.fields {
		m[f.Key] = f.Value
	}
	return m
}

// Field aliases seen on the transport, most specific first.
var (
	TypeKeys    = []string{"type", "message_type", "notification_type"}
	CallIDKeys  = []string{"callId", "call_id", "session_id"}
	NameKeys    = []string{"callerName", "caller_name", "sender_name"}
	AvatarKeys  = []string{"avatarUrl", "avatar_url"}
	TimeoutKeys = []string{"timeoutMs", "timeout_ms"}
	ChatIDKeys  = []string{"chat_id", "chatId"}
)
