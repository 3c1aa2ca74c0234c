package push

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Decode parses a JSON push payload. Both a flat object and an object with a
// nested "data" map (as FCM-style senders produce) are accepted; nested
// values override top-level ones. Scalar values are stringified, so
// "timeoutMs": 30000 and "timeoutMs": "30000" decode alike.
func Decode(payload []byte) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decoding push payload: %w", err)
	}

	flat := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "data" {
			continue
		}
		if s, ok := scalar(v); ok {
			flat[k] = s
		}
	}
	if data, ok := raw["data"].(map[string]any); ok {
		for k, v := range data {
			if s, ok := scalar(v); ok {
				flat[k] = s
			}
		}
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e := Event{}
	for _, k := range keys {
		e.fields = append(e.fields, field{Key: k, Value: flat[k]})
	}
	return e, nil
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
