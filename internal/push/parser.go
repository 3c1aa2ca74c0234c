package push

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Parser reads a capture stream of "Key: Value" blocks separated by blank
// lines and emits Events.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	return &Parser{scanner: bufio.NewScanner(r)}
}

// Next reads the next event from the stream.
// Returns the event and true if an event was read, or a zero Event and false at EOF.
func (p *Parser) Next() (Event, bool) {
	var fields []field

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		if line == "" {
			if len(fields) > 0 {
				return Event{fields: fields}, true
			}
			continue
		}

		// Comment lines annotate captures
		if strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// "Key:" with an empty value
			if strings.HasSuffix(line, ":") {
				fields = append(fields, field{Key: strings.TrimSuffix(line, ":")})
			}
			continue
		}

		fields = append(fields, field{Key: line[:idx], Value: line[idx+2:]})
	}

	if len(fields) > 0 {
		return Event{fields: fields}, true
	}
	return Event{}, false
}

// ParseAll reads all events from the stream and returns them.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all events from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(strings.NewReader(string(data))).ParseAll()
}

// WriteTo writes the event as a capture block terminated by a blank line.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, f := range e.fields {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, strings.ReplaceAll(f.Value, "\n", " "))
	}
	b.WriteString("\n")
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
