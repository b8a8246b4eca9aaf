// Package actionbus feeds the breaker from a kafka topic of action events,
// as an alternative to the HTTP ingestion path.
package actionbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/action"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// DecodeEvent parses one bus message into an action event. Validation still
// happens at Submit; this only rejects unparseable payloads.
func DecodeEvent(msg Message) (action.Event, error) {
	var ev action.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return action.Event{}, fmt.Errorf("decode action event: %w", err)
	}
	return ev, nil
}
