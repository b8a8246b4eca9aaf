package action

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type is a negative action that can move a target author's score.
type Type string

const (
	TypeBlock         Type = "block"
	TypeMute          Type = "mute"
	TypeReport        Type = "report"
	TypeNotInterested Type = "not_interested"
)

var ErrUnknownType = errors.New("unknown action type")

// Types lists every recognized action type in index order. Window counters
// use the index to keep per-type buckets.
var Types = []Type{TypeBlock, TypeMute, TypeReport, TypeNotInterested}

func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeBlock:
		return TypeBlock, nil
	case TypeMute:
		return TypeMute, nil
	case TypeReport:
		return TypeReport, nil
	case TypeNotInterested:
		return TypeNotInterested, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
}

// Index returns the position of t in Types, or -1.
func (t Type) Index() int {
	for i, known := range Types {
		if known == t {
			return i
		}
	}
	return -1
}

var (
	ErrMissingActor     = errors.New("actor id required")
	ErrMissingTarget    = errors.New("target author id required")
	ErrMissingTimestamp = errors.New("timestamp required")
)

// Event is a single negative action at ingestion time. Events are immutable
// once created and are retained only inside bounded windows.
type Event struct {
	EventID   string    `json:"event_id,omitempty"`
	ActorID   string    `json:"actor_id"`
	TargetID  string    `json:"target_author_id"`
	Type      Type      `json:"action_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects malformed events at the boundary so they never enter
// breaker state.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ActorID) == "" {
		return ErrMissingActor
	}
	if strings.TrimSpace(e.TargetID) == "" {
		return ErrMissingTarget
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.Type.Index() < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownType, string(e.Type))
	}
	return nil
}
