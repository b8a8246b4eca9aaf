package window

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptyTable        = errors.New("window table required")
	ErrBadWindowSpec     = errors.New("invalid window spec")
	ErrDuplicateWindow   = errors.New("duplicate window name")
	ErrNonPositiveBucket = errors.New("bucket granularity must be positive")
)

// Window is a named evaluation duration with its raw-count trip threshold.
type Window struct {
	Name           string
	Duration       time.Duration
	CountThreshold int
}

// ParseTable parses a comma-separated "duration:threshold" list, for example
// "1h:10,24h:50,7d:200". The duration token doubles as the window name.
// Windows come back sorted shortest first.
func ParseTable(raw string) ([]Window, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyTable
	}
	seen := map[string]struct{}{}
	var out []Window
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: %q", ErrBadWindowSpec, part)
		}
		dur, err := ParseDuration(kv[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadWindowSpec, part, err)
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || threshold <= 0 {
			return nil, fmt.Errorf("%w: %q: threshold must be a positive integer", ErrBadWindowSpec, part)
		}
		name := strings.TrimSpace(kv[0])
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateWindow, name)
		}
		seen[name] = struct{}{}
		out = append(out, Window{Name: name, Duration: dur, CountThreshold: threshold})
	}
	if len(out) == 0 {
		return nil, ErrEmptyTable
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
	return out, nil
}

// ParseDuration accepts time.ParseDuration syntax plus a "d" suffix for days.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", raw)
		}
		if days <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if dur <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", raw)
	}
	return dur, nil
}

// Longest returns the largest duration in the table.
func Longest(windows []Window) time.Duration {
	var max time.Duration
	for _, w := range windows {
		if w.Duration > max {
			max = w.Duration
		}
	}
	return max
}
