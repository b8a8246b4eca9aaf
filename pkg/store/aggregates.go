package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/action"
)

type aggregateDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TargetAggregate is one row of historical per-target action volume, written
// by the external storage pipeline. The breaker reads these once at startup
// to warm its long windows; detection effectiveness improves as history
// accumulates.
type TargetAggregate struct {
	TargetID   string
	WindowName string
	ActionType action.Type
	Count      int
}

// LoadTargetAggregates reads the warm-start aggregates. The table is owned
// by the external storage collaborator; a missing table is the caller's
// signal to start cold.
func LoadTargetAggregates(ctx context.Context, db aggregateDB) ([]TargetAggregate, error) {
	rows, err := db.Query(ctx, `
		SELECT target_author_id, window_name, action_type, action_count
		FROM target_action_aggregates
	`)
	if err != nil {
		return nil, fmt.Errorf("load target aggregates: %w", err)
	}
	defer rows.Close()

	var out []TargetAggregate
	for rows.Next() {
		var agg TargetAggregate
		var rawType string
		if err := rows.Scan(&agg.TargetID, &agg.WindowName, &rawType, &agg.Count); err != nil {
			return nil, fmt.Errorf("scan target aggregate: %w", err)
		}
		t, err := action.ParseType(rawType)
		if err != nil {
			// Unknown historical types are skipped, not fatal.
			continue
		}
		agg.ActionType = t
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
