package engine

// quality.go - Post-materialization data-quality checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowline-labs/flowline/pkg/core"
)

// TestFailure reports one or more failed quality checks on a relation.
type TestFailure struct {
	Relation string
	Failures []string
}

func (e *TestFailure) Error() string {
	return fmt.Sprintf("%d quality check(s) failed on %s: %s",
		len(e.Failures), e.Relation, strings.Join(e.Failures, "; "))
}

// runTests evaluates all declared quality checks against a physical
// relation. All checks run even after a failure so the caller sees the
// full picture; the returned error is nil when everything passed.
func (e *Engine) runTests(ctx context.Context, physical string, tests []core.TestConfig) *TestFailure {
	var failures []string

	for _, tc := range tests {
		for _, col := range tc.Unique {
			if ctx.Err() != nil {
				return &TestFailure{Relation: physical, Failures: append(failures, "cancelled")}
			}
			n, err := e.countFailures(ctx, fmt.Sprintf(
				"SELECT COUNT(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1) d",
				col, physical, col))
			if err != nil {
				failures = append(failures, fmt.Sprintf("unique(%s): %v", col, err))
			} else if n > 0 {
				failures = append(failures, fmt.Sprintf("unique(%s): %d duplicate value(s)", col, n))
			}
		}

		for _, col := range tc.NotNull {
			if ctx.Err() != nil {
				return &TestFailure{Relation: physical, Failures: append(failures, "cancelled")}
			}
			n, err := e.countFailures(ctx, fmt.Sprintf(
				"SELECT COUNT(*) FROM %s WHERE %s IS NULL", physical, col))
			if err != nil {
				failures = append(failures, fmt.Sprintf("not_null(%s): %v", col, err))
			} else if n > 0 {
				failures = append(failures, fmt.Sprintf("not_null(%s): %d NULL value(s)", col, n))
			}
		}

		if av := tc.AcceptedValues; av != nil {
			// NULLs are excluded; not_null covers those separately
			quoted := make([]string, len(av.Values))
			for i, v := range av.Values {
				quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
			}
			n, err := e.countFailures(ctx, fmt.Sprintf(
				"SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s NOT IN (%s)",
				physical, av.Column, av.Column, strings.Join(quoted, ", ")))
			if err != nil {
				failures = append(failures, fmt.Sprintf("accepted_values(%s): %v", av.Column, err))
			} else if n > 0 {
				failures = append(failures, fmt.Sprintf("accepted_values(%s): %d unexpected value(s)", av.Column, n))
			}
		}

		if tc.Query != "" {
			n, err := e.countFailures(ctx, fmt.Sprintf(
				"SELECT COUNT(*) FROM (%s) q", strings.TrimRight(strings.TrimSpace(tc.Query), ";")))
			if err != nil {
				failures = append(failures, fmt.Sprintf("query: %v", err))
			} else if n > 0 {
				failures = append(failures, fmt.Sprintf("query: %d failing row(s)", n))
			}
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &TestFailure{Relation: physical, Failures: failures}
}

// countFailures runs a single-value COUNT query and returns the count.
func (e *Engine) countFailures(ctx context.Context, query string) (int64, error) {
	rows, err := e.db.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("check query returned no rows")
	}
	if err := rows.Scan(&n); err != nil {
		return 0, err
	}
	return n, rows.Err()
}
