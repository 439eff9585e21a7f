package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Millisecond, MaxJitter: time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conn done", sql.ErrConnDone, true},
		{"wrapped conn done", fmt.Errorf("load: %w", sql.ErrConnDone), true},
		{"pq connection failure", &pq.Error{Code: "08006"}, true},
		{"pq deadlock", &pq.Error{Code: "40P01"}, true},
		{"pq lock not available", &pq.Error{Code: "55P03"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"validation", errors.New("row 3: estado: bad"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "load", func(context.Context) error {
		calls++
		if calls < 3 {
			return sql.ErrConnDone
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonTransient(t *testing.T) {
	calls := 0
	want := errors.New("schema: missing columns")
	err := Do(context.Background(), fastPolicy(), "parse", func(context.Context) error {
		calls++
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), "load", func(context.Context) error {
		calls++
		return sql.ErrConnDone
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Contains(t, err.Error(), "3 attempts exhausted")
	assert.Equal(t, 3, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 3, Base: time.Hour}, "load", func(context.Context) error {
		return sql.ErrConnDone
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultPolicyBacksOffThreeTimes(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 4, p.MaxAttempts)
	p.MaxJitter = 0
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, Backoff(p, "load", i+1))
	}
}

func TestBackoffDoubles(t *testing.T) {
	p := Policy{Base: 2 * time.Second}
	assert.Equal(t, 2*time.Second, Backoff(p, "x", 1))
	assert.Equal(t, 4*time.Second, Backoff(p, "x", 2))
	assert.Equal(t, 8*time.Second, Backoff(p, "x", 3))
}

func TestBackoffJitterDeterministic(t *testing.T) {
	p := Policy{Base: time.Second, MaxJitter: 500 * time.Millisecond}
	first := Backoff(p, "load", 2)
	assert.Equal(t, first, Backoff(p, "load", 2))
	assert.GreaterOrEqual(t, first, 2*time.Second)
	assert.Less(t, first, 2*time.Second+500*time.Millisecond)
}
