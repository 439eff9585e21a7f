// Package retry applies the orchestrator's retry policy to transient
// failures: up to three retries with exponential backoff (2s, 4s, 8s)
// and deterministic jitter. Only errors classified as transient are
// retried; validation and schema errors surface immediately.
package retry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Policy parameterizes a retry loop.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxJitter   time.Duration
	// Classify reports whether an error is worth another attempt. Nil
	// means IsTransient.
	Classify func(error) bool
}

// DefaultPolicy matches the pipeline contract: three retries after the
// first attempt, backing off 2s, 4s, 8s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, Base: 2 * time.Second, MaxJitter: 500 * time.Millisecond}
}

// IsTransient classifies connection-class failures: Postgres SQLSTATE
// class 08 (connection exceptions), serialization failures and deadlocks
// (class 40), closed or bad driver connections, and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := string(pqErr.Code)
		if len(class) >= 2 {
			class = class[:2]
		}
		return class == "08" || class == "40" || pqErr.Code == "55P03" || pqErr.Code == "57014"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// SQLite in lite mode reports contention as a busy/locked message.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// Do runs op under the policy. The first non-transient error, a context
// cancellation, or exhaustion of attempts ends the loop. The returned
// error is the last one observed, wrapped with the attempt count when
// retries were exhausted.
func Do(ctx context.Context, p Policy, label string, op func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(p, label, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !classify(err) {
			return err
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", label, p.MaxAttempts, err)
}

// Backoff computes the delay before the given attempt (1-based for the
// first retry): base * 2^(attempt-1), plus deterministic jitter seeded by
// the label and attempt so reruns sleep identically.
func Backoff(p Policy, label string, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := p.Base * (1 << shift)
	if p.MaxJitter > 0 {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", label, attempt)))
		jitter := binary.BigEndian.Uint64(seed[:8]) % uint64(p.MaxJitter)
		delay += time.Duration(jitter)
	}
	return delay
}
