// Package lock serializes pipeline runs. On Postgres the single-writer
// guarantee is a session advisory lock held on a dedicated connection; in
// lite mode it is a process mutex backed by a lock file, since SQLite has
// no advisory locks and lite mode is single-process anyway.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrAlreadyRunning signals lock contention. Acquisition never waits: a
// scheduler tick that finds a run in flight logs and skips.
var ErrAlreadyRunning = errors.New("lock: a pipeline run is already in flight")

// advisoryKey identifies the pipeline's advisory lock. Fixed so every
// deployment of the writer contends on the same key.
const advisoryKey = 7_741_920_250_001

// Lock is a held single-writer lock. Release must be called on every exit
// path.
type Lock interface {
	Release(ctx context.Context) error
}

// Acquirer hands out run locks.
type Acquirer interface {
	Acquire(ctx context.Context) (Lock, error)
}

// --- Postgres advisory lock ---

// PGAcquirer takes pg_try_advisory_lock on a dedicated session. The
// session (not the transaction) owns the lock, so it survives the run's
// commit and is released explicitly.
type PGAcquirer struct {
	db *sql.DB
}

func NewPGAcquirer(db *sql.DB) *PGAcquirer { return &PGAcquirer{db: db} }

func (a *PGAcquirer) Acquire(ctx context.Context) (Lock, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire session: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryKey).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("lock: try advisory lock: %w", err)
	}
	if !got {
		_ = conn.Close()
		return nil, ErrAlreadyRunning
	}
	return &pgLock{conn: conn}, nil
}

type pgLock struct {
	conn *sql.Conn
	once sync.Once
}

func (l *pgLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		_, unlockErr := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryKey)
		closeErr := l.conn.Close()
		if unlockErr != nil {
			err = fmt.Errorf("lock: release: %w", unlockErr)
			return
		}
		err = closeErr
	})
	return err
}

// --- lite mode file lock ---

// FileAcquirer is the lite-mode stand-in: an in-process mutex plus a lock
// file carrying the holder's pid, so a stray second process fails loudly
// rather than corrupting the SQLite file.
type FileAcquirer struct {
	path string
	mu   sync.Mutex
	held bool
}

func NewFileAcquirer(dataDir string) *FileAcquirer {
	return &FileAcquirer{path: filepath.Join(dataDir, "run.lock")}
}

func (a *FileAcquirer) Acquire(ctx context.Context) (Lock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held {
		return nil, ErrAlreadyRunning
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			if stale, staleErr := a.isStale(); staleErr == nil && stale {
				_ = os.Remove(a.path)
				return a.acquireFile()
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock: create lock file: %w", err)
	}
	return a.finish(f)
}

func (a *FileAcquirer) acquireFile() (Lock, error) {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock: create lock file: %w", err)
	}
	return a.finish(f)
}

func (a *FileAcquirer) finish(f *os.File) (Lock, error) {
	_, _ = fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		_ = os.Remove(a.path)
		return nil, err
	}
	a.held = true
	return &fileLock{acquirer: a}, nil
}

// isStale reports whether the lock file belongs to a process that no
// longer exists.
func (a *FileAcquirer) isStale() (bool, error) {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		return false, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil {
		return true, nil
	}
	if pid == os.Getpid() {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}
	// Signal 0 probes existence without touching the process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true, nil
	}
	return false, nil
}

type fileLock struct {
	acquirer *FileAcquirer
	once     sync.Once
}

func (l *fileLock) Release(context.Context) error {
	var err error
	l.once.Do(func() {
		l.acquirer.mu.Lock()
		defer l.acquirer.mu.Unlock()
		l.acquirer.held = false
		err = os.Remove(l.acquirer.path)
	})
	return err
}
