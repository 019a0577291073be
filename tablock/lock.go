// ABOUTME: Cross-process session guard: a heartbeat lock file naming the process that drives a session.
// ABOUTME: A second process finds a fresh foreign heartbeat and is refused with pipeline.ErrBlockedByOtherTab.
package tablock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
)

// Defaults for FileLock timing.
const (
	DefaultStaleAfter = 15 * time.Second
	DefaultInterval   = 5 * time.Second
)

// Record is the content of the lock file.
type Record struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Heartbeat time.Time `json:"heartbeat"`
}

// FileLock is a pipeline.TabGuard backed by a lock file.
type FileLock struct {
	path       string
	holder     string
	staleAfter time.Duration
	interval   time.Duration
	clock      func() time.Time

	mu   sync.Mutex
	held bool
}

// Compile-time check that FileLock is a TabGuard.
var _ pipeline.TabGuard = (*FileLock)(nil)

// Option configures a FileLock.
type Option func(*FileLock)

// WithStaleAfter sets how old a heartbeat must be before it is ignored.
func WithStaleAfter(d time.Duration) Option { return func(l *FileLock) { l.staleAfter = d } }

// WithInterval sets the heartbeat refresh interval.
func WithInterval(d time.Duration) Option { return func(l *FileLock) { l.interval = d } }

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option { return func(l *FileLock) { l.clock = clock } }

// WithHolder fixes the holder ID instead of generating one.
func WithHolder(id string) Option { return func(l *FileLock) { l.holder = id } }

// New returns a lock for the file at path. Nothing is written until Claim.
func New(path string, opts ...Option) *FileLock {
	l := &FileLock{
		path:       path,
		holder:     uuid.NewString(),
		staleAfter: DefaultStaleAfter,
		interval:   DefaultInterval,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Holder returns this lock's holder ID.
func (l *FileLock) Holder() string { return l.holder }

// Held reports whether the last Claim by this lock succeeded and it has
// not been released since.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Claim takes or refreshes the lock. It fails with an error wrapping
// pipeline.ErrBlockedByOtherTab when another holder's heartbeat is fresh.
func (l *FileLock) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	now := l.clock().UTC()
	if rec != nil && rec.Holder != l.holder && now.Sub(rec.Heartbeat) < l.staleAfter {
		l.held = false
		return fmt.Errorf("%w: held by pid %d (heartbeat %s ago)", pipeline.ErrBlockedByOtherTab, rec.PID, now.Sub(rec.Heartbeat).Round(time.Second))
	}
	if rec != nil && rec.Holder != l.holder {
		log.Printf("component=tablock action=take_over_stale holder=%s stale_pid=%d", l.holder, rec.PID)
	}
	if err := l.write(now); err != nil {
		return err
	}
	l.held = true
	return nil
}

// Heartbeat refreshes the lock every interval until ctx is cancelled. It
// stops early if another holder has taken the lock over.
func (l *FileLock) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Claim(ctx); err != nil {
				if ctx.Err() == nil {
					log.Printf("component=tablock action=heartbeat_failed holder=%s err=%v", l.holder, err)
				}
				if errors.Is(err, pipeline.ErrBlockedByOtherTab) {
					return
				}
			}
		}
	}
}

// Release removes the lock file if this holder owns it.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		l.held = false
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Holder != l.holder {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	l.held = false
	return nil
}

// Inspect returns the current lock record, or nil if there is none.
func (l *FileLock) Inspect() (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return rec, err
}

func (l *FileLock) read() (*Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn or foreign file carries no valid heartbeat.
		return &Record{}, nil
	}
	return &rec, nil
}

func (l *FileLock) write(now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	rec := Record{Holder: l.holder, PID: os.Getpid(), Heartbeat: now}
	if err := pipeline.WriteJSONAtomic(l.path, rec); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}
