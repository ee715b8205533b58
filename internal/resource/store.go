// Package resource owns the last-known-good server copy of one
// composite record. The store is the single shared mutable object per
// tenant and resource kind: only the loader (on fetch) and the
// submission pipeline (by triggering a refresh) replace its record.
// Section editors read snapshots and never mutate it directly.
package resource

import (
	"context"
	"sync"
	"time"

	"mosaic/gateway/internal/record"
	"mosaic/gateway/internal/tenant"
	"mosaic/gateway/internal/upstream"
)

// State is the load state machine for one composite record.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateFailed  State = "failed"
)

// Fetcher reads the whole record from the upstream backend.
type Fetcher interface {
	Fetch(ctx context.Context, tctx tenant.Context, kind string) (record.Composite, error)
}

// Options tune the bounded retry sequence.
type Options struct {
	// MaxRetries is the total number of fetch attempts before the
	// store gives up and waits for a manual retry. Defaults to 3.
	MaxRetries int
	// RetryDelay is the pause between attempts. Defaults to 2s.
	RetryDelay time.Duration
	// OnAuthFailure receives credential rejections, which bypass the
	// retry sequence entirely.
	OnAuthFailure func(err error)
}

// Snapshot is the read-only view handed to section editors.
type Snapshot struct {
	State      State
	Attempts   int
	Record     record.Composite
	Submitting bool
	Err        error
}

// Store holds the record plus load and submission status for one
// tenant and resource kind.
type Store struct {
	fetcher       Fetcher
	tctx          tenant.Context
	kind          string
	maxRetries    int
	retryDelay    time.Duration
	onAuthFailure func(error)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	state      State
	attempts   int
	rec        record.Composite
	submitting bool
	lastErr    error
	gen        int
	runCancel  context.CancelFunc
}

// New creates an idle store. Nothing is fetched until Load is called.
func New(fetcher Fetcher, tctx tenant.Context, kind string, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Store{
		fetcher:       fetcher,
		tctx:          tctx,
		kind:          kind,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		onAuthFailure: opts.OnAuthFailure,
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		state:         StateIdle,
	}
}

// Load starts the bounded fetch sequence if the store is idle. Loads
// already in flight or already complete are left alone.
func (s *Store) Load() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.beginLocked(false)
	s.mu.Unlock()
}

// Retry is the user-initiated manual retry: it resets the attempt
// counter and repeats the whole sequence, whatever the current state.
func (s *Store) Retry() {
	s.mu.Lock()
	s.beginLocked(false)
	s.mu.Unlock()
}

// Refresh refetches after a successful submit. The last-known-good
// record stays visible while the refresh runs, and is kept if the
// refresh ultimately fails.
func (s *Store) Refresh() {
	s.mu.Lock()
	s.beginLocked(true)
	s.mu.Unlock()
}

func (s *Store) beginLocked(keepLoaded bool) {
	if s.runCancel != nil {
		s.runCancel()
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.runCancel = cancel
	s.gen++
	s.attempts = 0
	s.lastErr = nil
	if !keepLoaded || s.state != StateLoaded {
		s.state = StateLoading
	}
	go s.run(runCtx, s.gen, keepLoaded)
}

// run is the retry loop. The generation check discards results from a
// superseded run; the context makes the delay timer cancelable so a
// torn-down store never fires a late attempt.
func (s *Store) run(ctx context.Context, gen int, keepLoaded bool) {
	for {
		rec, err := s.fetcher.Fetch(ctx, s.tctx, s.kind)

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		if err == nil {
			s.rec = rec
			s.state = StateLoaded
			s.lastErr = nil
			s.mu.Unlock()
			return
		}
		s.lastErr = err
		if upstream.IsAuth(err) {
			// Credential rejections skip the retry budget and go
			// straight to the guard.
			if !keepLoaded {
				s.state = StateFailed
			}
			callback := s.onAuthFailure
			s.mu.Unlock()
			if callback != nil {
				callback(err)
			}
			return
		}
		s.attempts++
		if s.attempts >= s.maxRetries {
			if !keepLoaded || s.state != StateLoaded {
				s.state = StateFailed
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		timer := time.NewTimer(s.retryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Snapshot returns a read-only copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:      s.state,
		Attempts:   s.attempts,
		Submitting: s.submitting,
		Err:        s.lastErr,
	}
	if s.rec != nil {
		snap.Record = s.rec.Clone()
	}
	return snap
}

// Loaded returns the last-known-good record if one has been fetched.
func (s *Store) Loaded() (record.Composite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoaded {
		return nil, false
	}
	return s.rec.Clone(), true
}

// BeginSubmit marks the record as submitting. It fails when a submit
// is already in flight: concurrent whole-record replaces would let the
// slower one overwrite the faster one's result with stale preserved
// fields, so a second attempt is rejected rather than queued.
func (s *Store) BeginSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitting {
		return false
	}
	s.submitting = true
	return true
}

// EndSubmit clears the submitting mark.
func (s *Store) EndSubmit() {
	s.mu.Lock()
	s.submitting = false
	s.mu.Unlock()
}

// Close cancels any scheduled retry. Used when the owning session is
// torn down so a late timer cannot mutate state for a dead view.
func (s *Store) Close() {
	s.mu.Lock()
	s.gen++
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.mu.Unlock()
	s.baseCancel()
}
