// Package activity maintains a session's activity generation counter and
// resolves idle-completion waiters against it. Grounded on
// internal/session/agent/monitor/monitor.go's close-and-replace channel
// notification (stateCh) and its WaitForState polling loop, generalized
// from "wait for a specific agent State" to "wait for threshold_ms of
// wall-clock silence, filtered by generation".
package activity

import (
	"context"
	"sync"
	"time"

	"termd/internal/proto"
)

// Tracker holds one session's (or the registry's) activity state. Touch is
// called on every PTY output byte, PTY input byte, overlay/panel mutation,
// and screen-mode transition (spec §4.5).
type Tracker struct {
	mu           sync.Mutex
	generation   int64
	lastActivity time.Time
	activityCh   chan struct{}
}

// New builds a Tracker with generation 0 and lastActivity set to now, so an
// immediate AwaitIdle call measures silence from construction.
func New() *Tracker {
	return &Tracker{
		lastActivity: time.Now(),
		activityCh:   make(chan struct{}),
	}
}

// Touch records one activity event, bumping the generation and waking any
// waiter blocked in AwaitIdle. Returns the new generation.
func (t *Tracker) Touch() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	t.lastActivity = time.Now()
	close(t.activityCh)
	t.activityCh = make(chan struct{})
	return t.generation
}

// Generation reports the current generation without waiting.
func (t *Tracker) Generation() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

func (t *Tracker) snapshot() (gen int64, last time.Time, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation, t.lastActivity, t.activityCh
}

// Params describes one idle waiter's resolution criteria (spec §4.5).
type Params struct {
	ThresholdMs    int64
	LastGeneration *int64
	Fresh          bool
}

// Result is what a resolved waiter carries.
type Result struct {
	Generation int64
}

// AwaitIdle blocks until threshold_ms of silence has elapsed and the
// generation filter (if any) is satisfied, or until ctx is cancelled/its
// deadline passes, in which case it returns idle_timeout (spec §4.5).
//
// Silence is measured from the tracker's last activity, unless Fresh is
// set, in which case it's measured from the call to AwaitIdle itself
// (spec: "the silence interval is measured starting from waiter
// registration").
func (t *Tracker) AwaitIdle(ctx context.Context, p Params) (Result, error) {
	threshold := time.Duration(p.ThresholdMs) * time.Millisecond
	registeredAt := time.Now()

	for {
		gen, last, ch := t.snapshot()

		since := last
		if p.Fresh {
			since = registeredAt
		}
		silence := time.Since(since)

		eligible := p.LastGeneration == nil || *p.LastGeneration != gen
		if silence >= threshold && eligible {
			return Result{Generation: gen}, nil
		}

		wait := threshold - silence
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ch:
			timer.Stop()
			continue
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			return Result{}, proto.NewError(proto.CodeIdleTimeout, "await_idle deadline exceeded")
		}
	}
}

// NamedResult is one racer's outcome, tagged with the session name it came
// from, for the registry-level any-session waiter.
type NamedResult struct {
	Name string
	Result
}

// RaceAny races AwaitIdle across every named tracker, returning the first to
// resolve. lastSession/lastGeneration (if set) apply the LastGeneration
// filter only to that one session's waiter — "the named session is required
// to experience new activity before it is eligible, while others race
// normally" (spec §4.5). Losing waiters are cancelled via ctx.
func RaceAny(ctx context.Context, trackers map[string]*Tracker, thresholdMs int64, fresh bool, lastSession string, lastGeneration *int64) (NamedResult, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		NamedResult
		err error
	}
	results := make(chan outcome, len(trackers))

	for name, tr := range trackers {
		name, tr := name, tr
		p := Params{ThresholdMs: thresholdMs, Fresh: fresh}
		if name == lastSession {
			p.LastGeneration = lastGeneration
		}
		go func() {
			res, err := tr.AwaitIdle(raceCtx, p)
			results <- outcome{NamedResult{Name: name, Result: res}, err}
		}()
	}

	var lastErr error
	for i := 0; i < len(trackers); i++ {
		out := <-results
		if out.err == nil {
			return out.NamedResult, nil
		}
		lastErr = out.err
	}
	if lastErr == nil {
		lastErr = proto.NewError(proto.CodeIdleTimeout, "no sessions to race")
	}
	return NamedResult{}, lastErr
}
