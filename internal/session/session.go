// Package session composes the terminal emulator, PTY driver, overlay
// store, input arbiter, activity tracker, and event broker into one
// per-session state machine behind a single command channel, the actor
// discipline spec §5 requires ("every mutating operation ... enters the
// actor's queue; the actor processes one at a time"). Grounded on the
// shape of internal/session/session.go's Session struct — a composition
// root wiring virtualterminal.VT, client.Client, and the agent monitor
// together, and its lifecycleLoop child-wait/relaunch cycle — generalized
// from an agent-harness-specific orchestrator into a generic actor.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"termd/internal/activity"
	"termd/internal/broker"
	"termd/internal/emulator"
	"termd/internal/inputarbiter"
	"termd/internal/overlay"
	"termd/internal/proto"
	"termd/internal/ptydriver"
)

// State is the session's lifecycle state (spec §4.7).
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExiting  State = "exiting"
	StateDead     State = "dead"
)

// enqueueTimeout bounds how long a caller waits for the actor's command
// queue to have room before the call fails with channel_full (spec §5
// "Suspension points").
const enqueueTimeout = 500 * time.Millisecond

const commandQueueCapacity = 256

// LifecycleHooks lets the owning registry observe session-level events it
// needs for its own bookkeeping (tag index invalidation, lifecycle
// broadcast) without the session importing the registry package.
type LifecycleHooks struct {
	OnExit func(s *Session, err error) // invoked once, after the PTY driver reports exit
}

// Session is one PTY-backed terminal, its overlay/panel arena, input
// arbitration, activity tracking, and subscriber fan-out, all serialized
// through cmdCh.
type Session struct {
	Name    string
	Command string
	Args    []string

	mu          sync.RWMutex
	state       State
	tags        map[string]bool
	clientCount int32
	rows, cols  int
	screenMode  proto.ScreenMode
	exitErr     error

	emu      *emulator.Emulator
	driver   *ptydriver.Driver
	overlays *overlay.Store
	arbiter  *inputarbiter.Arbiter
	tracker  *activity.Tracker
	events   *broker.Broker

	cmdCh  chan func()
	doneCh chan struct{}

	hooks LifecycleHooks
}

// Spawn builds a Session, spawns its PTY, and starts the actor loop. The
// returned Session is in StateRunning once the PTY spawn succeeds (spawn
// failure maps to proto.CodeSessionCreateFailed and no Session is created,
// per spec §4.2 failure semantics).
func Spawn(req proto.CreateSessionRequest, command string, args []string, scrollbackLines int, hooks LifecycleHooks) (*Session, error) {
	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	s := &Session{
		Name:    req.Name,
		Command: command,
		Args:    args,
		state:   StateStarting,
		tags:    make(map[string]bool),
		rows:    rows,
		cols:    cols,
		cmdCh:   make(chan func(), commandQueueCapacity),
		doneCh:  make(chan struct{}),
		hooks:   hooks,
	}
	for _, t := range req.Tags {
		s.tags[t] = true
	}

	s.events = broker.New(func(format proto.Format) proto.Screen {
		return s.emu.GetScreen(format)
	})
	s.tracker = activity.New()
	s.overlays = overlay.New(rows, cols, func(innerRows int) {
		s.driver.Resize(innerRows, s.cols)
		s.emu.Resize(innerRows, s.cols)
	})
	s.arbiter = inputarbiter.New(func(elementID string) bool {
		el, ok := s.overlays.Get(elementID)
		return ok && el.Focusable
	})
	s.emu = emulator.New(rows, cols, scrollbackLines, func(ev proto.Event) {
		s.events.Publish(ev)
	})

	s.driver = ptydriver.New(0)
	if err := s.driver.Spawn(command, args, req.Env, req.Cwd, rows, cols); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	go s.driver.Run(s.onPTYOutput, s.onPTYExit)
	go s.actorLoop()

	return s, nil
}

func (s *Session) onPTYOutput(data []byte) {
	s.submit(func() {
		resp := s.emu.RespondOSCQueries(data)
		if len(resp) > 0 {
			s.driver.Write(resp)
		}
		s.emu.Write(data)
		s.tracker.Touch()
	})
}

func (s *Session) onPTYExit(err error) {
	s.mu.Lock()
	s.state = StateExiting
	s.exitErr = err
	s.mu.Unlock()

	s.submit(func() {
		s.mu.Lock()
		s.state = StateDead
		s.mu.Unlock()
		close(s.doneCh)
	})

	if s.hooks.OnExit != nil {
		s.hooks.OnExit(s, err)
	}
}

// submit enqueues fn without blocking the PTY reader goroutine on a full
// queue; a full queue here just delays processing rather than failing
// (only caller-facing operations observe channel_full).
func (s *Session) submit(fn func()) {
	select {
	case s.cmdCh <- fn:
	default:
		go func() { s.cmdCh <- fn }()
	}
}

// actorLoop processes commands one at a time until the session reaches
// StateDead, at which point it stops draining cmdCh so the goroutine can
// exit instead of blocking forever on a channel nobody will close.
func (s *Session) actorLoop() {
	for fn := range s.cmdCh {
		fn()
		if s.State() == StateDead {
			return
		}
	}
}

// do enqueues fn and blocks until it has run, returning channel_full if the
// queue has no room within enqueueTimeout, or session_not_found if the
// session is already Dead.
func (s *Session) do(fn func()) error {
	if s.State() == StateDead {
		return proto.NewError(proto.CodeSessionNotFound, "session is dead")
	}
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.cmdCh <- wrapped:
	case <-time.After(enqueueTimeout):
		return proto.NewError(proto.CodeChannelFull, "session command queue is full")
	}
	<-done
	return nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tags returns a snapshot of the session's tag set.
func (s *Session) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tags))
	for t := range s.tags {
		out = append(out, t)
	}
	return out
}

// UpdateTags applies add/remove in one step, collapsing duplicates (spec §4.8).
func (s *Session) UpdateTags(add, remove []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range add {
		s.tags[t] = true
	}
	for _, t := range remove {
		delete(s.tags, t)
	}
}

// ClientCount reports the number of currently attached subscribers.
func (s *Session) ClientCount() int {
	return int(atomic.LoadInt32(&s.clientCount))
}

func (s *Session) IncClientCount() { atomic.AddInt32(&s.clientCount, 1) }
func (s *Session) DecClientCount() { atomic.AddInt32(&s.clientCount, -1) }

// Dims reports the current grid dimensions.
func (s *Session) Dims() (rows, cols int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// ScreenMode reports the session-level screen-mode flag (independent of the
// VT's own alt-screen tracking, Open Question c).
func (s *Session) ScreenMode() proto.ScreenMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenMode
}

// PID returns the child process id.
func (s *Session) PID() int {
	return s.driver.PID()
}

// SendInput routes bytes through the arbiter: passthrough forwards to the
// PTY and broadcasts an input event; capture only broadcasts. The input
// broadcast is emitted before the PTY write completes (spec §5 ordering
// guarantee iv).
func (s *Session) SendInput(data []byte) error {
	return s.do(func() {
		mode := s.arbiter.Mode()
		s.events.Publish(proto.Event{Kind: proto.EventInput, InputModeValue: mode, RawBytes: data})
		s.tracker.Touch()
		if mode == proto.InputModePassthrough {
			s.driver.Write(data)
		}
	})
}

// SendLocalInput is the path for bytes arriving from a local keyboard
// attach, which additionally observes the ctrl-\ capture toggle before
// passthrough/capture routing (spec §4.4).
func (s *Session) SendLocalInput(data []byte) error {
	return s.do(func() {
		data = s.arbiter.HandleLocalBytes(data)
		if len(data) == 0 {
			return
		}
		mode := s.arbiter.Mode()
		s.events.Publish(proto.Event{Kind: proto.EventInput, InputModeValue: mode, RawBytes: data})
		s.tracker.Touch()
		if mode == proto.InputModePassthrough {
			s.driver.Write(data)
		}
	})
}

// GetScreen returns the current screen snapshot.
func (s *Session) GetScreen(format proto.Format) (proto.Screen, error) {
	var out proto.Screen
	err := s.do(func() { out = s.emu.GetScreen(format) })
	return out, err
}

// GetScrollback pages the bounded scrollback buffer.
func (s *Session) GetScrollback(offset, limit int, format proto.Format) (proto.ScrollbackPage, error) {
	var out proto.ScrollbackPage
	err := s.do(func() { out = s.emu.GetScrollback(offset, limit, format) })
	return out, err
}

// Resize reflows the grid, the PTY, and re-runs panel space allocation.
func (s *Session) Resize(rows, cols int) error {
	return s.do(func() {
		s.mu.Lock()
		s.rows, s.cols = rows, cols
		s.mu.Unlock()
		s.overlays.Resize(rows, cols)
		// overlays.Resize's onResize callback already drives driver/emu resize
		// to the panel-adjusted inner size.
		s.tracker.Touch()
	})
}

// EnterAlt / ExitAlt implement the session-level screen-mode control
// surface (distinct from emulator.AlternateActive, Open Question c).
func (s *Session) EnterAlt() error {
	return s.do(func() {
		s.mu.Lock()
		if s.screenMode == proto.ScreenModeAlt {
			s.mu.Unlock()
			return
		}
		s.screenMode = proto.ScreenModeAlt
		s.mu.Unlock()
		s.overlays.EnterAlt()
		s.tracker.Touch()
	})
}

func (s *Session) ExitAlt() error {
	return s.do(func() {
		s.mu.Lock()
		if s.screenMode != proto.ScreenModeAlt {
			s.mu.Unlock()
			return
		}
		s.screenMode = proto.ScreenModeNormal
		s.mu.Unlock()
		deleted := s.overlays.ExitAlt()
		for _, id := range deleted {
			s.arbiter.OnElementDeleted(id)
		}
		s.tracker.Touch()
	})
}

// CreateOverlay / CreatePanel / DeleteElement / ListElements expose the
// overlay store through the actor.
func (s *Session) CreateOverlay(req proto.CreateOverlayRequest) (string, error) {
	var id string
	err := s.do(func() {
		id = s.overlays.CreateOverlay(req)
		s.tracker.Touch()
	})
	return id, err
}

func (s *Session) CreatePanel(req proto.CreatePanelRequest) (string, error) {
	var id string
	err := s.do(func() {
		id = s.overlays.CreatePanel(req)
		s.tracker.Touch()
	})
	return id, err
}

func (s *Session) DeleteElement(id string) error {
	return s.do(func() {
		if s.overlays.Delete(id) {
			s.arbiter.OnElementDeleted(id)
			s.tracker.Touch()
		}
	})
}

func (s *Session) ListElements() ([]overlay.Element, error) {
	var out []overlay.Element
	err := s.do(func() { out = s.overlays.List() })
	return out, err
}

func (s *Session) UpdateSpansByID(elementID string, spans []proto.Span) error {
	return s.do(func() {
		if s.overlays.UpdateSpansByID(elementID, spans) {
			s.tracker.Touch()
		}
	})
}

func (s *Session) RegionWrite(elementID string, writes []proto.CellWrite) error {
	return s.do(func() {
		if s.overlays.RegionWrite(elementID, writes) {
			s.tracker.Touch()
		}
	})
}

func (s *Session) BatchUpdate(elementID string, spans []proto.Span, writes []proto.CellWrite) error {
	return s.do(func() {
		if s.overlays.BatchUpdate(elementID, spans, writes) {
			s.tracker.Touch()
		}
	})
}

// CaptureInput / ReleaseInput / SetFocus / Unfocus expose the arbiter.
func (s *Session) CaptureInput(ownerID string) error {
	var capErr error
	err := s.do(func() { capErr = s.arbiter.Capture(ownerID) })
	if err != nil {
		return err
	}
	return capErr
}

func (s *Session) ReleaseInput(ownerID string) error {
	return s.do(func() { s.arbiter.Release(ownerID) })
}

// OnOwnerDisconnected auto-releases capture and clears focus when a
// WebSocket-established owner drops (spec §4.4 "Automatic release").
func (s *Session) OnOwnerDisconnected(ownerID string) error {
	return s.do(func() { s.arbiter.ReleaseIfOwnedBy(ownerID) })
}

func (s *Session) SetFocus(elementID string) error {
	var focusErr error
	err := s.do(func() { focusErr = s.arbiter.SetFocus(elementID) })
	if err != nil {
		return err
	}
	return focusErr
}

func (s *Session) Unfocus() error {
	return s.do(func() { s.arbiter.Unfocus() })
}

// AwaitIdle blocks (outside the actor, since this is a long-poll) until the
// tracker resolves or ctx is cancelled.
func (s *Session) AwaitIdle(ctx context.Context, p activity.Params) (activity.Result, error) {
	return s.tracker.AwaitIdle(ctx, p)
}

// Subscribe registers a broker subscription for this session and counts it
// in ClientCount until the returned cancel func is called.
func (s *Session) Subscribe(req proto.SubscribeRequest) (<-chan proto.Event, func()) {
	ch, cancel := s.events.Subscribe(req)
	s.IncClientCount()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.DecClientCount()
			cancel()
		})
	}
}

// Kill requests the child process terminate; the actor transitions through
// Exiting to Dead once the PTY driver observes the exit.
func (s *Session) Kill() error {
	s.mu.Lock()
	s.state = StateExiting
	s.mu.Unlock()
	return s.driver.Close()
}

// Wait blocks until the session reaches StateDead.
func (s *Session) Wait() {
	<-s.doneCh
}

// ExitErr returns the child's exit error, valid once State() is StateDead.
func (s *Session) ExitErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitErr
}

// Tracker exposes the session's activity tracker so the registry can fold
// it into a server-level idle race (spec §4.8 "Server-level idle").
func (s *Session) Tracker() *activity.Tracker {
	return s.tracker
}
