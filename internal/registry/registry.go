// Package registry owns session name uniqueness and the tag index,
// creating, renaming, tagging, killing, and listing the daemon's sessions,
// and racing idle across all of them. Grounded on internal/socketdir's
// name-indexed directory of entries (Find/List/ListByType) and
// internal/config's defaults-carrying struct, generalized from a
// filesystem-backed index to an in-memory one guarding live *session.Session
// actors instead of socket paths.
package registry

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"

	"termd/internal/activity"
	"termd/internal/broker"
	"termd/internal/proto"
	"termd/internal/session"
)

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Registry holds every live session, keyed by name, plus a tag -> name-set
// index kept in sync on every insert/rename/tag-update/remove.
type Registry struct {
	scrollbackLines int
	lifecycle       *broker.LifecycleBroker
	onEmpty         func() // invoked once the last session dies, in ephemeral mode only

	mu         sync.RWMutex
	sessions   map[string]*session.Session
	tagIndex   map[string]map[string]bool
	persistent bool
	nextAuto   int
}

// New builds an empty Registry. persistent controls whether the last
// session dying triggers onEmpty (spec §4.8 "Persistence mode"); onEmpty
// may be nil.
func New(persistent bool, scrollbackLines int, onEmpty func()) *Registry {
	return &Registry{
		scrollbackLines: scrollbackLines,
		lifecycle:       broker.NewLifecycleBroker(),
		onEmpty:         onEmpty,
		sessions:        make(map[string]*session.Session),
		tagIndex:        make(map[string]map[string]bool),
		persistent:      persistent,
	}
}

// Lifecycle returns the registry-level event broker external transports
// subscribe to for session_created/destroyed/renamed/tags_changed.
func (r *Registry) Lifecycle() *broker.LifecycleBroker {
	return r.lifecycle
}

// SetPersistent updates the ephemeral/persistent flag at runtime (exposed
// for a future config-reload operation; spec.md treats it as daemon-wide
// config, not a live RPC, but nothing prevents it being toggled).
func (r *Registry) SetPersistent(persistent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistent = persistent
}

// Create validates name/tags, splits the command line, spawns the PTY, and
// registers the new session under a single name-uniqueness check (spec
// §4.8: "validates name ... validates tags ... spawns the PTY ... inserts
// into the map, emits session_created").
func (r *Registry) Create(req proto.CreateSessionRequest) (proto.SessionInfo, error) {
	for _, t := range req.Tags {
		if !validTag(t) {
			return proto.SessionInfo{}, proto.NewError(proto.CodeInvalidTag, "invalid tag: "+t)
		}
	}

	r.mu.Lock()
	name := req.Name
	if name == "" {
		name = r.generateNameLocked()
	} else if _, taken := r.sessions[name]; taken {
		r.mu.Unlock()
		return proto.SessionInfo{}, proto.NewError(proto.CodeSessionNameConflict, "session already exists: "+name)
	}
	// Reserve the name before releasing the lock so concurrent creates can't
	// race to the same auto-generated or explicit name.
	r.sessions[name] = nil
	r.mu.Unlock()

	command, args, err := splitCommand(req.Command)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, name)
		r.mu.Unlock()
		return proto.SessionInfo{}, proto.Wrap(proto.CodeInvalidRequest, "parse command", err)
	}

	s, err := session.Spawn(req, command, args, r.scrollbackLines, session.LifecycleHooks{
		OnExit: func(sess *session.Session, _ error) { r.onSessionExit(name) },
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, name)
		r.mu.Unlock()
		return proto.SessionInfo{}, err
	}

	r.mu.Lock()
	r.sessions[name] = s
	for _, t := range req.Tags {
		r.indexTagLocked(t, name)
	}
	r.mu.Unlock()

	r.lifecycle.Publish(proto.Event{Kind: proto.EventSessionCreated, SessionName: name, Tags: req.Tags})
	return r.infoFor(name, s), nil
}

func splitCommand(command string) (string, []string, error) {
	if strings.TrimSpace(command) == "" {
		return "", nil, proto.NewError(proto.CodeInvalidRequest, "command must not be empty")
	}
	parts, err := shlex.Split(command)
	if err != nil || len(parts) == 0 {
		return "", nil, proto.NewError(proto.CodeInvalidRequest, "could not parse command")
	}
	return parts[0], parts[1:], nil
}

// generateNameLocked picks "default", then "session-1", "session-2", ...
// the first one not already taken. r.mu must be held for writing.
func (r *Registry) generateNameLocked() string {
	if _, taken := r.sessions["default"]; !taken {
		return "default"
	}
	for {
		r.nextAuto++
		candidate := "session-" + strconv.Itoa(r.nextAuto)
		if _, taken := r.sessions[candidate]; !taken {
			return candidate
		}
	}
}

func validTag(t string) bool {
	return t != "" && tagPattern.MatchString(t)
}

// onSessionExit removes name from the registry once its session reaches
// Dead (whether via Kill or the child exiting on its own), emits
// session_destroyed, and signals daemon shutdown in ephemeral mode once the
// last session is gone (spec §4.8 "Persistence mode").
func (r *Registry) onSessionExit(name string) {
	r.mu.Lock()
	_, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		for tag, names := range r.tagIndex {
			delete(names, name)
			if len(names) == 0 {
				delete(r.tagIndex, tag)
			}
		}
	}
	empty := len(r.sessions) == 0
	persistent := r.persistent
	r.mu.Unlock()

	if !ok {
		return
	}
	r.lifecycle.Publish(proto.Event{Kind: proto.EventSessionDestroyed, SessionName: name})
	if !persistent && empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// Rename atomically swaps a session's key, failing if newName is already
// taken (spec §4.8: "error if new exists, else swap key").
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[oldName]
	if !ok {
		return proto.NewError(proto.CodeSessionNotFound, "session not found: "+oldName)
	}
	if _, taken := r.sessions[newName]; taken {
		return proto.NewError(proto.CodeSessionNameConflict, "session already exists: "+newName)
	}

	delete(r.sessions, oldName)
	r.sessions[newName] = s
	for _, names := range r.tagIndex {
		if names[oldName] {
			delete(names, oldName)
			names[newName] = true
		}
	}

	r.lifecycle.Publish(proto.Event{Kind: proto.EventSessionRenamed, SessionName: newName, OldSessionName: oldName})
	return nil
}

// UpdateTags applies add/remove to a session's tags in one step, with
// duplicates collapsed by the underlying set (spec §4.8).
func (r *Registry) UpdateTags(name string, add, remove []string) error {
	for _, t := range add {
		if !validTag(t) {
			return proto.NewError(proto.CodeInvalidTag, "invalid tag: "+t)
		}
	}

	r.mu.Lock()
	s, ok := r.sessions[name]
	if !ok {
		r.mu.Unlock()
		return proto.NewError(proto.CodeSessionNotFound, "session not found: "+name)
	}
	for _, t := range add {
		r.indexTagLocked(t, name)
	}
	for _, t := range remove {
		if names := r.tagIndex[t]; names != nil {
			delete(names, name)
			if len(names) == 0 {
				delete(r.tagIndex, t)
			}
		}
	}
	r.mu.Unlock()

	s.UpdateTags(add, remove)
	tags := s.Tags()
	r.lifecycle.Publish(proto.Event{Kind: proto.EventSessionTagsChanged, SessionName: name, Tags: tags})
	return nil
}

func (r *Registry) indexTagLocked(tag, name string) {
	if r.tagIndex[tag] == nil {
		r.tagIndex[tag] = make(map[string]bool)
	}
	r.tagIndex[tag][name] = true
}

// Kill sends the kill-equivalent signal to the session and blocks until it
// reaches Dead, matching spec.md's "awaits exit" description. Removal from
// the registry and the session_destroyed emission happen via onSessionExit,
// which fires for any path to Dead, not just an explicit Kill.
func (r *Registry) Kill(name string) error {
	r.mu.RLock()
	s, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return proto.NewError(proto.CodeSessionNotFound, "session not found: "+name)
	}
	if err := s.Kill(); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// List returns sessions matching a tag-union filter (empty Tags matches
// everything), sorted by name for stable output.
func (r *Registry) List(req proto.ListRequest) []proto.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names map[string]bool
	if len(req.Tags) > 0 {
		names = make(map[string]bool)
		for _, t := range req.Tags {
			for n := range r.tagIndex[t] {
				names[n] = true
			}
		}
	}

	out := make([]proto.SessionInfo, 0, len(r.sessions))
	for name, s := range r.sessions {
		if s == nil {
			continue // reserved but not yet spawned
		}
		if names != nil && !names[name] {
			continue
		}
		out = append(out, r.infoFor(name, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a session by name.
func (r *Registry) Get(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok && s != nil
}

func (r *Registry) infoFor(name string, s *session.Session) proto.SessionInfo {
	rows, cols := s.Dims()
	return proto.SessionInfo{
		Name:        name,
		PID:         s.PID(),
		Rows:        rows,
		Cols:        cols,
		Tags:        s.Tags(),
		ClientCount: s.ClientCount(),
		ScreenMode:  s.ScreenMode(),
	}
}

// AwaitIdle races await_idle across every session matching req.Tag (a
// comma-separated union, e.g. "a,b" per spec §4.8's "tag=a,b" filter), or
// all sessions if req.Tag is empty. lastSession/lastGeneration mirror the
// single-session AwaitIdle's resolution filter, but applied only to the
// named session in the race.
func (r *Registry) AwaitIdle(ctx context.Context, req proto.AwaitIdleRequest) (activity.NamedResult, error) {
	r.mu.RLock()
	trackers := make(map[string]*activity.Tracker)
	var names map[string]bool
	if req.Tag != "" {
		names = make(map[string]bool)
		for _, t := range strings.Split(req.Tag, ",") {
			for n := range r.tagIndex[strings.TrimSpace(t)] {
				names[n] = true
			}
		}
	}
	for name, s := range r.sessions {
		if s == nil {
			continue
		}
		if names != nil && !names[name] {
			continue
		}
		trackers[name] = s.Tracker()
	}
	r.mu.RUnlock()

	return activity.RaceAny(ctx, trackers, req.ThresholdMs, req.Fresh, req.LastSession, req.LastGeneration)
}
