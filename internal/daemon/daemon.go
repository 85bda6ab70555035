// Package daemon binds the local Unix-socket client channel and dispatches
// the operation objects it carries into the registry and federation proxy,
// the same objects an HTTP/WebSocket transport would produce (spec §6:
// "the core consumes this channel identically to the HTTP layer"). Grounded
// on bridgeservice.Service's Run/acceptLoop/handleConn shape, generalized
// from its single "send"/"status" switch to the full operation set.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"termd/internal/activity"
	"termd/internal/federation"
	"termd/internal/localsocket"
	"termd/internal/proto"
	"termd/internal/registry"
	"termd/internal/socketdir"
)

// envelope is the local channel's wire shape for FrameOp frames. It mirrors
// proto.Envelope (same request_id/op/session addressing) but keeps Payload
// as raw JSON until a handler knows which concrete request type to decode
// into.
type envelope struct {
	RequestID string          `json:"request_id,omitempty"`
	Op        string          `json:"op"`
	Session   string          `json:"session,omitempty"`
	Server    string          `json:"server,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Daemon owns the registry, the federation proxy, and the local socket
// listener that exposes them to clients.
type Daemon struct {
	Registry   *registry.Registry
	Federation *federation.Proxy
	ServerID   string
	SocketPath string
	SocketDir  string

	ln *localsocket.Listener
}

// New wires a Daemon over an already-constructed registry and federation
// proxy. The proxy is optional: with a nil Federation, register, deregister
// and server-addressed ops answer server_not_found, list_servers answers an
// empty list, and list stays local. socketDir is the directory holding
// this and any sibling daemons' socket files, used to answer list_instances.
func New(reg *registry.Registry, proxy *federation.Proxy, serverID, socketPath, socketDir string) *Daemon {
	return &Daemon{Registry: reg, Federation: proxy, ServerID: serverID, SocketPath: socketPath, SocketDir: socketDir}
}

// Run binds the local socket and serves connections until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.SocketPath), 0o700); err != nil {
		return fmt.Errorf("daemon: create socket dir: %w", err)
	}

	ln, err := localsocket.Bind(d.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: bind %s: %w", d.SocketPath, err)
	}
	d.ln = ln
	log.Printf("daemon: listening on %s", d.SocketPath)

	go d.acceptLoop()

	<-ctx.Done()
	return d.ln.Close()
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handleConn(conn)
	}
}

// handleConn serves one client connection until it disconnects, dispatching
// each frame and fanning subscription events back over the same wire
// serialized by writeMu so replies and pushed events never interleave.
func (d *Daemon) handleConn(conn *localsocket.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(typ byte, v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(typ, v); err != nil {
			log.Printf("daemon: write frame: %v", err)
		}
	}

	var unsubscribers []func()
	defer func() {
		for _, unsub := range unsubscribers {
			unsub()
		}
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}

		switch f.Type {
		case localsocket.FrameOp, localsocket.FrameCreate, localsocket.FrameResize, localsocket.FrameDetach:
			var env envelope
			if err := json.Unmarshal(f.Payload, &env); err != nil {
				writeJSON(localsocket.FrameError, proto.NewError(proto.CodeInvalidRequest, "malformed op frame: "+err.Error()))
				continue
			}
			if env.Op == "subscribe" {
				unsub, err := d.handleSubscribe(env, writeJSON)
				if err != nil {
					writeJSON(localsocket.FrameError, reply(env, nil, err))
					continue
				}
				unsubscribers = append(unsubscribers, unsub)
				writeJSON(localsocket.FrameAck, reply(env, nil, nil))
				continue
			}
			result, err := d.dispatch(env)
			writeJSON(localsocket.FrameOp, reply(env, result, err))

		case localsocket.FrameStdin:
			// Raw stdin frames address the session implicitly by connection
			// state in a full attach protocol; the in-scope core only needs
			// the explicit send_input op, so bare stdin frames are rejected
			// here rather than guessing a target session.
			writeJSON(localsocket.FrameError, proto.NewError(proto.CodeInvalidRequest, "stdin frame requires a prior attach/op addressing a session"))

		default:
			writeJSON(localsocket.FrameError, proto.NewError(proto.CodeInvalidRequest, fmt.Sprintf("unknown frame type 0x%02x", f.Type)))
		}
	}
}

func reply(env envelope, payload interface{}, err error) proto.Envelope {
	out := proto.Envelope{RequestID: env.RequestID, Op: env.Op, Session: env.Session}
	if err != nil {
		var pe *proto.Error
		if errors.As(err, &pe) {
			out.Error = pe
		} else {
			out.Error = proto.NewError(proto.CodeInternalError, err.Error())
		}
		return out
	}
	out.Payload = payload
	return out
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, proto.Wrap(proto.CodeInvalidRequest, "decode payload", err)
	}
	return v, nil
}

// dispatch routes one request/reply op. Ops carrying a non-empty, non-self
// Server field forward to the named backend over the federation proxy
// (spec §4.9 "Request routing"); everything else executes locally against
// the registry.
func (d *Daemon) dispatch(env envelope) (interface{}, error) {
	if env.Server != "" && env.Server != d.ServerID {
		if d.Federation == nil {
			return nil, proto.NewError(proto.CodeServerNotFound, "federation not configured")
		}
		var payload interface{}
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &payload)
		}
		resp, err := d.Federation.Call(context.Background(), env.Server, env.Op, env.Session, payload)
		if err != nil {
			return nil, err
		}
		return resp.Payload, nil
	}

	switch env.Op {
	case "create_session":
		req, err := decode[proto.CreateSessionRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return d.Registry.Create(req)

	case "list":
		req, err := decode[proto.ListRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		if d.Federation != nil {
			return d.Federation.FanOutList(context.Background(), req), nil
		}
		return d.Registry.List(req), nil

	case "rename":
		req, err := decode[proto.RenameRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.Registry.Rename(req.OldName, req.NewName)

	case "update_tags":
		req, err := decode[proto.UpdateTagsRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.Registry.UpdateTags(req.Name, req.Add, req.Remove)

	case "kill":
		req, err := decode[proto.KillRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.Registry.Kill(req.Name)

	case "await_idle":
		// A bare registry-scope race (no target session) goes straight to
		// the tag-filtered race across every session; session-scoped
		// await_idle falls through to dispatchSession below.
		if env.Session == "" {
			req, err := decode[proto.AwaitIdleRequest](env.Payload)
			if err != nil {
				return nil, err
			}
			return d.handleAwaitIdle(req)
		}
		return d.dispatchSession(env)

	case "register":
		req, err := decode[proto.RegisterBackendRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		if d.Federation == nil {
			return nil, proto.NewError(proto.CodeServerNotFound, "federation not configured")
		}
		return d.Federation.Register(context.Background(), req)

	case "deregister":
		req, err := decode[proto.RegisterBackendRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		if d.Federation == nil {
			return nil, proto.NewError(proto.CodeServerNotFound, "federation not configured")
		}
		return nil, d.Federation.Deregister(req.Address)

	case "list_servers":
		if d.Federation == nil {
			return []proto.BackendInfo{}, nil
		}
		return d.Federation.ListServers(), nil

	case "server_info":
		return proto.ServerInfoResponse{ServerID: d.ServerID}, nil

	case "list_instances":
		// Enumerates sibling daemon.*.sock files under the configured socket
		// directory, letting a CLI attacher discover other daemons started
		// against the same configured socket_dir without federation registration.
		entries, err := socketdir.ListByTypeIn(d.SocketDir, socketdir.TypeDaemon)
		if err != nil {
			return nil, proto.Wrap(proto.CodeInternalError, "list instances", err)
		}
		return entries, nil

	default:
		return d.dispatchSession(env)
	}
}

// dispatchSession handles every op that addresses one named session by its
// plain name (the local, non-federated case).
func (d *Daemon) dispatchSession(env envelope) (interface{}, error) {
	sess, ok := d.Registry.Get(env.Session)
	if !ok {
		return nil, proto.NewError(proto.CodeSessionNotFound, env.Session)
	}

	switch env.Op {
	case "send_input":
		req, err := decode[proto.SendInputRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.SendInput(req.Bytes)

	case "get_screen":
		req, err := decode[proto.GetScreenRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return sess.GetScreen(req.Format)

	case "get_scrollback":
		req, err := decode[proto.GetScrollbackRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return sess.GetScrollback(req.Offset, req.Limit, req.Format)

	case "resize":
		req, err := decode[proto.ResizeRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.Resize(req.Rows, req.Cols)

	case "enter_alt":
		return nil, sess.EnterAlt()

	case "exit_alt":
		return nil, sess.ExitAlt()

	case "capture_input":
		req, err := decode[proto.CaptureInputRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.CaptureInput(req.OwnerID)

	case "release_input":
		req, err := decode[proto.CaptureInputRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.ReleaseInput(req.OwnerID)

	case "set_focus":
		req, err := decode[proto.FocusRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.SetFocus(req.ElementID)

	case "unfocus":
		return nil, sess.Unfocus()

	case "create_overlay":
		req, err := decode[proto.CreateOverlayRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		id, err := sess.CreateOverlay(req)
		return map[string]string{"element_id": id}, err

	case "create_panel":
		req, err := decode[proto.CreatePanelRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		id, err := sess.CreatePanel(req)
		return map[string]string{"element_id": id}, err

	case "delete_element":
		req, err := decode[proto.FocusRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.DeleteElement(req.ElementID)

	case "list_elements":
		return sess.ListElements()

	case "update_spans_by_id":
		req, err := decode[proto.UpdateSpansRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.UpdateSpansByID(req.ElementID, req.Spans)

	case "region_write":
		req, err := decode[proto.RegionWriteRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.RegionWrite(req.ElementID, req.Writes)

	case "batch_update":
		req, err := decode[proto.BatchUpdateRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		return nil, sess.BatchUpdate(req.ElementID, req.Spans, req.Writes)

	case "await_idle":
		req, err := decode[proto.AwaitIdleRequest](env.Payload)
		if err != nil {
			return nil, err
		}
		res, err := sess.AwaitIdle(context.Background(), activity.Params{
			ThresholdMs:    req.ThresholdMs,
			LastGeneration: req.LastGeneration,
			Fresh:          req.Fresh,
		})
		if err != nil {
			return nil, err
		}
		screen, err := sess.GetScreen(proto.FormatStyled)
		if err != nil {
			return nil, err
		}
		return proto.AwaitIdleResponse{Generation: res.Generation, Screen: screen}, nil

	default:
		return nil, proto.NewError(proto.CodeInvalidRequest, "unknown op: "+env.Op)
	}
}

func (d *Daemon) handleAwaitIdle(req proto.AwaitIdleRequest) (interface{}, error) {
	res, err := d.Registry.AwaitIdle(context.Background(), req)
	if err != nil {
		return nil, err
	}
	sess, ok := d.Registry.Get(res.Name)
	if !ok {
		return proto.AwaitIdleResponse{Session: res.Name, Generation: res.Generation}, nil
	}
	screen, err := sess.GetScreen(proto.FormatStyled)
	if err != nil {
		return nil, err
	}
	return proto.AwaitIdleResponse{Session: res.Name, Generation: res.Generation, Screen: screen}, nil
}

// handleSubscribe starts a background pump forwarding one session's events
// to the connection as FrameOp frames carrying {"event": ...}. The returned
// func unsubscribes.
func (d *Daemon) handleSubscribe(env envelope, writeJSON func(byte, interface{})) (func(), error) {
	req, err := decode[proto.SubscribeRequest](env.Payload)
	if err != nil {
		return nil, err
	}
	sess, ok := d.Registry.Get(req.Name)
	if !ok {
		return nil, proto.NewError(proto.CodeSessionNotFound, req.Name)
	}

	ch, unsub := sess.Subscribe(req)
	go func() {
		for evt := range ch {
			e := evt
			writeJSON(localsocket.FrameOp, proto.Envelope{Op: "event", Session: req.Name, Event: &e})
		}
	}()
	return unsub, nil
}
