// Package federation connects this daemon, as a hub, to peer daemons
// (backends) over the same JSON/WebSocket protocol it serves locally (spec
// §4.9, §9 "Federation over the same protocol"). Grounded on
// wandb-catnip/container/internal/handlers/proxy.go's gorilla/websocket
// client-dial pattern (a Dialer with a handshake timeout, a bidirectional
// ReadMessage/WriteMessage relay) and internal/bridgeservice/service.go's
// mutex-guarded long-lived-connection registry shape, generalized from
// "one service managing N bridge connections" to "one proxy managing N
// backend connections with health state and reconnect".
package federation

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"termd/internal/proto"
)

const (
	keepaliveInterval  = 30 * time.Second
	handshakeTimeout   = 5 * time.Second
	minBackoff         = time.Second
	maxBackoff         = 60 * time.Second
	pendingReplyWindow = 10 * time.Second
)

// Backend is one registered peer connection.
type Backend struct {
	Address string
	Token   string

	mu       sync.RWMutex
	health   proto.Health
	serverID string
	hostname string
	conn     *websocket.Conn

	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan proto.Envelope
}

func (b *Backend) Info() proto.BackendInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return proto.BackendInfo{Address: b.Address, ServerID: b.serverID, Hostname: b.hostname, Health: b.health}
}

func (b *Backend) setHealth(h proto.Health) {
	b.mu.Lock()
	b.health = h
	b.mu.Unlock()
}

// LocalLister is implemented by the local session registry so the proxy can
// fold local sessions into a federation-wide fan-out list without importing
// the registry package.
type LocalLister interface {
	List(req proto.ListRequest) []proto.SessionInfo
}

// Proxy is the hub side of federation: it owns every registered Backend and
// knows this daemon's own identity for self-loop detection and the token
// cascade.
type Proxy struct {
	ServerID  string // this daemon's own identity, generated fresh at start
	AuthToken string // this daemon's own auth token, last resort in the cascade
	DefaultBackendToken string

	AllowCIDRs []*net.IPNet
	BlockCIDRs []*net.IPNet

	local LocalLister

	mu       sync.RWMutex
	backends map[string]*Backend // keyed by address
}

// New builds a Proxy. local supplies the registry's List for fan-out
// aggregation.
func New(serverID, authToken, defaultBackendToken string, local LocalLister) *Proxy {
	return &Proxy{
		ServerID:            serverID,
		AuthToken:           authToken,
		DefaultBackendToken: defaultBackendToken,
		local:               local,
		backends:            make(map[string]*Backend),
	}
}

// Register validates address and access control, inserts the backend with
// health=connecting, and starts the async connect-and-retry worker (spec
// §4.9 "Backend registration").
func (p *Proxy) Register(ctx context.Context, req proto.RegisterBackendRequest) (proto.BackendInfo, error) {
	u, err := url.Parse(req.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return proto.BackendInfo{}, proto.NewError(proto.CodeInvalidRequest, "backend address must be http(s) with a non-empty host")
	}
	host := u.Hostname()
	if host == "0.0.0.0" {
		return proto.BackendInfo{}, proto.NewError(proto.CodeInvalidRequest, "backend address must not be the wildcard address")
	}
	if err := p.checkAccess(host); err != nil {
		return proto.BackendInfo{}, err
	}

	p.mu.Lock()
	if _, exists := p.backends[req.Address]; exists {
		p.mu.Unlock()
		return proto.BackendInfo{}, proto.NewError(proto.CodeServerAlreadyRegistered, "backend already registered: "+req.Address)
	}
	b := &Backend{Address: req.Address, Token: req.Token, health: proto.HealthConnecting, pending: make(map[string]chan proto.Envelope)}
	p.backends[req.Address] = b
	p.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go p.connectLoop(workerCtx, b)

	return b.Info(), nil
}

// checkAccess applies the optional CIDR allow/block lists against the
// resolved host (spec §4.9 "Access control").
func (p *Proxy) checkAccess(host string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return proto.Wrap(proto.CodeInvalidRequest, "could not resolve backend host", err)
		}
		ip = ips[0]
	}
	for _, block := range p.BlockCIDRs {
		if block.Contains(ip) {
			return proto.NewError(proto.CodeInvalidRequest, "backend address is blocked by CIDR policy")
		}
	}
	if len(p.AllowCIDRs) > 0 {
		allowed := false
		for _, allow := range p.AllowCIDRs {
			if allow.Contains(ip) {
				allowed = true
				break
			}
		}
		if !allowed {
			return proto.NewError(proto.CodeInvalidRequest, "backend address is not in the allowlist")
		}
	}
	return nil
}

// connectLoop dials, performs the server_info handshake, and on any
// connection failure retries with exponential backoff (1s -> 60s), per spec
// §4.9. It returns once the backend is deregistered (ctx cancelled) or
// marked rejected (self-loop, which stops retrying permanently).
func (p *Proxy) connectLoop(ctx context.Context, b *Backend) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.connectOnce(ctx, b); err != nil {
			b.setHealth(proto.HealthUnavailable)
		}

		b.mu.RLock()
		rejected := b.health == proto.HealthRejected
		b.mu.RUnlock()
		if rejected {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectOnce dials the backend, runs the server_info handshake and, while
// healthy, reads frames and sends keepalive pings until the connection
// breaks.
func (p *Proxy) connectOnce(ctx context.Context, b *Backend) error {
	target := toWebSocketURL(b.Address)

	header := make(map[string][]string)
	if tok := p.tokenFor(b); tok != "" {
		header["Authorization"] = []string{"Bearer " + tok}
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	info, err := p.serverInfo(conn)
	if err != nil {
		return err
	}
	if info.ServerID == p.ServerID {
		b.mu.Lock()
		b.health = proto.HealthRejected
		b.serverID = info.ServerID
		b.hostname = info.Hostname
		b.mu.Unlock()
		return nil
	}

	b.mu.Lock()
	b.health = proto.HealthHealthy
	b.serverID = info.ServerID
	b.hostname = info.Hostname
	b.mu.Unlock()

	return p.pumpConnection(ctx, b, conn)
}

func (p *Proxy) tokenFor(b *Backend) string {
	if b.Token != "" {
		return b.Token
	}
	if p.DefaultBackendToken != "" {
		return p.DefaultBackendToken
	}
	return p.AuthToken
}

func toWebSocketURL(httpAddress string) string {
	if len(httpAddress) >= 5 && httpAddress[:5] == "https" {
		return "wss" + httpAddress[5:]
	}
	if len(httpAddress) >= 4 && httpAddress[:4] == "http" {
		return "ws" + httpAddress[4:]
	}
	return httpAddress
}

// serverInfo issues the server_info RPC synchronously, ahead of the general
// request/reply pump (it must complete before the backend is marked
// healthy or routable).
func (p *Proxy) serverInfo(conn *websocket.Conn) (proto.ServerInfoResponse, error) {
	req := proto.Envelope{RequestID: uuid.NewString(), Op: "server_info"}
	if err := conn.WriteJSON(req); err != nil {
		return proto.ServerInfoResponse{}, err
	}
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply proto.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return proto.ServerInfoResponse{}, err
	}
	conn.SetReadDeadline(time.Time{})
	if reply.Error != nil {
		return proto.ServerInfoResponse{}, reply.Error
	}
	raw, err := json.Marshal(reply.Payload)
	if err != nil {
		return proto.ServerInfoResponse{}, err
	}
	var info proto.ServerInfoResponse
	if err := json.Unmarshal(raw, &info); err != nil {
		return proto.ServerInfoResponse{}, err
	}
	return info, nil
}

// pumpConnection keeps the backend connection alive with a 30s keepalive
// ping and dispatches incoming replies to waiting Call()ers by RequestID,
// and incoming pushed events are dropped here (a higher layer not built in
// this pass would fan them into the lifecycle broker for aggregation).
func (p *Proxy) pumpConnection(ctx context.Context, b *Backend, conn *websocket.Conn) error {
	done := make(chan error, 1)
	go func() {
		for {
			var env proto.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				done <- err
				return
			}
			if env.RequestID != "" {
				b.pendingMu.Lock()
				ch := b.pending[env.RequestID]
				delete(b.pending, env.RequestID)
				b.pendingMu.Unlock()
				if ch != nil {
					ch <- env
				}
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// Call forwards op/payload to the named backend and waits for its reply,
// used by session-scoped operations that carry a non-self `server`
// parameter (spec §4.9 "Request routing").
func (p *Proxy) Call(ctx context.Context, address, op, session string, payload interface{}) (proto.Envelope, error) {
	p.mu.RLock()
	b, ok := p.backends[address]
	p.mu.RUnlock()
	if !ok {
		return proto.Envelope{}, proto.NewError(proto.CodeServerNotFound, "no backend registered at "+address)
	}
	b.mu.RLock()
	conn, healthy := b.conn, b.health == proto.HealthHealthy
	b.mu.RUnlock()
	if !healthy || conn == nil {
		return proto.Envelope{}, proto.NewError(proto.CodeServerNotFound, "backend is not healthy: "+address)
	}

	env := proto.Envelope{RequestID: uuid.NewString(), Op: op, Session: session, Payload: payload}
	reply := make(chan proto.Envelope, 1)
	b.pendingMu.Lock()
	b.pending[env.RequestID] = reply
	b.pendingMu.Unlock()

	if err := conn.WriteJSON(env); err != nil {
		return proto.Envelope{}, proto.Wrap(proto.CodeInternalError, "write to backend", err)
	}

	select {
	case r := <-reply:
		if r.Error != nil {
			return proto.Envelope{}, r.Error
		}
		return r, nil
	case <-ctx.Done():
		return proto.Envelope{}, ctx.Err()
	case <-time.After(pendingReplyWindow):
		return proto.Envelope{}, proto.NewError(proto.CodeInternalError, "backend call timed out: "+address)
	}
}

// ListServers reports every registered backend's current state.
func (p *Proxy) ListServers() []proto.BackendInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]proto.BackendInfo, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b.Info())
	}
	return out
}

// Deregister tears down a backend's connection and stops its retry loop
// (spec §5 "Resource release: backend connections are torn down when the
// backend is deregistered").
func (p *Proxy) Deregister(address string) error {
	p.mu.Lock()
	b, ok := p.backends[address]
	delete(p.backends, address)
	p.mu.Unlock()
	if !ok {
		return proto.NewError(proto.CodeServerNotFound, "no backend registered at "+address)
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// FanOutList aggregates the local registry's list with every healthy
// backend's remote listing in parallel, tolerating individual backend
// failures (spec §4.9 "partial results", invariant 7: every returned
// session is stamped with exactly one `server`).
func (p *Proxy) FanOutList(ctx context.Context, req proto.ListRequest) []proto.SessionInfo {
	local := p.local.List(req)

	p.mu.RLock()
	targets := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if b.Info().Health == proto.HealthHealthy {
			targets = append(targets, b)
		}
	}
	p.mu.RUnlock()

	results := make([]proto.SessionInfo, len(local))
	copy(results, local)
	for i := range results {
		results[i].Server = p.ServerID
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var failures int64
	for _, b := range targets {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			reply, err := p.Call(ctx, b.Address, "list", "", req)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			raw, err := json.Marshal(reply.Payload)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			var sessions []proto.SessionInfo
			if err := json.Unmarshal(raw, &sessions); err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			for i := range sessions {
				sessions[i].Server = b.Address
			}
			mu.Lock()
			results = append(results, sessions...)
			mu.Unlock()
		}(b)
	}
	wg.Wait()
	return results
}
