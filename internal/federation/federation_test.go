package federation

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"termd/internal/proto"
)

type fakeLister struct{ sessions []proto.SessionInfo }

func (f fakeLister) List(proto.ListRequest) []proto.SessionInfo { return f.sessions }

// stubBackend runs a minimal server_info-answering WebSocket server that
// reports serverID, used to exercise Register's handshake and self-loop
// detection without a real termd daemon on the other end.
func stubBackend(t *testing.T, serverID string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env proto.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Op == "server_info" {
				conn.WriteJSON(proto.Envelope{
					RequestID: env.RequestID,
					Payload:   proto.ServerInfoResponse{ServerID: serverID, Hostname: "stub"},
				})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegister_RejectsInvalidAddress(t *testing.T) {
	p := New("hub-1", "", "", fakeLister{})
	_, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: "not-a-url"})
	if proto.CodeOf(err) != proto.CodeInvalidRequest {
		t.Fatalf("CodeOf(err) = %v, want invalid_request", proto.CodeOf(err))
	}
}

func TestRegister_RejectsWildcardAddress(t *testing.T) {
	p := New("hub-1", "", "", fakeLister{})
	_, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: "http://0.0.0.0:9000"})
	if proto.CodeOf(err) != proto.CodeInvalidRequest {
		t.Fatalf("CodeOf(err) = %v, want invalid_request", proto.CodeOf(err))
	}
}

func TestRegister_RejectsBlockedCIDR(t *testing.T) {
	_, blockNet, _ := net.ParseCIDR("127.0.0.0/8")
	p := New("hub-1", "", "", fakeLister{})
	p.BlockCIDRs = []*net.IPNet{blockNet}

	_, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: "http://127.0.0.1:9000"})
	if proto.CodeOf(err) != proto.CodeInvalidRequest {
		t.Fatalf("CodeOf(err) = %v, want invalid_request", proto.CodeOf(err))
	}
}

func TestRegister_DuplicateAddressConflicts(t *testing.T) {
	srv := stubBackend(t, "other-server")
	p := New("hub-1", "", "", fakeLister{})

	if _, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: srv.URL}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: srv.URL})
	if proto.CodeOf(err) != proto.CodeServerAlreadyRegistered {
		t.Fatalf("CodeOf(err) = %v, want server_already_registered", proto.CodeOf(err))
	}
}

func TestConnectLoop_MarksHealthyOnSuccessfulHandshake(t *testing.T) {
	srv := stubBackend(t, "other-server")
	p := New("hub-1", "", "", fakeLister{})

	info, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: srv.URL})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { p.Deregister(info.Address) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		servers := p.ListServers()
		if len(servers) == 1 && servers[0].Health == proto.HealthHealthy && servers[0].ServerID == "other-server" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("backend never reached healthy with the expected server id")
}

func TestConnectLoop_RejectsSelfLoop(t *testing.T) {
	srv := stubBackend(t, "hub-1")
	p := New("hub-1", "", "", fakeLister{})

	info, err := p.Register(context.Background(), proto.RegisterBackendRequest{Address: srv.URL})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { p.Deregister(info.Address) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		servers := p.ListServers()
		if len(servers) == 1 && servers[0].Health == proto.HealthRejected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("self-registered backend never reached rejected")
}

func TestTokenFor_Cascade(t *testing.T) {
	p := New("hub-1", "hub-token", "default-token", fakeLister{})

	explicit := &Backend{Token: "backend-token"}
	if got := p.tokenFor(explicit); got != "backend-token" {
		t.Fatalf("tokenFor(explicit) = %q, want backend-token", got)
	}

	fallbackToDefault := &Backend{}
	if got := p.tokenFor(fallbackToDefault); got != "default-token" {
		t.Fatalf("tokenFor(no explicit) = %q, want default-token", got)
	}

	p2 := New("hub-1", "hub-token", "", fakeLister{})
	if got := p2.tokenFor(&Backend{}); got != "hub-token" {
		t.Fatalf("tokenFor(no explicit, no default) = %q, want hub-token", got)
	}
}

func TestFanOutList_StampsServerAndIncludesLocal(t *testing.T) {
	local := fakeLister{sessions: []proto.SessionInfo{{Name: "local-1"}}}
	p := New("hub-1", "", "", local)

	got := p.FanOutList(context.Background(), proto.ListRequest{})
	if len(got) != 1 || got[0].Name != "local-1" || got[0].Server != "hub-1" {
		t.Fatalf("FanOutList with no backends = %+v, want the local session stamped with the hub's own server id", got)
	}
}

func TestDeregister_UnknownAddressFails(t *testing.T) {
	p := New("hub-1", "", "", fakeLister{})
	if err := p.Deregister("http://nope:1"); proto.CodeOf(err) != proto.CodeServerNotFound {
		t.Fatalf("CodeOf(err) = %v, want server_not_found", proto.CodeOf(err))
	}
}
