package registry

import (
	"context"
	"testing"
	"time"

	"termd/internal/proto"
)

func TestCreate_AutoGeneratesName(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	info, err := r.Create(proto.CreateSessionRequest{Command: "cat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Name != "default" {
		t.Fatalf("Name = %q, want default", info.Name)
	}

	info2, err := r.Create(proto.CreateSessionRequest{Command: "cat"})
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if info2.Name != "session-1" {
		t.Fatalf("Name = %q, want session-1", info2.Name)
	}
}

func TestCreate_DuplicateNameConflicts(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	if _, err := r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"})
	if proto.CodeOf(err) != proto.CodeSessionNameConflict {
		t.Fatalf("CodeOf(err) = %v, want session_name_conflict", proto.CodeOf(err))
	}
}

func TestCreate_RejectsInvalidTag(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	_, err := r.Create(proto.CreateSessionRequest{Command: "cat", Tags: []string{"bad tag!"}})
	if proto.CodeOf(err) != proto.CodeInvalidTag {
		t.Fatalf("CodeOf(err) = %v, want invalid_tag", proto.CodeOf(err))
	}
}

func TestRename_SwapsKeyAndRejectsConflict(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"})
	r.Create(proto.CreateSessionRequest{Name: "b", Command: "cat"})

	if err := r.Rename("a", "c"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := r.Get("c"); !ok {
		t.Fatal("renamed session not found under new name")
	}
	if err := r.Rename("c", "b"); proto.CodeOf(err) != proto.CodeSessionNameConflict {
		t.Fatalf("Rename onto existing name: CodeOf = %v, want conflict", proto.CodeOf(err))
	}
}

func TestUpdateTags_AddAndRemove(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat", Tags: []string{"x"}})
	if err := r.UpdateTags("a", []string{"y"}, []string{"x"}); err != nil {
		t.Fatalf("UpdateTags: %v", err)
	}

	list := r.List(proto.ListRequest{Tags: []string{"y"}})
	if len(list) != 1 || list[0].Name != "a" {
		t.Fatalf("List(tag=y) = %+v, want [a]", list)
	}
	if list := r.List(proto.ListRequest{Tags: []string{"x"}}); len(list) != 0 {
		t.Fatalf("List(tag=x) = %+v, want empty after removal", list)
	}
}

func TestList_TagUnionFilter(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat", Tags: []string{"x"}})
	r.Create(proto.CreateSessionRequest{Name: "b", Command: "cat", Tags: []string{"y"}})
	r.Create(proto.CreateSessionRequest{Name: "c", Command: "cat", Tags: []string{"z"}})

	list := r.List(proto.ListRequest{Tags: []string{"x", "y"}})
	if len(list) != 2 {
		t.Fatalf("List(x,y) returned %d sessions, want 2", len(list))
	}
}

func TestKill_RemovesFromRegistryAndEmitsDestroyed(t *testing.T) {
	r := New(true, 100, nil)
	ch, cancel := r.Lifecycle().Subscribe()
	defer cancel()

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"})
	drainUntil(t, ch, proto.EventSessionCreated)

	if err := r.Kill("a"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("killed session still present in registry")
	}
	drainUntil(t, ch, proto.EventSessionDestroyed)
}

func TestEphemeralMode_SignalsOnLastSessionExit(t *testing.T) {
	signaled := make(chan struct{}, 1)
	r := New(false, 100, func() { signaled <- struct{}{} })

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"})
	if err := r.Kill("a"); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("ephemeral shutdown signal never fired")
	}
}

func TestPersistentMode_DoesNotSignalOnLastSessionExit(t *testing.T) {
	signaled := make(chan struct{}, 1)
	r := New(true, 100, func() { signaled <- struct{}{} })

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"})
	r.Kill("a")

	select {
	case <-signaled:
		t.Fatal("persistent mode must not signal shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAwaitIdle_RacesAcrossSessions(t *testing.T) {
	r := New(true, 100, nil)
	defer killAll(r)

	r.Create(proto.CreateSessionRequest{Name: "a", Command: "cat"})
	r.Create(proto.CreateSessionRequest{Name: "b", Command: "cat"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.AwaitIdle(ctx, proto.AwaitIdleRequest{ThresholdMs: 30})
	if err != nil {
		t.Fatalf("AwaitIdle: %v", err)
	}
	if res.Name != "a" && res.Name != "b" {
		t.Fatalf("Name = %q, want a or b", res.Name)
	}
}

func killAll(r *Registry) {
	for _, info := range r.List(proto.ListRequest{}) {
		r.Kill(info.Name)
	}
}

func drainUntil(t *testing.T, ch <-chan proto.Event, kind proto.EventKind) proto.Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}
