package socketdir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		socketType, name string
		want             string
	}{
		{TypeDaemon, "default", "daemon.default.sock"},
		{TypeDaemon, "silent-deer", "daemon.silent-deer.sock"},
	}
	for _, tt := range tests {
		got := Format(tt.socketType, tt.name)
		if got != tt.want {
			t.Errorf("Format(%q, %q) = %q, want %q", tt.socketType, tt.name, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		filename string
		wantType string
		wantName string
		wantOK   bool
	}{
		{"daemon.default.sock", TypeDaemon, "default", true},
		{"daemon.silent-deer.sock", TypeDaemon, "silent-deer", true},
		{"notasocket.txt", "", "", false},
		{"noperiod.sock", "", "", false},
		{".sock", "", "", false},
		{"onlyone.sock", "", "", false},
		{"daemon..sock", TypeDaemon, "", true}, // degenerate but parseable
	}
	for _, tt := range tests {
		entry, ok := Parse(tt.filename)
		if ok != tt.wantOK {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.filename, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if entry.Type != tt.wantType {
			t.Errorf("Parse(%q).Type = %q, want %q", tt.filename, entry.Type, tt.wantType)
		}
		if entry.Name != tt.wantName {
			t.Errorf("Parse(%q).Name = %q, want %q", tt.filename, entry.Name, tt.wantName)
		}
	}
}

func TestPathIn(t *testing.T) {
	got := PathIn("/etc/termd/sockets", TypeDaemon, "default")
	want := filepath.Join("/etc/termd/sockets", "daemon.default.sock")
	if got != want {
		t.Errorf("PathIn(...) = %q, want %q", got, want)
	}
}

func TestListIn(t *testing.T) {
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "daemon.default.sock"), nil, 0o600)
	os.WriteFile(filepath.Join(dir, "daemon.worker.sock"), nil, 0o600)
	os.WriteFile(filepath.Join(dir, "random.txt"), nil, 0o600)      // ignored
	os.WriteFile(filepath.Join(dir, "old-format.sock"), nil, 0o600) // ignored (no type.name format)

	entries, err := ListIn(dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}

	types := make(map[string]int)
	for _, e := range entries {
		types[e.Type]++
		if e.Path == "" {
			t.Error("entry has empty Path")
		}
	}
	if types[TypeDaemon] != 2 {
		t.Errorf("expected 2 daemon entries, got %d", types[TypeDaemon])
	}
}

func TestListByType(t *testing.T) {
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "daemon.default.sock"), nil, 0o600)
	os.WriteFile(filepath.Join(dir, "daemon.worker.sock"), nil, 0o600)

	daemons, err := ListByTypeIn(dir, TypeDaemon)
	if err != nil {
		t.Fatal(err)
	}
	if len(daemons) != 2 {
		t.Errorf("expected 2 daemons, got %d", len(daemons))
	}
}

func TestListIn_EmptyDir(t *testing.T) {
	entries, err := ListIn(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(entries))
	}
}

func TestListIn_NonexistentDir(t *testing.T) {
	entries, err := ListIn("/nonexistent/path")
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("expected nil, got %v", entries)
	}
}

