package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "mcp_servers.json")
}

func TestNewStore_MissingFileIsEmpty(t *testing.T) {
	s, err := NewStore(storePath(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("List() = %v, want empty", got)
	}
}

func TestNewStore_ObjectLayout(t *testing.T) {
	path := storePath(t)
	doc := `{"servers":[
		{"name":"files","transport":"stdio","command":"/usr/bin/mcp-files"},
		{"name":"search","transport":"streamable-http","url":"http://localhost:9000/mcp"}
	]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got := s.List()
	if len(got) != 2 || got[0].Name != "files" || got[1].Transport != TransportStreamableHTTP {
		t.Fatalf("List() = %+v", got)
	}
}

func TestNewStore_LegacyBareURLs(t *testing.T) {
	path := storePath(t)
	doc := `["http://localhost:9000/mcp", "https://tools.example.com/search/mcp"]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got := s.List()
	if len(got) != 2 {
		t.Fatalf("List() = %+v, want 2 entries", got)
	}
	for _, cfg := range got {
		if cfg.Transport != TransportStreamableHTTP || cfg.URL == "" || cfg.Name == "" {
			t.Errorf("legacy entry not upgraded: %+v", cfg)
		}
	}
	if got[0].Name == got[1].Name {
		t.Errorf("derived names collide: %q", got[0].Name)
	}
}

func TestNewStore_OperatorLayout(t *testing.T) {
	path := storePath(t)
	doc := `{"servers":[
		{"type":"stdio","command":"npx","args":["-y","@modelcontextprotocol/server-filesystem"]},
		{"type":"http","url":"http://localhost:9000/mcp","api_key":"tok-123"}
	]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got := s.List()
	if len(got) != 2 {
		t.Fatalf("List() = %v, want 2 entries", got)
	}

	if got[0].Transport != TransportStdio {
		t.Errorf("entry 0 transport = %q", got[0].Transport)
	}
	if got[0].Command != "npx -y @modelcontextprotocol/server-filesystem" {
		t.Errorf("entry 0 command = %q", got[0].Command)
	}
	if got[0].Name != "npx" {
		t.Errorf("entry 0 derived name = %q", got[0].Name)
	}

	if got[1].Transport != TransportStreamableHTTP {
		t.Errorf("entry 1 transport = %q", got[1].Transport)
	}
	if got[1].BearerToken != "tok-123" {
		t.Errorf("entry 1 bearer token = %q", got[1].BearerToken)
	}
	if got[1].Name != "localhost:9000" {
		t.Errorf("entry 1 derived name = %q", got[1].Name)
	}
}

func TestNewStore_RejectsDuplicateNames(t *testing.T) {
	path := storePath(t)
	doc := `{"servers":[
		{"name":"x","transport":"stdio","command":"a"},
		{"name":"x","transport":"stdio","command":"b"}
	]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestStore_AddPersistsAtomically(t *testing.T) {
	path := storePath(t)
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cfg := ServerConfig{Name: "files", Transport: TransportStdio, Command: "/usr/bin/mcp-files"}
	if err := s.Add(cfg); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The file on disk must be complete, valid JSON in the object layout.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("store file is not valid JSON: %v", err)
	}
	if len(f.Servers) != 1 {
		t.Fatalf("persisted servers = %d, want 1", len(f.Servers))
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("store dir has %d entries, want just the config", len(entries))
	}
}

func TestStore_AddReplacesByName(t *testing.T) {
	s, err := NewStore(storePath(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = s.Add(ServerConfig{Name: "x", Transport: TransportStdio, Command: "old"})
	_ = s.Add(ServerConfig{Name: "x", Transport: TransportStdio, Command: "new"})

	got := s.List()
	if len(got) != 1 || got[0].Command != "new" {
		t.Fatalf("List() = %+v, want single replaced entry", got)
	}
}

func TestStore_RemoveUnknown(t *testing.T) {
	s, err := NewStore(storePath(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Remove("ghost"); err == nil {
		t.Fatal("expected error removing unknown server")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := storePath(t)
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = s.Add(ServerConfig{Name: "a", Transport: TransportStdio, Command: "cmd-a", Env: map[string]string{"K": "v"}})
	_ = s.Add(ServerConfig{Name: "b", Transport: TransportStreamableHTTP, URL: "http://localhost:1/mcp", BearerToken: "tok"})

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.List()
	if len(got) != 2 || got[0].Env["K"] != "v" || got[1].BearerToken != "tok" {
		t.Fatalf("reloaded = %+v", got)
	}
}
