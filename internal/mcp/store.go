package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists the upstream list to a small JSON file. Every mutation
// rewrites the whole file atomically (temp file + rename) so a crash never
// leaves a half-written config behind.
//
// Several layouts are accepted on read: the canonical object form
// {"servers":[{...}]}, the operator-facing entry shape with "type"/"args"/
// "api_key" keys, and a legacy bare array of URL strings. Everything is
// normalized to the canonical form on the next save.
type Store struct {
	path string

	mu      sync.Mutex
	servers []ServerConfig
}

type storeFile struct {
	Servers []json.RawMessage `json:"servers"`
}

// NewStore loads (or initializes) the upstream list at path. A missing file
// is not an error; it yields an empty list.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: read %q: %w", path, err)
	}

	servers, err := parseServers(data)
	if err != nil {
		return nil, fmt.Errorf("mcp: parse %q: %w", path, err)
	}
	s.servers = servers
	return s, nil
}

// parseServers accepts both the object layout and the legacy bare array.
func parseServers(data []byte) ([]ServerConfig, error) {
	var raw []json.RawMessage

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	} else {
		var f storeFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		raw = f.Servers
	}

	var out []ServerConfig
	seen := make(map[string]bool)
	for i, entry := range raw {
		cfg, err := parseEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("entry %d: duplicate server name %q", i, cfg.Name)
		}
		seen[cfg.Name] = true
		out = append(out, cfg)
	}
	return out, nil
}

// serverEntry is the wire form of one server. It unifies the canonical keys
// the store writes with the operator-facing layout
// ({"type":"stdio","command":...,"args":[...]} / {"type":"http","url":...,
// "api_key":...}) so hand-written files in either shape load.
type serverEntry struct {
	Name        string            `json:"name"`
	Transport   Transport         `json:"transport"`
	Type        string            `json:"type"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	URL         string            `json:"url"`
	BearerToken string            `json:"bearer_token"`
	APIKey      string            `json:"api_key"`
	Env         map[string]string `json:"env"`
}

// parseEntry decodes one server entry: a config object in either accepted
// layout, or a legacy bare URL string.
func parseEntry(raw json.RawMessage) (ServerConfig, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		cfg := ServerConfig{
			Name:      nameFromURL(s),
			Transport: TransportStreamableHTTP,
			URL:       s,
		}
		return cfg, cfg.Validate()
	}

	var e serverEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		Name:        e.Name,
		Transport:   e.Transport,
		Command:     e.Command,
		URL:         e.URL,
		BearerToken: e.BearerToken,
		Env:         e.Env,
	}
	if len(e.Args) > 0 {
		parts := e.Args
		if e.Command != "" {
			parts = append([]string{e.Command}, e.Args...)
		}
		cfg.Command = strings.Join(parts, " ")
	}
	if cfg.BearerToken == "" {
		cfg.BearerToken = e.APIKey
	}
	if cfg.Transport == "" {
		switch e.Type {
		case "stdio":
			cfg.Transport = TransportStdio
		case "http", "streamable-http":
			cfg.Transport = TransportStreamableHTTP
		case "":
			// No transport given at all; infer from the fields present.
			if cfg.URL != "" {
				cfg.Transport = TransportStreamableHTTP
			} else if cfg.Command != "" {
				cfg.Transport = TransportStdio
			}
		}
	}
	if cfg.Name == "" {
		switch cfg.Transport {
		case TransportStreamableHTTP:
			cfg.Name = nameFromURL(cfg.URL)
		case TransportStdio:
			cfg.Name = nameFromCommand(cfg.Command)
		}
	}
	return cfg, cfg.Validate()
}

// nameFromCommand derives a stable server name from a stdio command line:
// the executable's base name.
func nameFromCommand(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// nameFromURL derives a stable server name from a bare URL entry.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	name := u.Host
	if p := strings.Trim(u.Path, "/"); p != "" && p != "mcp" {
		name += "-" + strings.ReplaceAll(p, "/", "-")
	}
	return name
}

// List returns a copy of the persisted upstream list in file order.
func (s *Store) List() []ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerConfig, len(s.servers))
	copy(out, s.servers)
	return out
}

// Add appends (or replaces, matched by name) a server and rewrites the file.
func (s *Store) Add(cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.servers {
		if existing.Name == cfg.Name {
			s.servers[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		s.servers = append(s.servers, cfg)
	}
	return s.flushLocked()
}

// Remove deletes a server by name and rewrites the file. Removing an unknown
// name is an error so the admin API can report it.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.servers {
		if existing.Name == name {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			return s.flushLocked()
		}
	}
	return fmt.Errorf("mcp: server %q is not configured", name)
}

// flushLocked writes the current list atomically. Must be called with s.mu
// held.
func (s *Store) flushLocked() error {
	entries := make([]json.RawMessage, 0, len(s.servers))
	for _, cfg := range s.servers {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("mcp: marshal server %q: %w", cfg.Name, err)
		}
		entries = append(entries, data)
	}

	data, err := json.MarshalIndent(storeFile{Servers: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("mcp: marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".mcp_servers-*.json")
	if err != nil {
		return fmt.Errorf("mcp: create temp store: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("mcp: write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("mcp: close temp store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("mcp: replace store: %w", err)
	}
	return nil
}
