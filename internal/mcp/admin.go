package mcp

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
)

// Admin exposes the upstream CRUD surface over HTTP. It is meant to be
// mounted on the localhost-bound agent listener; a loopback check rejects
// anything that slipped through a misconfigured bind address.
type Admin struct {
	agg      *Aggregator
	exporter *Exporter
}

// NewAdmin creates the admin surface. exporter may be nil when re-export is
// disabled.
func NewAdmin(agg *Aggregator, exporter *Exporter) *Admin {
	return &Admin{agg: agg, exporter: exporter}
}

// Register mounts the admin routes on mux.
func (ad *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/servers", ad.localOnly(ad.handleList))
	mux.HandleFunc("POST /mcp/servers", ad.localOnly(ad.handleAdd))
	mux.HandleFunc("DELETE /mcp/servers/{name}", ad.localOnly(ad.handleRemove))
	mux.HandleFunc("POST /mcp/reconnect", ad.localOnly(ad.handleReconnect))
}

func (ad *Admin) localOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !net.ParseIP(host).IsLoopback() {
			http.Error(w, "admin API is local-only", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (ad *Admin) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": ad.agg.Servers()})
}

func (ad *Admin) handleAdd(w http.ResponseWriter, r *http.Request) {
	var cfg ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ad.agg.AddServer(r.Context(), cfg); err != nil {
		slog.Warn("mcp admin: add server failed", "server", cfg.Name, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	ad.rebuildExport(r)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "connected", "name": cfg.Name})
}

func (ad *Admin) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := ad.agg.RemoveServer(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	ad.rebuildExport(r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

func (ad *Admin) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := ad.agg.ConnectAll(r.Context()); err != nil {
		slog.Warn("mcp admin: reconnect finished with errors", "err", err)
	}
	ad.rebuildExport(r)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reconnected", "servers": ad.agg.Servers()})
}

func (ad *Admin) rebuildExport(r *http.Request) {
	if ad.exporter != nil {
		ad.exporter.Rebuild(r.Context())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("mcp admin: encode response", "err", err)
	}
}
