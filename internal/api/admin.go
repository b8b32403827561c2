package api

import (
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/httputil"
	"github.com/routecodex/routecodex/pkg/errors"
)

// handleAdminConfig serves the runtime configuration to local callers.
// GET returns the active config with secret material masked; POST
// validates a replacement and writes it to the config file, where the
// watcher picks it up.
func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeError(w, r, errors.NewForbiddenError("", "admin endpoints are local-only"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.adminGetConfig(w, r)
	case http.MethodPost:
		s.adminPostConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) adminGetConfig(w http.ResponseWriter, r *http.Request) {
	redacted := *s.gateway.cfg
	redacted.Vault.Token = mask(redacted.Vault.Token)
	redacted.Vault.SecretID = mask(redacted.Vault.SecretID)
	redacted.Redis.Password = mask(redacted.Redis.Password)
	if redacted.Snapshots.S3 != nil {
		s3 := *redacted.Snapshots.S3
		s3.SecretKey = mask(s3.SecretKey)
		redacted.Snapshots.S3 = &s3
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&redacted); err != nil {
		s.logger.WithRequestID(r.Context()).Debug("config write failed", "error", err)
	}
}

func (s *Server) adminPostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadLimitedBody(r.Body, s.gateway.cfg.Server.MaxBodyBytes)
	if err != nil {
		writeError(w, r, errors.NewValidationError("read config body: "+err.Error()))
		return
	}

	var next config.Config
	if err := yaml.Unmarshal(body, &next); err != nil {
		writeError(w, r, errors.NewValidationError("parse config: "+err.Error()))
		return
	}
	if err := next.Validate(); err != nil {
		writeError(w, r, errors.NewValidationError("validate config: "+err.Error()))
		return
	}

	if s.ConfigPath == "" {
		writeError(w, r, errors.NewValidationError("no config file path; updates are disabled"))
		return
	}
	if err := writeConfigFile(s.ConfigPath, body); err != nil {
		writeError(w, r, errors.NewUpstreamError("", "persist config: "+err.Error()))
		return
	}

	s.logger.WithRequestID(r.Context()).Info("configuration updated", "path", s.ConfigPath)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// writeConfigFile replaces the config atomically so the fsnotify watcher
// never reads a half-written file.
func writeConfigFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}
