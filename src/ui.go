package main

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed assets/*
var assetsFS embed.FS

// handleCertSite serves the CA install page and the root certificate
// download under http://proxyfor.local/.
func (s *Server) handleCertSite(w http.ResponseWriter, r *http.Request, path string) {
	switch path {
	case "":
		page, err := assetsFS.ReadFile("assets/install-certificate.html")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		_, _ = w.Write(page)
	case "proxyfor-ca-cert.cer", "proxyfor-ca-cert.pem":
		body := s.ca.caCertPEM()
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	default:
		http.NotFound(w, r)
	}
}

// handleWebUI serves the inspection interface under the UI prefix.
func (s *Server) handleWebUI(w http.ResponseWriter, r *http.Request, path string) {
	switch {
	case path == "" || path == "/":
		page, err := assetsFS.ReadFile("assets/webui.html")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		_, _ = w.Write(page)
	case path == "/traffics":
		s.writePrettyJSON(w, s.state.list())
	case strings.HasPrefix(path, "/traffic/"):
		id, err := strconv.ParseInt(strings.TrimPrefix(path, "/traffic/"), 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		traffic, ok := s.state.get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.writePrettyJSON(w, traffic)
	case path == "/subscribe":
		s.handleSubscribe(w, r)
	case path == "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writePrettyJSON(w http.ResponseWriter, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// handleSubscribe streams heads as newline-terminated JSON lines: first the
// snapshot of existing records, then each newly broadcast head. Closes when
// the client disconnects or the subscriber lags out.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")

	snapshot, sub := s.state.subscribe()
	defer s.state.unsubscribe(sub)

	enc := json.NewEncoder(w)
	for _, head := range snapshot {
		if err := enc.Encode(head); err != nil {
			return
		}
	}
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case head, ok := <-sub.ch:
			if !ok {
				if sub.lagged.Load() {
					fmt.Fprintln(w, `{"error":"subscriber lagged, resync via /traffics"}`)
					flusher.Flush()
				}
				return
			}
			if err := enc.Encode(head); err != nil {
				slog.Debug("subscriber write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
