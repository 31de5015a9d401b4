package main

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/http2"
)

const (
	certSiteURL = "http://proxyfor.local/"
	webUIPrefix = "/__proxyfor__"
)

// Server mediates every proxied transaction: it resolves the target URL,
// intercepts control-surface paths, forwards to the upstream, records both
// directions and hands completed records to the State store. CONNECT
// requests are routed to the tunnel state machine in connect.go.
type Server struct {
	reverseProxyURL string
	ca              *certAuthority
	titleFilters    []titleFilter
	mimeFilters     []string
	state           *State
	h2Server        *http2.Server
	client          *http.Client
}

type serverConfig struct {
	ReverseProxyURL string
	CA              *certAuthority
	TitleFilters    []titleFilter
	MimeFilters     []string
}

func newServer(cfg serverConfig) *Server {
	// The transport picks the connector by scheme: plain TCP for http,
	// TLS with system roots for https. ALPN is pinned to HTTP/1.1 so the
	// upstream side stays frame-compatible with full-body buffering.
	transport := &http.Transport{
		TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
		ForceAttemptHTTP2: false,
		// No transparent gzip: the client's own Accept-Encoding is
		// forwarded and the wire bytes must reach it untouched.
		DisableCompression: true,
	}
	return &Server{
		reverseProxyURL: strings.TrimSuffix(cfg.ReverseProxyURL, "/"),
		ca:              cfg.CA,
		titleFilters:    cfg.TitleFilters,
		mimeFilters:     cfg.MimeFilters,
		state:           newState(),
		h2Server:        &http2.Server{},
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reqURI := r.URL.String()
	if r.Method == http.MethodConnect {
		reqURI = r.URL.Host
	}
	method := r.Method
	slog.Debug("proxy request", "method", method, "uri", reqURI)

	var url string
	switch {
	case !strings.HasPrefix(reqURI, "/") || strings.HasPrefix(reqURI, webUIPrefix):
		url = reqURI
	case s.reverseProxyURL != "":
		if reqURI == "/" {
			url = s.reverseProxyURL
		} else {
			url = s.reverseProxyURL + reqURI
		}
	default:
		s.internalServerError(w, errors.New("no reverse proxy url"), newRecorder(reqURI, method))
		return
	}

	path := url
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	if rest, ok := strings.CutPrefix(path, certSiteURL); ok {
		s.handleCertSite(w, r, rest)
		return
	}
	if rest, ok := strings.CutPrefix(path, webUIPrefix); ok {
		s.handleWebUI(w, r, rest)
		return
	}

	recorder := newRecorder(url, method)
	recorder.controlDump(matchTitle(s.titleFilters, method+" "+url))

	if method == http.MethodConnect {
		recorder.controlDump(len(s.titleFilters) > 0 || len(s.mimeFilters) > 0)
		s.handleConnect(w, r, recorder)
		return
	}

	recorder.setReqHeaders(r.Header)

	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		s.internalServerError(w, err, recorder)
		return
	}
	recorder.setReqBody(reqBody)

	proxyReq, err := http.NewRequestWithContext(r.Context(), method, url, bytes.NewReader(reqBody))
	if err != nil {
		s.internalServerError(w, err, recorder)
		return
	}
	// Host is derived by the connector from the target URL.
	for name, values := range r.Header {
		if name == "Host" {
			continue
		}
		for _, value := range values {
			proxyReq.Header.Add(name, value)
		}
	}

	resp, err := s.client.Do(proxyReq)
	if err != nil {
		s.internalServerError(w, err, recorder)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		recorder.controlDump(matchMime(s.mimeFilters, ct))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.internalServerError(w, err, recorder)
		return
	}

	recorder.setResStatus(resp.StatusCode)
	recorder.setResHeaders(resp.Header)

	// The record gets the decoded body when the encoding is recognized;
	// the downstream client always gets the wire bytes.
	if decoded, ok := decompressBody(respBody, resp.Header.Get("Content-Encoding")); ok {
		recorder.setResBody(decoded)
		recorder.setResBodyRaw(respBody)
	} else {
		recorder.setResBody(respBody)
	}

	s.takeRecorder(recorder)

	hdr := w.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			hdr.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		slog.Debug("write downstream response", "error", err)
	}
}

// takeRecorder finalizes the transaction: console dump, transfer to the
// State store, head broadcast.
func (s *Server) takeRecorder(recorder *Recorder) {
	recorder.print()
	traffic := recorder.takeTraffic()
	head := s.state.add(traffic)
	trafficsTotal.WithLabelValues(traffic.Method, statusClass(traffic.Status)).Inc()
	slog.Debug("traffic recorded", "id", head.ID, "method", head.Method, "uri", head.URI, "status", head.Status)
}

func (s *Server) internalServerError(w http.ResponseWriter, err error, recorder *Recorder) {
	recorder.addError(err.Error())
	s.takeRecorder(recorder)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
