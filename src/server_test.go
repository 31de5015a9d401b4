package main

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, reverseProxyURL string) *Server {
	t.Helper()
	ca, err := newCertAuthority(t.TempDir())
	if err != nil {
		t.Fatalf("new cert authority: %v", err)
	}
	return newServer(serverConfig{
		ReverseProxyURL: reverseProxyURL,
		CA:              ca,
	})
}

// allowSelfSignedUpstream points the mediator's client at test upstreams
// that present httptest's self-signed certificate.
func allowSelfSignedUpstream(s *Server) {
	s.client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"http/1.1"},
		},
		DisableCompression: true,
	}
}

func waitForTraffic(t *testing.T, s *Server, pred func(*Traffic) bool) *Traffic {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, head := range s.state.list() {
			traffic, ok := s.state.get(head.ID)
			if ok && pred(traffic) {
				return traffic
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for traffic record")
	return nil
}

func TestForwardReverseProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hi")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	rr := httptest.NewRecorder()
	s.handle(rr, httptest.NewRequest("GET", "/hello", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "hi" {
		t.Fatalf("expected body hi, got %q", rr.Body.String())
	}

	heads := s.state.list()
	if len(heads) != 1 {
		t.Fatalf("expected 1 head, got %d", len(heads))
	}
	head := heads[0]
	if head.Method != "GET" || head.URI != upstream.URL+"/hello" || head.Status != 200 {
		t.Fatalf("unexpected head: %+v", head)
	}
}

func TestForwardEmptyBodiesRecordedAsEmpty(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	rr := httptest.NewRecorder()
	s.handle(rr, httptest.NewRequest("GET", "/empty", nil))

	traffic, ok := s.state.get(1)
	if !ok {
		t.Fatal("expected a record")
	}
	if traffic.ReqBody == nil || traffic.ResBody == nil {
		t.Fatal("empty bodies must be recorded as empty, not missing")
	}
}

func TestForwardNoReverseProxyURL(t *testing.T) {
	s := newTestServer(t, "")
	rr := httptest.NewRecorder()
	s.handle(rr, httptest.NewRequest("GET", "/foo", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "no reverse proxy url") {
		t.Fatalf("expected error body, got %q", rr.Body.String())
	}

	traffic, ok := s.state.get(1)
	if !ok {
		t.Fatal("failed transaction must still be recorded")
	}
	if len(traffic.Errors) != 1 || !strings.Contains(traffic.Errors[0], "no reverse proxy url") {
		t.Fatalf("expected recorded error, got %v", traffic.Errors)
	}
}

func TestForwardGzipPassThrough(t *testing.T) {
	wire := gzipBytes(t, []byte("ok"))
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		w.Write(wire)
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	rr := httptest.NewRecorder()
	s.handle(rr, httptest.NewRequest("GET", "/data", nil))

	if !bytes.Equal(rr.Body.Bytes(), wire) {
		t.Fatal("downstream must receive the wire bytes unchanged")
	}

	traffic, ok := s.state.get(1)
	if !ok {
		t.Fatal("expected a record")
	}
	if string(traffic.ResBody) != "ok" {
		t.Fatalf("record must carry the decoded body, got %q", traffic.ResBody)
	}
	if !bytes.Equal(traffic.ResBodyRaw, wire) {
		t.Fatal("record must keep the wire bytes alongside the decoded body")
	}
}

func TestForwardRequestBodyRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	payload := "some request payload"
	s := newTestServer(t, upstream.URL)
	rr := httptest.NewRecorder()
	s.handle(rr, httptest.NewRequest("POST", "/submit", strings.NewReader(payload)))

	// reconstruct the body through the detail endpoint
	detail := httptest.NewRecorder()
	s.handle(detail, httptest.NewRequest("GET", webUIPrefix+"/traffic/1", nil))
	if detail.Code != http.StatusOK {
		t.Fatalf("expected 200 from detail, got %d", detail.Code)
	}
	var got Traffic
	if err := json.Unmarshal(detail.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if string(got.ReqBody) != payload {
		t.Fatalf("request body does not round-trip, got %q", got.ReqBody)
	}
}

func TestCertSite(t *testing.T) {
	s := newTestServer(t, "")

	index := httptest.NewRecorder()
	s.handle(index, httptest.NewRequest("GET", "http://proxyfor.local/", nil))
	if index.Code != http.StatusOK || !strings.Contains(index.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html index, got %d %q", index.Code, index.Header().Get("Content-Type"))
	}

	for _, name := range []string{"proxyfor-ca-cert.cer", "proxyfor-ca-cert.pem"} {
		rr := httptest.NewRecorder()
		s.handle(rr, httptest.NewRequest("GET", "http://proxyfor.local/"+name, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, rr.Code)
		}
		if got := rr.Header().Get("Content-Type"); got != "application/x-x509-ca-cert" {
			t.Fatalf("%s: unexpected content type %q", name, got)
		}
		if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, name) {
			t.Fatalf("%s: unexpected disposition %q", name, got)
		}
		if !bytes.Equal(rr.Body.Bytes(), s.ca.caCertPEM()) {
			t.Fatalf("%s: body must be the root PEM", name)
		}
	}

	missing := httptest.NewRecorder()
	s.handle(missing, httptest.NewRequest("GET", "http://proxyfor.local/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestWebUIEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hi")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	s.handle(httptest.NewRecorder(), httptest.NewRequest("GET", "/one", nil))
	s.handle(httptest.NewRecorder(), httptest.NewRequest("GET", "/two", nil))

	index := httptest.NewRecorder()
	s.handle(index, httptest.NewRequest("GET", webUIPrefix+"/", nil))
	if index.Code != http.StatusOK || !strings.Contains(index.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html index, got %d", index.Code)
	}

	list := httptest.NewRecorder()
	s.handle(list, httptest.NewRequest("GET", webUIPrefix+"/traffics", nil))
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	var heads []Head
	if err := json.Unmarshal(list.Body.Bytes(), &heads); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(heads) != 2 || heads[0].ID != 1 || heads[1].ID != 2 {
		t.Fatalf("unexpected heads: %+v", heads)
	}

	notFound := httptest.NewRecorder()
	s.handle(notFound, httptest.NewRequest("GET", webUIPrefix+"/traffic/99", nil))
	if notFound.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", notFound.Code)
	}

	unknown := httptest.NewRecorder()
	s.handle(unknown, httptest.NewRequest("GET", webUIPrefix+"/bogus", nil))
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sub-path, got %d", unknown.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	trafficsTotal.WithLabelValues("GET", "2xx").Inc()

	rr := httptest.NewRecorder()
	s.handle(rr, httptest.NewRequest("GET", webUIPrefix+"/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "proxyfor_traffics_total") {
		t.Fatal("metrics output must include the traffic counter")
	}
}

func TestSubscribeStreamsToAllSubscribers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hi")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	proxy := httptest.NewServer(s)
	defer proxy.Close()

	openSubscriber := func() *http.Response {
		resp, err := http.Get(proxy.URL + webUIPrefix + "/subscribe")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
			t.Fatalf("expected no-cache, got %q", got)
		}
		return resp
	}

	firstResp := openSubscriber()
	defer firstResp.Body.Close()
	secondResp := openSubscriber()
	defer secondResp.Body.Close()
	first := bufio.NewScanner(firstResp.Body)
	second := bufio.NewScanner(secondResp.Body)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(proxy.URL + fmt.Sprintf("/req-%d", i))
		if err != nil {
			t.Fatalf("forward request: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	for name, scanner := range map[string]*bufio.Scanner{"first": first, "second": second} {
		for want := int64(1); want <= 3; want++ {
			if !scanner.Scan() {
				t.Fatalf("%s subscriber: stream ended early: %v", name, scanner.Err())
			}
			var head Head
			if err := json.Unmarshal(scanner.Bytes(), &head); err != nil {
				t.Fatalf("%s subscriber: bad line %q: %v", name, scanner.Text(), err)
			}
			if head.ID != want {
				t.Fatalf("%s subscriber: expected head %d, got %d", name, want, head.ID)
			}
		}
	}
}
