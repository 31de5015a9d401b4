package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// headerPairs keeps headers as ordered [name, value] pairs, preserving
// duplicates. net/http buckets values per canonical name, so pairs are
// emitted with names sorted and values in wire order within a name.
type headerPairs [][2]string

func toHeaderPairs(h http.Header) headerPairs {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(headerPairs, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, [2]string{name, value})
		}
	}
	return out
}

func (h headerPairs) get(name string) string {
	for _, kv := range h {
		if kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

// Traffic is one captured transaction. It is mutated only by its owning
// Recorder while in flight; once handed to the State store it is read-only.
//
// Bodies marshal as base64 strings. A set-but-empty request or response body
// serializes as "", one that was never captured serializes as null. The raw
// response body is omitted when it is absent or empty.
type Traffic struct {
	ID         int64       `json:"id"`
	URI        string      `json:"uri"`
	Method     string      `json:"method"`
	ReqHeaders headerPairs `json:"req_headers,omitempty"`
	ReqBody    []byte      `json:"req_body"`
	Status     int         `json:"status,omitempty"`
	ResHeaders headerPairs `json:"res_headers,omitempty"`
	ResBody    []byte      `json:"res_body"`
	ResBodyRaw []byte      `json:"res_body_raw,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time"`
}

// Head is the compact projection used by the traffic list and the
// subscription stream. The field set is fixed.
type Head struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	URI    string `json:"uri"`
	Status int    `json:"status"`
	Mime   string `json:"mime"`
}

func (t *Traffic) head() Head {
	return Head{
		ID:     t.ID,
		Method: t.Method,
		URI:    t.URI,
		Status: t.Status,
		Mime:   mimeEssence(t.ResHeaders.get("Content-Type")),
	}
}

// Recorder accumulates one transaction. The dump flag starts true and each
// filter check ANDs into it; once any filter rejects it stays false. The
// record is stored either way, dump only controls the console output.
type Recorder struct {
	traffic *Traffic
	dump    bool
}

func newRecorder(uri, method string) *Recorder {
	return &Recorder{
		traffic: &Traffic{URI: uri, Method: method, StartTime: time.Now().UTC()},
		dump:    true,
	}
}

func (r *Recorder) controlDump(ok bool) { r.dump = r.dump && ok }

func (r *Recorder) setReqHeaders(h http.Header) { r.traffic.ReqHeaders = toHeaderPairs(h) }

func (r *Recorder) setReqBody(body []byte) {
	if body == nil {
		body = []byte{}
	}
	r.traffic.ReqBody = body
}

func (r *Recorder) setResStatus(status int) { r.traffic.Status = status }

func (r *Recorder) setResHeaders(h http.Header) { r.traffic.ResHeaders = toHeaderPairs(h) }

func (r *Recorder) setResBody(body []byte) {
	if body == nil {
		body = []byte{}
	}
	r.traffic.ResBody = body
}

func (r *Recorder) setResBodyRaw(body []byte) { r.traffic.ResBodyRaw = body }

func (r *Recorder) addError(msg string) { r.traffic.Errors = append(r.traffic.Errors, msg) }

// print writes the console dump when the dump flag is still set.
func (r *Recorder) print() {
	if !r.dump {
		return
	}
	fmt.Println(r.render())
}

// takeTraffic finalizes and yields the record. The caller must not use the
// Recorder afterwards.
func (r *Recorder) takeTraffic() *Traffic {
	r.traffic.EndTime = time.Now().UTC()
	return r.traffic
}

func (r *Recorder) render() string {
	t := r.traffic
	var b strings.Builder
	fmt.Fprintf(&b, "\n# %s %s", t.Method, t.URI)
	if t.Status > 0 {
		fmt.Fprintf(&b, " %d", t.Status)
	}
	b.WriteByte('\n')
	renderHeaders(&b, "REQUEST HEADERS", t.ReqHeaders)
	renderBody(&b, "REQUEST BODY", t.ReqBody)
	renderHeaders(&b, "RESPONSE HEADERS", t.ResHeaders)
	renderBody(&b, "RESPONSE BODY", t.ResBody)
	if len(t.Errors) > 0 {
		b.WriteString("\nERRORS\n")
		for _, e := range t.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	return b.String()
}

func renderHeaders(b *strings.Builder, title string, headers headerPairs) {
	if len(headers) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	for _, kv := range headers {
		fmt.Fprintf(b, "  %s: %s\n", kv[0], kv[1])
	}
}

func renderBody(b *strings.Builder, title string, body []byte) {
	if len(body) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	if utf8.Valid(body) {
		fmt.Fprintf(b, "%s\n", body)
	} else {
		fmt.Fprintf(b, "<%d binary bytes>\n", len(body))
	}
}

// errorRecorder collects tunnel errors onto the wrapped Recorder and
// guarantees the record is finalized exactly once, errors or not.
type errorRecorder struct {
	rec      *Recorder
	server   *Server
	finished bool
}

func newErrorRecorder(rec *Recorder, server *Server) *errorRecorder {
	return &errorRecorder{rec: rec, server: server}
}

func (e *errorRecorder) addError(msg string) { e.rec.addError(msg) }

func (e *errorRecorder) finish() {
	if e.finished {
		return
	}
	e.finished = true
	e.server.takeRecorder(e.rec)
}
