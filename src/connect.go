package main

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/http2"
)

// handleConnect upgrades the inbound connection and runs the per-tunnel
// state machine: sniff the first bytes of the upgraded stream, then branch
// between plaintext HTTP, TLS interception and opaque pass-through.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, recorder *Recorder) {
	authority := r.URL.Host
	if authority == "" {
		recorder.addError("missing connect authority")
		s.takeRecorder(recorder)
		http.Error(w, "missing connect authority", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		s.internalServerError(w, errors.New("connection does not support hijacking"), recorder)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		s.internalServerError(w, fmt.Errorf("upgrade error: %w", err), recorder)
		return
	}

	go s.tunnel(conn, brw.Reader, authority, recorder)
}

func (s *Server) tunnel(conn net.Conn, rd *bufio.Reader, authority string, rec *Recorder) {
	er := newErrorRecorder(rec, s)
	defer er.finish()
	defer conn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		er.addError(fmt.Sprintf("failed to answer connect: %v", err))
		return
	}

	// The server's bufio reader may already hold client bytes; put them
	// back in front of the raw connection before peeking.
	if n := rd.Buffered(); n > 0 {
		buffered, _ := rd.Peek(n)
		conn = newRewindConn(conn, bytes.Clone(buffered))
	}

	// Peek up to 4 bytes, tolerating short reads.
	peek := make([]byte, 4)
	n, err := io.ReadFull(conn, peek)
	if n == 0 {
		if err != nil && err != io.EOF {
			er.addError(fmt.Sprintf("failed to read from upgraded connection: %v", err))
		}
		return
	}
	peek = peek[:n]
	upgraded := newRewindConn(conn, bytes.Clone(peek))

	switch {
	case bytes.Equal(peek, []byte("GET ")):
		tunnelsTotal.WithLabelValues("http").Inc()
		if err := s.serveTunnel(upgraded, "http", authority, nil); err != nil {
			er.addError(fmt.Sprintf("websocket connect error: %v", err))
		}
	case len(peek) >= 2 && peek[0] == 0x16 && peek[1] == 0x03:
		tunnelsTotal.WithLabelValues("https").Inc()
		tlsCfg, err := s.ca.genServerConfig(authority)
		if err != nil {
			er.addError(fmt.Sprintf("failed to build server config: %v", err))
			return
		}
		tlsConn := tls.Server(upgraded, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			er.addError(fmt.Sprintf("failed to establish tls connection: %v", err))
			return
		}
		if err := s.serveTunnel(tlsConn, "https", authority, tlsConn); err != nil {
			er.addError(fmt.Sprintf("https connect error: %v", err))
		}
	default:
		tunnelsTotal.WithLabelValues("opaque").Inc()
		er.addError(fmt.Sprintf("unknown protocol, read % 02X from upgraded connection", peek))
		upstream, err := net.Dial("tcp", authorityAddr(authority))
		if err != nil {
			er.addError(fmt.Sprintf("failed to connect to %s: %v", authority, err))
			return
		}
		defer upstream.Close()
		if err := relay(upgraded, upstream); err != nil {
			er.addError(fmt.Sprintf("failed to tunnel unknown protocol to %s: %v", authority, err))
		}
	}
}

// serveTunnel re-enters HTTP serving on the upgraded stream. Requests in
// origin-form get the tunnel's scheme and authority so the mediator sees
// absolute URLs. tlsConn is non-nil on the intercepted-TLS branch, where
// ALPN may have negotiated HTTP/2. Connection-shutdown errors from the
// inner server are demoted to nil.
func (s *Server) serveTunnel(conn net.Conn, scheme, authority string, tlsConn *tls.Conn) error {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Scheme == "" {
			r.URL.Scheme = scheme
			r.URL.Host = authority
		}
		s.handle(w, r)
	})

	if tlsConn != nil && tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		s.h2Server.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: handler})
		return nil
	}

	err := (&http.Server{Handler: handler}).Serve(newOneShotListener(conn))
	if isClosedConnError(err) {
		return nil
	}
	return err
}

// relay bidirectionally copies the opaque tunnel. Whichever side finishes
// first unblocks the other by closing both connections.
func relay(client, upstream net.Conn) error {
	errc := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		errc <- err
	}
	go cp(upstream, client)
	go cp(client, upstream)
	err := <-errc
	client.Close()
	upstream.Close()
	<-errc
	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

// authorityAddr ensures the authority carries a port, defaulting to 443.
func authorityAddr(authority string) string {
	if _, _, err := net.SplitHostPort(authority); err == nil {
		return authority
	}
	return net.JoinHostPort(authority, "443")
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, http.ErrServerClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// oneShotListener feeds a single upgraded connection to an http.Server.
// The second Accept blocks until that connection closes, so Serve keeps
// handling keep-alive requests until the tunnel ends.
type oneShotListener struct {
	conn net.Conn
	addr net.Addr
	done chan struct{}
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{conn: conn, addr: conn.LocalAddr(), done: make(chan struct{})}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	if l.conn == nil {
		<-l.done
		return nil, net.ErrClosed
	}
	conn := &notifyCloseConn{Conn: l.conn, done: l.done}
	l.conn = nil
	return conn, nil
}

func (l *oneShotListener) Close() error   { return nil }
func (l *oneShotListener) Addr() net.Addr { return l.addr }

type notifyCloseConn struct {
	net.Conn
	done chan struct{}
	once sync.Once
}

func (c *notifyCloseConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.Conn.Close()
}
