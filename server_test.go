package fcgisrv

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoHandler answers every request by echoing the REQUEST_URI param
// followed by the full stdin body to stdout, then ends the request.
// It also records every callback invocation for assertions.
type echoHandler struct {
	NoopHandler

	mu       sync.Mutex
	aborted  int
	resetFor []int
	stdin    map[int][]byte
}

func newEchoHandler() *echoHandler {
	return &echoHandler{stdin: make(map[int][]byte)}
}

func (h *echoHandler) NewRequest(c *Conn) {
	uri, _ := c.EnvironLookup("REQUEST_URI")
	_ = c.SendStdout([]byte("echo:" + uri + "\n"))
}

func (h *echoHandler) ReceivedStdin(c *Conn, chunk []byte) {
	h.mu.Lock()
	h.stdin[c.ID()] = append(h.stdin[c.ID()], chunk...)
	h.mu.Unlock()
	if len(chunk) == 0 {
		_ = c.SendStdout(h.stdin[c.ID()])
		_ = c.SendStdout(nil)
		_ = c.EndRequest(0, StatusRequestComplete)
	}
}

func (h *echoHandler) RequestAborted(c *Conn) {
	h.mu.Lock()
	h.aborted++
	h.mu.Unlock()
}

func (h *echoHandler) ResetConnection(c *Conn) {
	h.mu.Lock()
	h.resetFor = append(h.resetFor, c.ID())
	h.mu.Unlock()
}

// testServer bundles a live listener, a running pollLoop, and the
// Server under test, all torn down by t.Cleanup.
type testServer struct {
	addr    string
	srv     *Server
	handler *echoHandler
	stop    chan struct{}
}

func startTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tcpLn := ln.(*net.TCPListener)
	f, err := tcpLn.File()
	require.NoError(t, err)
	listenFD := int(f.Fd())

	// The Go runtime's netpoller and our raw-fd server cannot share the
	// same fd: hand it off by closing the net.Listener wrapper (dup'd
	// by File()) and keeping only the raw duplicate.
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	loop := NewPollLoop()
	handler := newEchoHandler()
	cfg := DefaultConfig()
	srv, err := NewServer(loop, listenFD, handler, cfg, opts...)
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() { _ = loop.Run(stop) }()

	ts := &testServer{addr: addr, srv: srv, handler: handler, stop: stop}
	t.Cleanup(func() {
		close(stop)
		_ = srv.Close()
		_ = f.Close()
	})
	return ts
}

func TestMinimalRequestEndToEnd(t *testing.T) {
	ts := startTestServer(t)

	client, err := dialUpstreamSimulator("tcp", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.sendBeginRequest(1, RoleResponder, 0))
	require.NoError(t, client.sendParams(1, map[string]string{
		"REQUEST_URI":    "/index.php",
		"REQUEST_METHOD": "GET",
	}))
	require.NoError(t, client.sendStdin(1, nil))

	stdout, appStatus, status, err := client.collectStdout(1)
	require.NoError(t, err)
	require.Equal(t, int32(0), appStatus)
	require.Equal(t, StatusRequestComplete, status)
	require.Contains(t, string(stdout), "echo:/index.php")
}

func TestMultiplexRejection(t *testing.T) {
	ts := startTestServer(t)

	client, err := dialUpstreamSimulator("tcp", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.sendBeginRequest(1, RoleResponder, KeepConn))
	require.NoError(t, client.sendParams(1, map[string]string{"REQUEST_URI": "/a"}))

	// A second BEGIN_REQUEST on the same connection must be rejected
	// with CANT_MPX_CONN while request 1 stays untouched.
	require.NoError(t, client.sendBeginRequest(2, RoleResponder, 0))

	var sawReject bool
	for !sawReject {
		f, rerr := client.readRecord()
		require.NoError(t, rerr)
		if f.Type == typeEndRequest && f.RequestID == 2 {
			appStatus := int32(f.Content[0])<<24 | int32(f.Content[1])<<16 | int32(f.Content[2])<<8 | int32(f.Content[3])
			require.Equal(t, int32(0), appStatus)
			require.Equal(t, StatusCantMultiplexConn, ProtocolStatus(f.Content[4]))
			sawReject = true
		}
	}

	require.NoError(t, client.sendStdin(1, nil))
	stdout, _, status, err := client.collectStdout(1)
	require.NoError(t, err)
	require.Equal(t, StatusRequestComplete, status)
	require.Contains(t, string(stdout), "echo:/a")
}

func TestLargeStdoutIsFragmented(t *testing.T) {
	ts := startTestServer(t)

	client, err := dialUpstreamSimulator("tcp", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.sendBeginRequest(1, RoleResponder, 0))
	require.NoError(t, client.sendParams(1, map[string]string{"REQUEST_URI": "/big"}))

	body := make([]byte, 200000)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	require.NoError(t, client.sendStdin(1, body))

	stdout, _, status, err := client.collectStdout(1)
	require.NoError(t, err)
	require.Equal(t, StatusRequestComplete, status)
	require.Contains(t, string(stdout), string(body))
}

func TestParamsSplitAcrossRecords(t *testing.T) {
	ts := startTestServer(t)

	client, err := dialUpstreamSimulator("tcp", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.sendBeginRequest(1, RoleResponder, 0))

	encoded := encodeKeyValues([]kvPair{{Key: []byte("REQUEST_URI"), Value: []byte("/split")}})
	mid := len(encoded) / 2
	require.NoError(t, client.sendParamsRaw(1, encoded[:mid]))
	require.NoError(t, client.sendParamsRaw(1, encoded[mid:]))
	require.NoError(t, client.writeRaw(buildRecord(typeParams, 1, nil)))
	require.NoError(t, client.sendStdin(1, nil))

	stdout, _, status, err := client.collectStdout(1)
	require.NoError(t, err)
	require.Equal(t, StatusRequestComplete, status)
	require.Contains(t, string(stdout), "echo:/split")
}

func TestAbortDuringStreaming(t *testing.T) {
	ts := startTestServer(t)

	client, err := dialUpstreamSimulator("tcp", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.sendBeginRequest(1, RoleResponder, 0))
	require.NoError(t, client.sendParams(1, map[string]string{"REQUEST_URI": "/abort"}))
	require.NoError(t, client.sendAbortRequest(1))

	require.Eventually(t, func() bool {
		ts.handler.mu.Lock()
		defer ts.handler.mu.Unlock()
		return ts.handler.aborted == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetValuesQuery(t *testing.T) {
	ts := startTestServer(t, WithGetValues(GetValuesConfig{MaxConns: "512", MaxReqs: "512", MultiplexConns: "0"}))

	client, err := dialUpstreamSimulator("tcp", ts.addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.sendGetValues("FCGI_MAX_CONNS", "FCGI_MPXS_CONNS", "FCGI_UNKNOWN_NAME"))

	f, err := client.readRecord()
	require.NoError(t, err)
	require.Equal(t, uint8(typeGetValuesResult), f.Type)

	pairs, consumed, err := decodeAllKeyValues(f.Content, 64*1024, 64*1024)
	require.NoError(t, err)
	require.Equal(t, len(f.Content), consumed)

	got := map[string]string{}
	for _, p := range pairs {
		got[string(p.Key)] = string(p.Value)
	}
	require.Equal(t, "512", got["FCGI_MAX_CONNS"])
	require.Equal(t, "0", got["FCGI_MPXS_CONNS"])
	_, unknownPresent := got["FCGI_UNKNOWN_NAME"]
	require.False(t, unknownPresent)
}
