package fcgisrv

import (
	"errors"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ioResult classifies the outcome of a single non-blocking read.
type ioResult int

const (
	ioOK ioResult = iota
	ioWouldBlock
	ioPeerGone
)

// Conn is the per-connection state machine: the reader FSM over
// header/content/padding, the request lifecycle, and the outbound
// queue. Conn is not safe for concurrent use; every method is expected
// to run on the event-loop thread.
type Conn struct {
	id  int
	fd  int
	srv *Server

	loop    EventLoop
	handler Handler
	logger  *zap.Logger
	cfg     *Config

	interest Events

	requestID uint16
	role      uint16
	flags     uint8

	headerBuf        [headerLen]byte
	headerUsed       int
	cur              recordHeader
	contentRemaining int
	paddingRemaining int
	first            bool

	buffer   []byte
	paramBuf []byte
	env      *environ

	writeQueue outputQueue
	closing    bool
	readSuspended bool
}

func newConn(s *Server, fd, id int) *Conn {
	return &Conn{
		id:       id,
		fd:       fd,
		srv:      s,
		loop:     s.loop,
		handler:  s.handler,
		logger:   s.logger,
		cfg:      s.cfg,
		env:      newEnviron(),
		interest: EventRead,
	}
}

// Role returns the role declared by BEGIN_REQUEST (RoleResponder,
// RoleAuthorizer, or RoleFilter). It is only meaningful once NewRequest
// has fired.
func (c *Conn) Role() uint16 { return c.role }

// KeepConn reports whether BEGIN_REQUEST set the KEEP_CONN flag.
func (c *Conn) KeepConn() bool { return c.flags&KeepConn != 0 }

// ID is the connection's stable table slot while it is live.
func (c *Conn) ID() int { return c.id }

// rawRead performs one non-blocking read(2) into buf, classifying the
// result into would-block, peer-gone, or a genuinely fatal errno. err
// is non-nil only for the last case.
func rawRead(fd int, buf []byte) (n int, res ioResult, err error) {
	n, rerr := unix.Read(fd, buf)
	if rerr != nil {
		switch {
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
			return 0, ioWouldBlock, nil
		case errors.Is(rerr, unix.ECONNRESET):
			return 0, ioPeerGone, nil
		default:
			return 0, ioOK, wrap(rerr, ErrPeerGone, "read")
		}
	}
	if n == 0 {
		return 0, ioPeerGone, nil
	}
	return n, ioOK, nil
}

// readContentChunk reads content_remaining+padding_remaining bytes in
// one shot, charges any over-read against padding first, and returns
// only the content bytes — never more than content_remaining. This is
// the "drain as stream" path used for STDIN/DATA.
func (c *Conn) readContentChunk() ([]byte, ioResult, error) {
	maxLen := c.contentRemaining + c.paddingRemaining
	if maxLen == 0 {
		return nil, ioOK, nil
	}
	buf := make([]byte, maxLen)
	n, res, err := rawRead(c.fd, buf)
	if err != nil || res != ioOK {
		return nil, res, err
	}
	if n > c.contentRemaining {
		c.paddingRemaining -= n - c.contentRemaining
		n = c.contentRemaining
		c.contentRemaining = 0
	} else {
		c.contentRemaining -= n
	}
	return buf[:n], ioOK, nil
}

// readAppendContent is readContentChunk's accumulating twin, used for
// records that must be assembled whole (BEGIN_REQUEST, PARAMS,
// GET_VALUES) before they can be interpreted.
func (c *Conn) readAppendContent(dst []byte) ([]byte, ioResult, error) {
	maxLen := c.contentRemaining + c.paddingRemaining
	if maxLen == 0 {
		return dst, ioOK, nil
	}
	cur := len(dst)
	dst = append(dst, make([]byte, maxLen)...)
	n, res, err := rawRead(c.fd, dst[cur:cur+maxLen])
	if err != nil || res != ioOK {
		return dst[:cur], res, err
	}
	if n > c.contentRemaining {
		c.paddingRemaining -= n - c.contentRemaining
		n = c.contentRemaining
		c.contentRemaining = 0
	} else {
		c.contentRemaining -= n
	}
	return dst[:cur+n], ioOK, nil
}

// drainPaddingOnce discards up to padding_remaining bytes in one read.
func (c *Conn) drainPaddingOnce() (ioResult, error) {
	if c.paddingRemaining == 0 {
		return ioOK, nil
	}
	buf := make([]byte, c.paddingRemaining)
	n, res, err := rawRead(c.fd, buf)
	if err != nil || res != ioOK {
		return res, err
	}
	c.paddingRemaining -= n
	return ioOK, nil
}

func violation(msg string) error {
	return wrap(errors.New(msg), ErrProtocolViolation, msg)
}

// onEvents is the callback registered with the EventLoop for this
// connection's fd.
func (c *Conn) onEvents(ev Events) {
	if ev&EventRead != 0 && !c.closing {
		c.readLoop()
	}
	if ev&EventWrite != 0 && !c.closing {
		c.drainWrite()
	}
}

// readLoop processes complete records until the socket would block,
// read is suspended, or the connection closes. A single readable event
// may process several complete records back to back before yielding.
func (c *Conn) readLoop() {
	for {
		if c.closing || c.readSuspended {
			return
		}

		if c.headerUsed < headerLen {
			n, res, err := rawRead(c.fd, c.headerBuf[c.headerUsed:headerLen])
			if err != nil {
				c.fail(err)
				return
			}
			switch res {
			case ioWouldBlock:
				return
			case ioPeerGone:
				c.peerGone()
				return
			}
			c.headerUsed += n
			if c.headerUsed < headerLen {
				return
			}
			c.cur = decodeHeader(c.headerBuf[:])
			c.contentRemaining = int(c.cur.ContentLength)
			c.paddingRemaining = int(c.cur.PaddingLength)
			c.first = true
			c.buffer = c.buffer[:0]
			if c.cur.Version != version1 {
				c.fail(violation("unsupported FastCGI version"))
				return
			}
		}

		// Demux: silently drain a record for a request we declined
		// (multiplexed onto a connection that already has one active).
		if c.cur.Type != typeBeginRequest && c.cur.RequestID != 0 && c.cur.RequestID != c.requestID {
			if c.contentRemaining+c.paddingRemaining > 0 {
				_, res, err := c.readContentChunk()
				if err != nil {
					c.fail(err)
					return
				}
				if res == ioWouldBlock {
					return
				}
				if res == ioPeerGone {
					c.peerGone()
					return
				}
			}
			if c.contentRemaining+c.paddingRemaining == 0 {
				c.headerUsed = 0
			}
			continue
		}

		if c.first || c.contentRemaining > 0 {
			c.first = false
			res, err := c.dispatch()
			if err != nil {
				c.fail(err)
				return
			}
			if res == ioWouldBlock {
				return
			}
			if res == ioPeerGone {
				c.peerGone()
				return
			}
		}

		if c.contentRemaining == 0 {
			if c.paddingRemaining == 0 {
				c.headerUsed = 0
			} else {
				res, err := c.drainPaddingOnce()
				if err != nil {
					c.fail(err)
					return
				}
				if res == ioWouldBlock {
					return
				}
				if res == ioPeerGone {
					c.peerGone()
					return
				}
				if c.paddingRemaining == 0 {
					c.headerUsed = 0
				}
			}
		}
	}
}

// dispatch interprets the current record once its content (or, for
// streamed types, the next chunk of it) is available.
func (c *Conn) dispatch() (ioResult, error) {
	switch c.cur.Type {
	case typeBeginRequest:
		return c.dispatchBeginRequest()
	case typeAbortRequest:
		if c.cur.ContentLength != 0 || c.cur.RequestID == 0 {
			return ioOK, violation("malformed ABORT_REQUEST")
		}
		c.handler.RequestAborted(c)
		return ioOK, nil
	case typeParams:
		if c.cur.RequestID == 0 {
			return ioOK, violation("PARAMS with zero request id")
		}
		return c.dispatchParams()
	case typeStdin:
		if c.cur.RequestID == 0 {
			return ioOK, violation("STDIN with zero request id")
		}
		return c.dispatchStream(c.handler.ReceivedStdin)
	case typeData:
		if c.cur.RequestID == 0 {
			return ioOK, violation("DATA with zero request id")
		}
		return c.dispatchStream(c.handler.ReceivedData)
	case typeGetValues:
		if c.cur.RequestID != 0 {
			return ioOK, violation("GET_VALUES with nonzero request id")
		}
		return c.dispatchGetValues()
	default:
		return ioOK, violation("unexpected inbound record type")
	}
}

func (c *Conn) dispatchBeginRequest() (ioResult, error) {
	if c.cur.ContentLength != 8 || c.cur.RequestID == 0 {
		return ioOK, violation("malformed BEGIN_REQUEST")
	}
	buf, res, err := c.readAppendContent(c.buffer)
	c.buffer = buf
	if err != nil || res != ioOK {
		return res, err
	}
	if c.contentRemaining == 0 {
		if c.requestID != 0 {
			c.enqueueRecords([][]byte{buildEndRequest(c.cur.RequestID, 0, StatusCantMultiplexConn)})
		} else {
			c.requestID = c.cur.RequestID
			c.role = uint16(c.buffer[0])<<8 | uint16(c.buffer[1])
			c.flags = c.buffer[2]
			c.paramBuf = c.paramBuf[:0]
		}
	}
	return ioOK, nil
}

func (c *Conn) dispatchParams() (ioResult, error) {
	buf, res, err := c.readAppendContent(c.paramBuf)
	c.paramBuf = buf
	if err != nil || res != ioOK {
		return res, err
	}
	if c.contentRemaining == 0 {
		return ioOK, c.processParams()
	}
	return ioOK, nil
}

// processParams drains every complete key/value pair currently
// buffered. An empty PARAMS record (the one that triggered this call)
// is the end-of-params marker: after draining whatever remains, it
// fires NewRequest and hard-resets the accumulator.
func (c *Conn) processParams() error {
	pairs, consumed, err := decodeAllKeyValues(c.paramBuf, c.cfg.MaxKeyLen, c.cfg.MaxValueLen)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		c.env.set(string(p.Key), string(p.Value))
	}
	remaining := c.paramBuf[consumed:]
	copy(c.paramBuf, remaining)
	c.paramBuf = c.paramBuf[:len(remaining)]

	if c.cur.ContentLength == 0 {
		c.paramBuf = c.paramBuf[:0]
		c.handler.NewRequest(c)
	}
	return nil
}

func (c *Conn) dispatchStream(deliver func(*Conn, []byte)) (ioResult, error) {
	if c.contentRemaining == 0 {
		deliver(c, nil)
		return ioOK, nil
	}
	chunk, res, err := c.readContentChunk()
	if err != nil || res != ioOK {
		return res, err
	}
	deliver(c, chunk)
	return ioOK, nil
}

func (c *Conn) dispatchGetValues() (ioResult, error) {
	buf, res, err := c.readAppendContent(c.buffer)
	c.buffer = buf
	if err != nil || res != ioOK {
		return res, err
	}
	if c.contentRemaining == 0 {
		err := c.respondGetValues()
		c.buffer = c.buffer[:0]
		return ioOK, err
	}
	return ioOK, nil
}

// respondGetValues answers only the variables this server recognizes
// (FCGI_MAX_CONNS, FCGI_MAX_REQS, FCGI_MPXS_CONNS); unrecognized names
// in the query are silently omitted from the reply.
func (c *Conn) respondGetValues() error {
	queried, _, err := decodeAllKeyValues(c.buffer, c.cfg.MaxKeyLen, c.cfg.MaxValueLen)
	if err != nil {
		return err
	}
	var out []kvPair
	for _, q := range queried {
		switch string(q.Key) {
		case "FCGI_MAX_CONNS":
			out = append(out, kvPair{Key: q.Key, Value: []byte(c.cfg.GetValues.MaxConns)})
		case "FCGI_MAX_REQS":
			out = append(out, kvPair{Key: q.Key, Value: []byte(c.cfg.GetValues.MaxReqs)})
		case "FCGI_MPXS_CONNS":
			out = append(out, kvPair{Key: q.Key, Value: []byte("0")})
		}
	}
	c.enqueueRecords(fragmentPayload(typeGetValuesResult, 0, encodeKeyValues(out)))
	return nil
}

// enqueueRecords appends chunks to the write queue, kicking an
// immediate drain attempt if the queue was empty beforehand.
func (c *Conn) enqueueRecords(chunks [][]byte) {
	hadData := c.writeQueue.len() > 0
	for _, ch := range chunks {
		c.writeQueue.append(ch)
	}
	if !hadData {
		c.drainWrite()
	}
}

// drainWrite drains the write queue up to the configured budget and
// adjusts WRITE interest and the connection's lifetime accordingly.
func (c *Conn) drainWrite() {
	if c.closing {
		return
	}
	budget := writeBudget
	if c.cfg != nil {
		budget = c.cfg.WriteBudget
	}
	_, outcome, err := c.writeQueue.write(c.fd, budget)
	if err != nil {
		c.fail(err)
		return
	}
	if outcome == writePeerGone {
		c.peerGone()
		return
	}

	c.handler.WroteData(c)
	if c.closing {
		return
	}

	if c.writeQueue.len() > 0 {
		c.setInterest(c.interest | EventWrite)
		return
	}
	c.setInterest(c.interest &^ EventWrite)
	if c.requestID == 0 && c.flags&KeepConn == 0 {
		c.doClose()
	}
}

func (c *Conn) setInterest(events Events) {
	if events == c.interest || c.fd == -1 {
		c.interest = events
		return
	}
	c.interest = events
	c.loop.Modify(c.fd, events)
}

// SendStdout enqueues a STDOUT record; an empty/nil payload is the
// stream-EOF marker.
func (c *Conn) SendStdout(data []byte) error { return c.send(typeStdout, data) }

// SendStderr enqueues a STDERR record; an empty/nil payload is the
// stream-EOF marker.
func (c *Conn) SendStderr(data []byte) error { return c.send(typeStderr, data) }

func (c *Conn) send(typ uint8, data []byte) error {
	if c.closing {
		return ErrConnClosed
	}
	c.enqueueRecords(fragmentPayload(typ, c.requestID, data))
	return nil
}

// EndRequest enqueues END_REQUEST and clears the active request id. A
// call on a connection with no active request is a no-op.
func (c *Conn) EndRequest(appStatus int32, status ProtocolStatus) error {
	if c.closing || c.requestID == 0 {
		return nil
	}
	chunk := buildEndRequest(c.requestID, appStatus, status)
	c.requestID = 0
	c.enqueueRecords([][]byte{chunk})
	return nil
}

// SuspendRead asks the reader to stop consuming bytes; the kernel's
// receive window then provides backpressure to the peer.
func (c *Conn) SuspendRead() {
	if c.closing {
		return
	}
	c.readSuspended = true
	c.setInterest(c.interest &^ EventRead)
}

// ResumeRead undoes SuspendRead.
func (c *Conn) ResumeRead() {
	if c.closing {
		return
	}
	c.readSuspended = false
	c.setInterest(c.interest | EventRead)
}

// BuildEnviron materializes the environment as KEY=VALUE strings, in
// the order parameters first appeared on the wire — suitable for
// exec.Cmd.Env directly (no null terminator: Go's exec layer does not
// want or need the C char**-style sentinel).
func (c *Conn) BuildEnviron() []string {
	out := make([]string, 0, len(c.env.order))
	for _, k := range c.env.order {
		v, _ := c.env.lookup(k)
		out = append(out, k+"="+v)
	}
	return out
}

// EnvironLookup returns the value for key and whether it was present.
func (c *Conn) EnvironLookup(key string) (string, bool) {
	return c.env.lookup(key)
}

// Close enters the closing state. Safe to call from any callback,
// including one running for a different connection.
func (c *Conn) Close() {
	c.doClose()
}

func (c *Conn) fail(err error) {
	if c.requestID != 0 {
		c.handler.RequestAborted(c)
	}
	level := c.logger.Warn
	if !errors.Is(err, ErrProtocolViolation) {
		level = c.logger.Error
	}
	level("closing connection after error",
		zap.Int("conn_id", c.id),
		zap.String("queued", humanize.IBytes(uint64(c.writeQueue.len()))),
		zap.Error(err))
	c.doClose()
}

func (c *Conn) peerGone() {
	if c.requestID != 0 {
		c.handler.RequestAborted(c)
	}
	c.logger.Info("peer closed connection", zap.Int("conn_id", c.id))
	c.doClose()
}

// doClose performs the synchronous half of teardown: the fd is closed
// and reads stop immediately. The Conn object itself is only freed (and
// ResetConnection invoked) by the server's deferred cleanup pass, so
// that no connection disappears while a callback for it is still on
// the call stack.
func (c *Conn) doClose() {
	if c.closing {
		return
	}
	c.closing = true
	if c.fd != -1 {
		c.loop.Deregister(c.fd)
		unix.Close(c.fd)
		c.fd = -1
	}
	c.writeQueue.clear()
	c.buffer = nil
	c.paramBuf = nil
	c.env.clear()
	c.srv.armCleanup()
}
