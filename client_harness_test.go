package fcgisrv

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// upstreamSimulator plays the role of the web server in front of a
// fcgisrv-backed application: it dials the listener under test and
// drives the wire protocol by hand, the way a real FastCGI front end
// would. Tests use it as a black-box FastCGI peer so the state machine
// in conn.go is exercised over a real socket rather than a mocked fd.
type upstreamSimulator struct {
	conn net.Conn
}

func dialUpstreamSimulator(network, address string) (*upstreamSimulator, error) {
	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing fastcgi listener: %w", err)
	}
	return &upstreamSimulator{conn: conn}, nil
}

func (u *upstreamSimulator) Close() error {
	return u.conn.Close()
}

func (u *upstreamSimulator) writeRaw(b []byte) error {
	_, err := u.conn.Write(b)
	return err
}

// sendBeginRequest frames and sends FCGI_BEGIN_REQUEST.
func (u *upstreamSimulator) sendBeginRequest(requestID uint16, role uint16, flags uint8) error {
	payload := [8]byte{byte(role >> 8), byte(role), flags}
	return u.writeRaw(buildRecord(typeBeginRequest, requestID, payload[:]))
}

// sendParams sends one PARAMS record carrying pairs, followed by the
// empty terminating PARAMS record.
func (u *upstreamSimulator) sendParams(requestID uint16, pairs map[string]string) error {
	kvs := make([]kvPair, 0, len(pairs))
	for k, v := range pairs {
		kvs = append(kvs, kvPair{Key: []byte(k), Value: []byte(v)})
	}
	encoded := encodeKeyValues(kvs)
	for _, rec := range fragmentPayload(typeParams, requestID, encoded) {
		if err := u.writeRaw(rec); err != nil {
			return err
		}
	}
	return u.writeRaw(buildRecord(typeParams, requestID, nil))
}

// sendParamsRaw sends a single PARAMS record with exactly the bytes
// given, with no fragmentation or terminator — for tests that need to
// control record boundaries precisely (e.g. a kv pair split across
// two records).
func (u *upstreamSimulator) sendParamsRaw(requestID uint16, content []byte) error {
	return u.writeRaw(buildRecord(typeParams, requestID, content))
}

// sendStdin sends the body in one or more STDIN records followed by
// the empty terminator.
func (u *upstreamSimulator) sendStdin(requestID uint16, body []byte) error {
	for _, rec := range fragmentPayload(typeStdin, requestID, body) {
		if err := u.writeRaw(rec); err != nil {
			return err
		}
	}
	return u.writeRaw(buildRecord(typeStdin, requestID, nil))
}

func (u *upstreamSimulator) sendAbortRequest(requestID uint16) error {
	return u.writeRaw(buildRecord(typeAbortRequest, requestID, nil))
}

func (u *upstreamSimulator) sendGetValues(names ...string) error {
	kvs := make([]kvPair, len(names))
	for i, n := range names {
		kvs[i] = kvPair{Key: []byte(n)}
	}
	return u.writeRaw(buildRecord(typeGetValues, 0, encodeKeyValues(kvs)))
}

// recordFrame is a fully-read record: header plus its content (padding
// already stripped).
type recordFrame struct {
	Type      uint8
	RequestID uint16
	Content   []byte
}

// readRecord blocks until one complete record (header + content +
// padding) has arrived, then returns the header and content.
func (u *upstreamSimulator) readRecord() (recordFrame, error) {
	var hb [headerLen]byte
	if _, err := io.ReadFull(u.conn, hb[:]); err != nil {
		return recordFrame{}, err
	}
	h := decodeHeader(hb[:])
	content := make([]byte, h.ContentLength)
	if h.ContentLength > 0 {
		if _, err := io.ReadFull(u.conn, content); err != nil {
			return recordFrame{}, err
		}
	}
	if h.PaddingLength > 0 {
		pad := make([]byte, h.PaddingLength)
		if _, err := io.ReadFull(u.conn, pad); err != nil {
			return recordFrame{}, err
		}
	}
	return recordFrame{Type: h.Type, RequestID: h.RequestID, Content: content}, nil
}

// collectStdout reads records until it sees the END_REQUEST for
// requestID, concatenating STDOUT content along the way. It returns
// the accumulated stdout bytes and the END_REQUEST's app status and
// protocol status.
func (u *upstreamSimulator) collectStdout(requestID uint16) (stdout []byte, appStatus int32, status ProtocolStatus, err error) {
	for {
		f, rerr := u.readRecord()
		if rerr != nil {
			return stdout, 0, 0, rerr
		}
		if f.RequestID != requestID {
			continue
		}
		switch f.Type {
		case typeStdout:
			stdout = append(stdout, f.Content...)
		case typeEndRequest:
			appStatus = int32(binary.BigEndian.Uint32(f.Content[0:4]))
			status = ProtocolStatus(f.Content[4])
			return stdout, appStatus, status, nil
		}
	}
}
