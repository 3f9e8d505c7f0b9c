package fcgisrv

import "encoding/binary"

// FastCGI protocol constants (FastCGI v1, byte-for-byte).
const (
	headerLen = 8
	version1  = 1

	typeBeginRequest    = 1
	typeAbortRequest    = 2
	typeEndRequest      = 3
	typeParams          = 4
	typeStdin           = 5
	typeStdout          = 6
	typeStderr          = 7
	typeData            = 8
	typeGetValues       = 9
	typeGetValuesResult = 10
	typeUnknownType     = 11

	// KeepConn is bit 0 of the BEGIN_REQUEST flags byte.
	KeepConn = 1

	// RoleResponder, RoleAuthorizer, RoleFilter are the roles a
	// BEGIN_REQUEST record may declare.
	RoleResponder = 1
	RoleAuthorizer = 2
	RoleFilter    = 3
)

// ProtocolStatus values used in END_REQUEST records.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMultiplexConn ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

// maxRecordContent is the largest content length a single record header
// can describe; longer payloads must be fragmented into consecutive
// records of the same type and request id.
const maxRecordContent = 0xffff

// recordHeader is the decoded form of the 8-byte FastCGI record header.
type recordHeader struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
}

// decodeHeader parses an 8-byte wire header. Caller guarantees len(b) == headerLen.
func decodeHeader(b []byte) recordHeader {
	return recordHeader{
		Version:       b[0],
		Type:          b[1],
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
	}
}

// encodeHeader writes the 8-byte wire header for a record of the given
// type, request id and content length, computing the padding length
// needed to round content+padding up to a multiple of 8. It returns
// the padding length so the caller can append that many zero bytes.
func encodeHeader(dst []byte, typ uint8, requestID uint16, contentLen int) uint8 {
	pad := uint8((8 - (contentLen & 7)) & 7)
	dst[0] = version1
	dst[1] = typ
	dst[2] = byte(requestID >> 8)
	dst[3] = byte(requestID)
	dst[4] = byte(contentLen >> 8)
	dst[5] = byte(contentLen)
	dst[6] = pad
	dst[7] = 0
	return pad
}

var zeroPad [8]byte

// buildRecord frames a single record (header + content + padding) for
// content no longer than maxRecordContent bytes.
func buildRecord(typ uint8, requestID uint16, content []byte) []byte {
	n := len(content)
	buf := make([]byte, headerLen, headerLen+n+7)
	pad := encodeHeader(buf, typ, requestID, n)
	buf = append(buf, content...)
	buf = append(buf, zeroPad[:pad]...)
	return buf
}

// fragmentPayload splits an arbitrarily long payload into one or more
// framed records of the given type and request id. Each record is
// framed and padded independently; an empty payload produces exactly
// one zero-length record (the stream-EOF marker).
func fragmentPayload(typ uint8, requestID uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{buildRecord(typ, requestID, nil)}
	}
	var out [][]byte
	for len(payload) > 0 {
		n := len(payload)
		if n > maxRecordContent {
			n = maxRecordContent
		}
		out = append(out, buildRecord(typ, requestID, payload[:n]))
		payload = payload[n:]
	}
	return out
}

// buildEndRequest frames an END_REQUEST record: 8 bytes of payload,
// a big-endian i32 app status, a protocol status byte, and 3 reserved
// zero bytes.
func buildEndRequest(requestID uint16, appStatus int32, status ProtocolStatus) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], uint32(appStatus))
	payload[4] = byte(status)
	return buildRecord(typeEndRequest, requestID, payload)
}

// kvPair is a single decoded name/value pair, referencing the
// accumulator buffer it was sliced from. Callers that need to retain a
// pair past the next mutation of the accumulator must copy it.
type kvPair struct {
	Key   []byte
	Value []byte
}

// readLength decodes a single length field from the key/value stream:
// one byte when its high bit is clear, else a 4-byte big-endian value
// with the high bit of the first byte masked off. Returns the decoded
// length, the number of bytes consumed, and whether enough data was
// present.
func readLength(buf []byte) (length int, consumed int, ok bool) {
	if len(buf) < 1 {
		return 0, 0, false
	}
	first := buf[0]
	if first&0x80 == 0 {
		return int(first), 1, true
	}
	if len(buf) < 4 {
		return 0, 0, false
	}
	v := (uint32(first&0x7f) << 24) | (uint32(buf[1]) << 16) | (uint32(buf[2]) << 8) | uint32(buf[3])
	return int(v), 4, true
}

// decodeKeyValue decodes a single name/value pair from buf starting at
// pos. It returns the pair, the new position, and whether a full pair
// was available (false means "need more data"). err is non-nil only on
// a protocol violation (oversized key or value).
func decodeKeyValue(buf []byte, pos int, maxKeyLen, maxValueLen int) (pair kvPair, newPos int, ok bool, err error) {
	rest := buf[pos:]
	klen, kn, ok1 := readLength(rest)
	if !ok1 {
		return kvPair{}, pos, false, nil
	}
	rest2 := rest[kn:]
	vlen, vn, ok2 := readLength(rest2)
	if !ok2 {
		return kvPair{}, pos, false, nil
	}
	if klen > maxKeyLen || vlen > maxValueLen {
		return kvPair{}, pos, false, wrapWithContext(ErrProtocolViolation, ErrProtocolViolation,
			"oversized key/value pair", map[string]interface{}{"klen": klen, "vlen": vlen})
	}
	need := kn + vn + klen + vlen
	if len(rest) < need {
		return kvPair{}, pos, false, nil
	}
	start := pos + kn + vn
	key := buf[start : start+klen]
	value := buf[start+klen : start+klen+vlen]
	return kvPair{Key: key, Value: value}, start + klen + vlen, true, nil
}

// decodeAllKeyValues drains every complete pair from the front of buf,
// returning the pairs found and the number of bytes consumed. It stops
// at the first incomplete pair (or at a protocol violation, which it
// returns as err).
func decodeAllKeyValues(buf []byte, maxKeyLen, maxValueLen int) (pairs []kvPair, consumed int, err error) {
	pos := 0
	for pos < len(buf) {
		pair, next, ok, derr := decodeKeyValue(buf, pos, maxKeyLen, maxValueLen)
		if derr != nil {
			return pairs, pos, derr
		}
		if !ok {
			break
		}
		pairs = append(pairs, pair)
		pos = next
	}
	return pairs, pos, nil
}

// encodeLength appends the 1-or-4-byte length encoding used by the
// key/value stream.
func encodeLength(dst []byte, n int) []byte {
	if n < 128 {
		return append(dst, byte(n))
	}
	v := uint32(n) | (1 << 31)
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// encodeKeyValues encodes a set of name/value pairs into the wire
// format used by PARAMS and GET_VALUES_RESULT.
func encodeKeyValues(pairs []kvPair) []byte {
	var buf []byte
	for _, p := range pairs {
		buf = encodeLength(buf, len(p.Key))
		buf = encodeLength(buf, len(p.Value))
		buf = append(buf, p.Key...)
		buf = append(buf, p.Value...)
	}
	return buf
}
