package fcgisrv

import (
	"errors"

	"golang.org/x/sys/unix"
)

// writeBudget is the per-tick cap on bytes drained from a connection's
// output queue, giving the event loop fairness across connections.
const writeBudget = 256 * 1024

// sysWrite is the write(2) seam outputQueue.write calls through. Tests
// override it to force deterministic short writes without depending on
// kernel socket-buffer sizing.
var sysWrite = unix.Write

// writeOutcome classifies the result of draining an outputQueue.
type writeOutcome int

const (
	writeDone writeOutcome = iota
	writeWouldBlock
	writePeerGone
)

// outputQueue is an ordered, byte-exact sequence of pending outbound
// chunks with a partial-write offset and running total length. It never
// holds an empty chunk; headOffset < len(chunks[0]) whenever non-empty.
type outputQueue struct {
	chunks     [][]byte
	headOffset int
	total      int
}

// append pushes chunk to the tail of the queue. Empty chunks are
// dropped: they carry no bytes to write.
func (q *outputQueue) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.chunks = append(q.chunks, chunk)
	q.total += len(chunk)
}

// len reports the total number of unwritten bytes across all chunks.
func (q *outputQueue) len() int {
	return q.total
}

// clear drops every queued chunk and resets offsets.
func (q *outputQueue) clear() {
	q.chunks = nil
	q.headOffset = 0
	q.total = 0
}

// write drains up to maxBytes from the front of the queue into fd,
// corking the socket while more than one chunk is pending so the
// kernel can coalesce the underlying write(2) calls (an optimization;
// correctness never depends on it). It returns as soon as the budget
// is exhausted, the queue empties, or the fd would block or is gone.
func (q *outputQueue) write(fd int, maxBytes int) (n int, outcome writeOutcome, err error) {
	corked := false
	if len(q.chunks) > 1 {
		if setCork(fd, true) == nil {
			corked = true
		}
	}
	defer func() {
		if corked {
			setCork(fd, false)
		}
	}()

	remaining := maxBytes
	for remaining > 0 && q.total > 0 {
		front := q.chunks[0]
		avail := len(front) - q.headOffset
		toWrite := avail
		if toWrite > remaining {
			toWrite = remaining
		}
		wrote, werr := sysWrite(fd, front[q.headOffset:q.headOffset+toWrite])
		if werr != nil {
			switch {
			case errors.Is(werr, unix.EAGAIN), errors.Is(werr, unix.EWOULDBLOCK), errors.Is(werr, unix.EINTR):
				return n, writeWouldBlock, nil
			case errors.Is(werr, unix.ECONNRESET), errors.Is(werr, unix.EPIPE):
				return n, writePeerGone, nil
			default:
				return n, writeDone, wrap(werr, ErrPeerGone, "write")
			}
		}
		n += wrote
		remaining -= wrote
		q.headOffset += wrote
		q.total -= wrote
		if q.headOffset == len(front) {
			q.chunks = q.chunks[1:]
			q.headOffset = 0
		}
	}
	return n, writeDone, nil
}
