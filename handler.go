package fcgisrv

// Handler is the set of callbacks the core invokes on the embedder. All
// methods run synchronously on the event-loop thread, in the order of
// the wire events that triggered them; a method may call back into the
// core (e.g. EndRequest from inside NewRequest). Embed NoopHandler to
// implement only the callbacks you need.
type Handler interface {
	// NewConnection fires after a connection is accepted.
	NewConnection(c *Conn)

	// NewRequest fires after the terminating empty PARAMS record;
	// c.BuildEnviron/c.EnvironLookup observe the fully populated
	// environment and c.Role()/c.KeepConn() are set.
	NewRequest(c *Conn)

	// ReceivedStdin fires for each STDIN payload; an empty chunk marks EOF.
	ReceivedStdin(c *Conn, chunk []byte)

	// ReceivedData fires for each DATA payload; an empty chunk marks EOF.
	ReceivedData(c *Conn, chunk []byte)

	// RequestAborted fires on ABORT_REQUEST, or for still-live requests
	// during server shutdown.
	RequestAborted(c *Conn)

	// WroteData fires after a successful write-queue drain.
	WroteData(c *Conn)

	// ResetConnection fires immediately before the connection is freed;
	// no further callbacks for c follow.
	ResetConnection(c *Conn)
}

// NoopHandler is a zero-value Handler embedders can compose into their
// own type to pick up default no-op implementations of every callback.
type NoopHandler struct{}

func (NoopHandler) NewConnection(*Conn)         {}
func (NoopHandler) NewRequest(*Conn)            {}
func (NoopHandler) ReceivedStdin(*Conn, []byte) {}
func (NoopHandler) ReceivedData(*Conn, []byte)  {}
func (NoopHandler) RequestAborted(*Conn)        {}
func (NoopHandler) WroteData(*Conn)             {}
func (NoopHandler) ResetConnection(*Conn)       {}
