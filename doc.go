// Package fcgisrv provides a minimal, robust, and modern FastCGI server
// protocol engine for Go.
//
// This package is designed for embedding into a process that wants to
// speak FastCGI to an upstream web server (nginx, Apache, lighttpd,
// ...), aiming for idiomatic Go code, high testability, and correct
// protocol handling. It owns record framing, parameter decoding, request
// lifecycle, and outbound queueing; it does not own the listening
// socket, the event-loop runtime's readiness mechanism, or the CGI
// meaning of any parameter — those are the embedder's responsibility.
//
// Example usage:
//
//	ln, err := net.Listen("tcp", "127.0.0.1:9000")
//	if err != nil {
//		panic(err)
//	}
//	lnFile, err := ln.(*net.TCPListener).File()
//	if err != nil {
//		panic(err)
//	}
//	defer ln.Close()
//
//	loop := fcgisrv.NewPollLoop()
//	srv, err := fcgisrv.NewServer(loop, int(lnFile.Fd()), myHandler, fcgisrv.DefaultConfig())
//	if err != nil {
//		panic(err)
//	}
//	defer srv.Close()
//
//	if err := loop.Run(nil); err != nil {
//		panic(err)
//	}
package fcgisrv
