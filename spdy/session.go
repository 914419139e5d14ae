// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package spdy

import (
	"github.com/pkg/errors"
)

// Sentinel results for session callbacks and pumps. Compare with
// errors.Cause to see through wrapping.
var (
	// ErrWouldBlock is returned by Send/Recv callbacks that cannot make
	// progress now. The session stops pumping until re-driven.
	ErrWouldBlock = errors.New("spdy: would block")
	// ErrEOF is returned by Recv when the peer has cleanly finished the
	// session.
	ErrEOF = errors.New("spdy: session EOF")
	// ErrCallbackFailure is returned by callbacks on unrecoverable local
	// failure; the session becomes unusable.
	ErrCallbackFailure = errors.New("spdy: callback failure")
	// ErrDeferred is returned by a DataProvider that has no bytes yet.
	// The session will not re-read the provider until ResumeData.
	ErrDeferred = errors.New("spdy: data deferred")
	// ErrStreamClosed is returned by submit operations on unknown or
	// already closed streams.
	ErrStreamClosed = errors.New("spdy: stream closed")
)

// Callbacks is the surface a session drives. All callbacks are invoked
// from within Recv/Send on the caller's goroutine; none of them may call
// back into the session pumps.
type Callbacks struct {
	// Send hands outbound session bytes to the transport. Returns the
	// number of bytes accepted, ErrWouldBlock to pause output, or
	// ErrCallbackFailure.
	Send func(p []byte) (int, error)
	// Recv fills p with inbound transport bytes. Returns bytes produced,
	// ErrWouldBlock when none are buffered, or ErrCallbackFailure.
	Recv func(p []byte) (int, error)
	// OnCtrlRecv is called for each inbound control frame.
	OnCtrlRecv func(f Frame)
	// OnDataChunkRecv is called for each inbound DATA payload chunk.
	OnDataChunkRecv func(streamID int32, fin bool, p []byte)
	// OnStreamClose is called exactly once when a stream is closed for
	// any reason. Status is StatusOK on clean close.
	OnStreamClose func(streamID int32, status StatusCode)
}

// DataProvider supplies response body bytes lazily, pulled by the session
// while it emits DATA frames.
type DataProvider struct {
	// Read fills p from the response source. eof reports end of body.
	// Returning ErrDeferred parks the stream until ResumeData.
	Read func(streamID int32, p []byte) (n int, eof bool, err error)
}

// Options tune a server session at creation.
type Options struct {
	// NoAutoWindowUpdate disables codec-managed WINDOW_UPDATE emission
	// on SPDY/3; the application then acknowledges received data itself.
	NoAutoWindowUpdate bool
}

// Session is one server-side SPDY session over one client connection.
// It is not goroutine safe; all calls must come from one loop.
type Session interface {
	// Recv consumes buffered inbound bytes via the Recv callback and
	// dispatches resulting frames. Returns nil when the callback reports
	// would-block, ErrEOF on clean session end, other errors are fatal.
	Recv() error
	// Send emits pending frames via the Send callback until it reports
	// would-block or nothing is left. Errors other than would-block are
	// fatal.
	Send() error

	SubmitSettings(entries []Setting) error
	// SubmitResponse queues response headers for the stream and registers
	// dp as the lazy body source.
	SubmitResponse(streamID int32, headers []HeaderField, dp *DataProvider) error
	SubmitRstStream(streamID int32, status StatusCode) error
	SubmitWindowUpdate(streamID int32, delta int32) error
	// ResumeData re-arms a stream whose DataProvider returned ErrDeferred.
	ResumeData(streamID int32) error

	Close() error
}

// SessionFactory creates a server session bound to cb.
type SessionFactory func(version Version, cb *Callbacks, opts Options) (Session, error)
