// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

// Upstream is the client-facing half of the bridge. A ClientHandler owns
// exactly one and calls it only from its loop goroutine. Errors returned
// from the OnClient* and OnOrigin* methods are session fatal and tear the
// client connection down. The OnDownstream* hooks are called from the
// Downstream's parse callbacks, which discard their errors.
type Upstream interface {
	// OnClientRead pumps buffered client-socket bytes through the
	// protocol session. io.EOF means clean session end.
	OnClientRead() error
	// OnClientWrite resumes emitting frames after the client socket
	// drained.
	OnClientWrite() error

	// OnOriginRead routes bytes read from an origin socket.
	OnOriginRead(dc *DownstreamConnection, p []byte) error
	// OnOriginWritable fires when an origin socket write queue drained.
	OnOriginWritable(dc *DownstreamConnection) error
	// OnOriginEOF fires when the origin closed its half of the socket.
	OnOriginEOF(dc *DownstreamConnection) error
	// OnOriginError fires on origin socket errors and timeouts.
	OnOriginError(dc *DownstreamConnection, err error, timeout bool) error

	// OnDownstreamHeaderComplete submits the translated response headers
	// for the stream. Called by the response parser path.
	OnDownstreamHeaderComplete(d *Downstream) error
	// OnDownstreamBody buffers response body bytes for the stream.
	OnDownstreamBody(d *Downstream, p []byte) error
	// OnDownstreamBodyComplete marks the response body finished.
	OnDownstreamBodyComplete(d *Downstream) error

	// Close tears down every live stream and the protocol session.
	Close()
}
