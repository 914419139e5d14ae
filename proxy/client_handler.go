// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/spdygate/lib/iobuf"
	"github.com/yandex/spdygate/lib/netutil"
	"github.com/yandex/spdygate/spdy"
)

type eventKind int

const (
	evClientRead eventKind = iota
	evClientWritable
	evClientClosed
	evOriginRead
	evOriginWritable
	evOriginEOF
	evOriginError
	evOriginTimeout
)

type event struct {
	kind  eventKind
	dconn *DownstreamConnection
	data  []byte
	err   error
}

// ClientHandler owns one client connection: its upstream, its idle origin
// connection pool and the loop that serializes every callback touching
// per-stream state. Socket goroutines communicate with the loop only
// through the event channel, so nothing here needs locking.
type ClientHandler struct {
	log  *zap.Logger
	conf Config
	conn net.Conn

	dialer   netutil.Dialer
	upstream Upstream

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	in        *iobuf.Buffer
	out       *iobuf.Buffer
	writeKick chan struct{}

	readTimeout  time.Duration
	writeTimeout time.Duration

	dconnPool map[*DownstreamConnection]struct{}
}

func NewClientHandler(log *zap.Logger, conf Config, conn net.Conn,
	version spdy.Version, dialer netutil.Dialer) (*ClientHandler, error) {
	h := &ClientHandler{
		log:       log.With(zap.String("client", conn.RemoteAddr().String())),
		conf:      conf,
		conn:      conn,
		dialer:    dialer,
		events:    make(chan event, 128),
		done:      make(chan struct{}),
		in:        &iobuf.Buffer{},
		out:       &iobuf.Buffer{},
		writeKick: make(chan struct{}, 1),
		dconnPool: make(map[*DownstreamConnection]struct{}),
	}
	up, err := NewSpdyUpstream(version, h)
	if err != nil {
		return nil, err
	}
	h.upstream = up
	return h, nil
}

func (h *ClientHandler) Upstream() Upstream { return h.upstream }

// SetUpstreamTimeouts installs client socket read/write timeouts. Called
// by the upstream at construction.
func (h *ClientHandler) SetUpstreamTimeouts(read, write time.Duration) {
	h.readTimeout = read
	h.writeTimeout = write
}

// Serve runs the handler loop until the client connection ends, a
// session-fatal error occurs, or ctx is canceled. It always leaves the
// stream queue empty and every origin connection pooled-out or closed.
func (h *ClientHandler) Serve(ctx context.Context) error {
	defer h.teardown()
	go h.readLoop()
	go h.writeLoop()

	// The session queued SETTINGS at construction; flush it first.
	if err := h.upstream.OnClientWrite(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-h.events:
			err := h.dispatch(ev)
			if errors.Cause(err) == io.EOF {
				return nil
			}
			if err != nil {
				h.log.Error("Client session failed", zap.Error(err))
				return err
			}
		}
	}
}

func (h *ClientHandler) dispatch(ev event) error {
	if ev.dconn != nil && ev.dconn.closed() {
		// Stale event from a connection torn down earlier this loop.
		return nil
	}
	switch ev.kind {
	case evClientRead:
		return h.upstream.OnClientRead()
	case evClientWritable:
		return h.upstream.OnClientWrite()
	case evClientClosed:
		if ev.err != nil && errors.Cause(ev.err) != io.EOF {
			h.log.Debug("Client connection error", zap.Error(ev.err))
		}
		return io.EOF
	case evOriginRead:
		return h.upstream.OnOriginRead(ev.dconn, ev.data)
	case evOriginWritable:
		return h.upstream.OnOriginWritable(ev.dconn)
	case evOriginEOF:
		return h.upstream.OnOriginEOF(ev.dconn)
	case evOriginError:
		return h.upstream.OnOriginError(ev.dconn, ev.err, false)
	case evOriginTimeout:
		return h.upstream.OnOriginError(ev.dconn, ev.err, true)
	}
	return nil
}

func (h *ClientHandler) teardown() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.conn.Close()
		h.upstream.Close()
		for dc := range h.dconnPool {
			dc.Close()
		}
		h.dconnPool = make(map[*DownstreamConnection]struct{})
	})
}

// post delivers an event to the loop, dropping it if the handler is gone.
func (h *ClientHandler) post(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *ClientHandler) kickWrite() {
	select {
	case h.writeKick <- struct{}{}:
	default:
	}
}

func (h *ClientHandler) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		if h.readTimeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		}
		n, err := h.conn.Read(buf)
		if n > 0 {
			h.in.Append(buf[:n])
			h.post(event{kind: evClientRead})
		}
		if err != nil {
			h.post(event{kind: evClientClosed, err: err})
			return
		}
	}
}

func (h *ClientHandler) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case <-h.writeKick:
		}
		for h.out.Len() > 0 {
			p := h.out.RemoveAll()
			if h.writeTimeout > 0 {
				h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			}
			if _, err := h.conn.Write(p); err != nil {
				h.post(event{kind: evClientClosed, err: err})
				return
			}
		}
		h.post(event{kind: evClientWritable})
	}
}

// GetDownstreamConnection returns an arbitrary pooled idle connection,
// or a fresh unconnected one when the pool is empty.
func (h *ClientHandler) GetDownstreamConnection() *DownstreamConnection {
	for dc := range h.dconnPool {
		delete(h.dconnPool, dc)
		return dc
	}
	return newDownstreamConnection(h)
}

// PoolDownstreamConnection parks an idle keep-alive connection, closing
// it instead when the pool is at capacity.
func (h *ClientHandler) PoolDownstreamConnection(dc *DownstreamConnection) {
	if len(h.dconnPool) >= h.conf.Downstream.PoolSize {
		dc.Close()
		return
	}
	h.dconnPool[dc] = struct{}{}
}

// RemoveDownstreamConnection discards a pooled connection.
func (h *ClientHandler) RemoveDownstreamConnection(dc *DownstreamConnection) {
	delete(h.dconnPool, dc)
}
