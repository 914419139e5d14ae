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

	"github.com/yandex/spdygate/http1"
	"github.com/yandex/spdygate/lib/iobuf"
)

// DownstreamConnection owns one TCP connection to the origin and the
// HTTP/1.1 parser bound to whatever stream is attached. At most one
// Downstream is attached at a time; with none it sits in the owning
// ClientHandler's keep-alive pool.
//
// The reader and writer goroutines touch only the socket, the ioctrl
// gate and the out FIFO; everything else is loop-owned.
type DownstreamConnection struct {
	log     *zap.Logger
	handler *ClientHandler

	conn      net.Conn
	connected bool

	downstream *Downstream
	parser     *http1.ResponseParser

	ioctrl    *IOControl
	out       *iobuf.Buffer
	writeKick chan struct{}

	stop      chan struct{}
	closeOnce sync.Once
}

func newDownstreamConnection(h *ClientHandler) *DownstreamConnection {
	return &DownstreamConnection{
		log:       h.log,
		handler:   h,
		ioctrl:    NewIOControl(),
		out:       &iobuf.Buffer{},
		writeKick: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// AttachDownstream binds d to this connection, dialing the origin first
// if the connection is fresh. A dial failure leaves d unattached.
func (dc *DownstreamConnection) AttachDownstream(d *Downstream) error {
	if !dc.connected {
		conf := dc.handler.conf.Downstream
		ctx := context.Background()
		if conf.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, conf.ConnectTimeout)
			defer cancel()
		}
		conn, err := dc.handler.dialer.DialContext(ctx, "tcp", conf.Addr)
		if err != nil {
			return errors.WithMessage(err, "origin connect")
		}
		dc.conn = conn
		dc.connected = true
		dc.log.Debug("Origin connection established",
			zap.String("addr", conf.Addr))
		go dc.readLoop()
		go dc.writeLoop()
	}
	dc.downstream = d
	d.dconn = dc
	dc.parser = http1.NewResponseParser(d)
	if d.requestMethod == "HEAD" {
		dc.parser.SkipBody = true
	}
	return nil
}

// DetachDownstream unbinds d, leaving the connection reusable. Any pause
// reasons are cleared so pooled connections keep noticing origin EOF.
func (dc *DownstreamConnection) DetachDownstream(d *Downstream) {
	dc.ioctrl.ForceResumeRead()
	dc.downstream = nil
	dc.parser = nil
	d.dconn = nil
}

// Downstream returns the attached stream, nil for pooled connections.
func (dc *DownstreamConnection) Downstream() *Downstream { return dc.downstream }

func (dc *DownstreamConnection) Write(p []byte) {
	dc.out.Append(p)
	dc.kickWrite()
}

func (dc *DownstreamConnection) WriteString(s string) {
	dc.out.AppendString(s)
	dc.kickWrite()
}

func (dc *DownstreamConnection) kickWrite() {
	select {
	case dc.writeKick <- struct{}{}:
	default:
	}
}

// Close shuts the socket down and stops both goroutines. Idempotent.
func (dc *DownstreamConnection) Close() {
	dc.closeOnce.Do(func() {
		close(dc.stop)
		if dc.conn != nil {
			dc.conn.Close()
		}
	})
}

func (dc *DownstreamConnection) closed() bool {
	select {
	case <-dc.stop:
		return true
	default:
		return false
	}
}

func (dc *DownstreamConnection) readLoop() {
	buf := make([]byte, 16*1024)
	readTimeout := dc.handler.conf.Downstream.ReadTimeout
	for {
		select {
		case <-dc.stop:
			return
		case <-dc.ioctrl.ReadAllowed():
		}
		if readTimeout > 0 {
			dc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, err := dc.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			dc.handler.post(event{kind: evOriginRead, dconn: dc, data: data})
		}
		if err != nil {
			dc.postIOError(err)
			return
		}
	}
}

func (dc *DownstreamConnection) writeLoop() {
	writeTimeout := dc.handler.conf.Downstream.WriteTimeout
	for {
		select {
		case <-dc.stop:
			return
		case <-dc.writeKick:
		}
		for dc.out.Len() > 0 {
			p := dc.out.RemoveAll()
			if writeTimeout > 0 {
				dc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if _, err := dc.conn.Write(p); err != nil {
				dc.postIOError(err)
				return
			}
		}
		dc.handler.post(event{kind: evOriginWritable, dconn: dc})
	}
}

func (dc *DownstreamConnection) postIOError(err error) {
	if dc.closed() {
		return
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		dc.handler.post(event{kind: evOriginTimeout, dconn: dc, err: err})
	case errors.Cause(err) == io.EOF:
		dc.handler.post(event{kind: evOriginEOF, dconn: dc})
	default:
		dc.handler.post(event{kind: evOriginError, dconn: dc, err: err})
	}
}
