// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/spdygate/spdy"
)

// spdyInitialWindowSize is the per-stream receive window mandated by the
// SPDY/3 spec.
const spdyInitialWindowSize = 64 * 1024

// SpdyUpstream drives one server-side SPDY session and translates its
// streams into HTTP/1.1 exchanges against the origin.
//
// Lifetime rule inherited from the session library: any call that pumps
// the session (send) may fire the stream close callback and delete
// streams. Code never touches a *Downstream after a send; it either
// returns right away or re-resolves the stream by id from the queue.
type SpdyUpstream struct {
	log     *zap.Logger
	handler *ClientHandler
	version spdy.Version
	session spdy.Session
	queue   *DownstreamQueue

	flowControl       bool
	initialWindowSize int32
	outputWatermark   int

	rewriter *HostRewriter
}

func NewSpdyUpstream(version spdy.Version, handler *ClientHandler) (*SpdyUpstream, error) {
	conf := handler.conf
	handler.SetUpstreamTimeouts(conf.Upstream.ReadTimeout, conf.Upstream.WriteTimeout)

	u := &SpdyUpstream{
		log:             handler.log.With(zap.Stringer("proto", version)),
		handler:         handler,
		version:         version,
		queue:           NewDownstreamQueue(),
		outputWatermark: int(conf.OutputWatermark),
		rewriter:        NewHostRewriter(conf.Downstream.Addr, conf.RewriteHost),
	}
	if u.outputWatermark == 0 {
		u.outputWatermark = 64 * 1024
	}

	var opts spdy.Options
	if version == spdy.Version3 {
		u.flowControl = true
		u.initialWindowSize = spdyInitialWindowSize
		opts.NoAutoWindowUpdate = true
	}

	cb := &spdy.Callbacks{
		Send:            u.sendCallback,
		Recv:            u.recvCallback,
		OnCtrlRecv:      u.onCtrlRecv,
		OnDataChunkRecv: u.onDataChunkRecv,
		OnStreamClose:   u.onStreamClose,
	}
	session, err := spdy.NewServerSession(version, cb, opts)
	if err != nil {
		return nil, err
	}
	u.session = session

	// SETTINGS must be the first frame on the wire.
	err = session.SubmitSettings([]spdy.Setting{
		{ID: spdy.SettingsMaxConcurrentStreams, Value: conf.Upstream.MaxConcurrentStreams},
		{ID: spdy.SettingsInitialWindowSize, Value: uint32(u.initialWindowSize)},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "submit settings")
	}
	if err := u.send(); err != nil {
		return nil, err
	}
	return u, nil
}

// sendCallback queues session output for the client socket, applying the
// upper watermark that is the sole client-direction backpressure.
func (u *SpdyUpstream) sendCallback(p []byte) (int, error) {
	if u.handler.out.Len() > u.outputWatermark {
		return 0, spdy.ErrWouldBlock
	}
	u.handler.out.Append(p)
	u.handler.kickWrite()
	return len(p), nil
}

func (u *SpdyUpstream) recvCallback(p []byte) (int, error) {
	n := u.handler.in.Remove(p)
	if n == 0 {
		return 0, spdy.ErrWouldBlock
	}
	return n, nil
}

func (u *SpdyUpstream) OnClientRead() error {
	if err := u.session.Recv(); err != nil {
		if errors.Cause(err) == spdy.ErrEOF {
			return io.EOF
		}
		return errors.WithMessage(err, "spdy recv")
	}
	return u.send()
}

func (u *SpdyUpstream) OnClientWrite() error {
	return u.send()
}

// send flushes pending session frames. After this call any Downstream
// reference held locally may be gone.
func (u *SpdyUpstream) send() error {
	if err := u.session.Send(); err != nil {
		return errors.WithMessage(err, "spdy send")
	}
	return nil
}

func (u *SpdyUpstream) onCtrlRecv(f spdy.Frame) {
	syn, ok := f.(*spdy.SynStream)
	if !ok {
		return
	}
	u.log.Debug("SYN_STREAM received", zap.Int32("stream_id", syn.StreamID))

	d := newDownstream(u, u.log, syn.StreamID, syn.Priority)
	u.queue.Add(d)

	for _, h := range syn.Headers {
		switch {
		case h.Name == ":path":
			d.requestPath = h.Value
		case h.Name == ":method":
			d.requestMethod = h.Value
		case !strings.HasPrefix(h.Name, ":"):
			d.AddRequestHeader(h.Name, h.Value)
		}
	}
	d.AddRequestHeader("X-Forwarded-Spdy", "true")
	d.hasRequestBody = !syn.Fin

	dc := u.handler.GetDownstreamConnection()
	if err := dc.AttachDownstream(d); err != nil {
		u.log.Warn("Origin connect failed", zap.Error(err),
			zap.Int32("stream_id", syn.StreamID))
		u.rstStream(d, spdy.StatusInternalError)
		d.requestState = stateConnectFail
		dc.Close()
		return
	}
	d.PushRequestHeaders()
	d.requestState = stateHeaderComplete
	if syn.Fin {
		d.requestState = stateMsgComplete
	}
}

func (u *SpdyUpstream) onDataChunkRecv(streamID int32, fin bool, p []byte) {
	d := u.queue.Find(streamID)
	if d == nil {
		return
	}
	d.PushUploadDataChunk(p)
	if u.flowControl {
		d.recvWindowSize += int32(len(p))
		if d.recvWindowSize > u.initialWindowSize {
			u.log.Info("Flow control violation",
				zap.Int32("stream_id", streamID),
				zap.Int32("recv_window_size", d.recvWindowSize),
				zap.Int32("initial_window_size", u.initialWindowSize))
			u.rstStream(d, spdy.StatusFlowControlError)
			return
		}
	}
	if fin {
		d.EndUploadData()
		d.requestState = stateMsgComplete
	}
}

func (u *SpdyUpstream) onStreamClose(streamID int32, status spdy.StatusCode) {
	d := u.queue.Find(streamID)
	if d == nil {
		return
	}
	u.log.Debug("Stream closing", zap.Int32("stream_id", streamID),
		zap.Stringer("status", status))
	if d.requestState == stateConnectFail {
		u.deleteDownstream(d)
		return
	}
	d.requestState = stateStreamClosed
	if d.responseState == stateMsgComplete && !d.responseConnectionClose {
		// Response fully delivered over a keep-alive origin connection:
		// the connection outlives the stream in the idle pool.
		if dc := d.dconn; dc != nil {
			dc.DetachDownstream(d)
			u.handler.PoolDownstreamConnection(dc)
		}
	}
	u.deleteDownstream(d)
}

// deleteDownstream removes d from the queue, dropping the attached origin
// connection with it.
func (u *SpdyUpstream) deleteDownstream(d *Downstream) {
	u.queue.Remove(d)
	if dc := d.dconn; dc != nil {
		d.dconn = nil
		dc.downstream = nil
		dc.Close()
	}
}

func (u *SpdyUpstream) OnOriginRead(dc *DownstreamConnection, p []byte) error {
	d := dc.downstream
	if d == nil {
		// Bytes on an idle pooled connection: the origin broke protocol.
		u.handler.RemoveDownstreamConnection(dc)
		dc.Close()
		return nil
	}
	if d.requestState == stateStreamClosed {
		// Stream is gone on the SPDY side; no consumer remains.
		u.deleteDownstream(d)
		return nil
	}
	if _, err := dc.parser.Parse(p); err != nil {
		u.log.Info("Origin response parse failure", zap.Error(err),
			zap.Int32("stream_id", d.streamID))
		if d.responseState == stateHeaderComplete {
			u.rstStream(d, spdy.StatusInternalError)
		} else {
			u.errorReply(d, http.StatusBadGateway)
		}
		d.responseState = stateMsgComplete
		d.dconn = nil
		dc.downstream = nil
		dc.Close()
	}
	return u.send()
}

// OnOriginWritable amortizes WINDOW_UPDATE: once the stream has consumed
// at least half its window of request body credit, acknowledge the whole
// accumulated amount at once.
func (u *SpdyUpstream) OnOriginWritable(dc *DownstreamConnection) error {
	d := dc.downstream
	if d == nil || !u.flowControl {
		return nil
	}
	if d.recvWindowSize >= u.initialWindowSize/2 {
		u.windowUpdate(d)
		return u.send()
	}
	return nil
}

func (u *SpdyUpstream) OnOriginEOF(dc *DownstreamConnection) error {
	d := dc.downstream
	if d == nil {
		u.handler.RemoveDownstreamConnection(dc)
		dc.Close()
		return nil
	}
	u.log.Debug("Origin EOF", zap.Int32("stream_id", d.streamID))
	if d.requestState == stateStreamClosed {
		u.deleteDownstream(d)
		return nil
	}
	// Drop the connection now; pooling it on stream close would hand out
	// a dead socket.
	d.dconn = nil
	dc.downstream = nil
	dc.Close()

	switch d.responseState {
	case stateHeaderComplete:
		// Origin signalled end of the body by closing.
		d.responseState = stateMsgComplete
		u.OnDownstreamBodyComplete(d)
		return u.send()
	case stateMsgComplete:
		return nil
	default:
		u.errorReply(d, http.StatusBadGateway)
		d.responseState = stateMsgComplete
		return u.send()
	}
}

func (u *SpdyUpstream) OnOriginError(dc *DownstreamConnection, ioErr error, timeout bool) error {
	d := dc.downstream
	if d == nil {
		u.handler.RemoveDownstreamConnection(dc)
		dc.Close()
		return nil
	}
	u.log.Debug("Origin error", zap.Error(ioErr), zap.Bool("timeout", timeout),
		zap.Int32("stream_id", d.streamID))
	if d.requestState == stateStreamClosed {
		u.deleteDownstream(d)
		return nil
	}
	d.dconn = nil
	dc.downstream = nil
	dc.Close()

	if d.responseState == stateMsgComplete {
		return nil
	}
	if d.responseState == stateHeaderComplete {
		u.rstStream(d, spdy.StatusInternalError)
	} else {
		code := http.StatusBadGateway
		if timeout {
			code = http.StatusGatewayTimeout
		}
		u.errorReply(d, code)
	}
	d.responseState = stateMsgComplete
	return u.send()
}

// hop-by-hop headers a proxy must not forward.
func isHopByHop(name string) bool {
	return strings.EqualFold(name, "Transfer-Encoding") ||
		strings.EqualFold(name, "Keep-Alive") ||
		strings.EqualFold(name, "Connection") ||
		strings.EqualFold(name, "Proxy-Connection")
}

// OnDownstreamHeaderComplete translates parsed origin headers into the
// SPDY response submission. Must not pump the session.
func (u *SpdyUpstream) OnDownstreamHeaderComplete(d *Downstream) error {
	if d.responseSubmitted {
		return nil
	}
	nv := make([]spdy.HeaderField, 0, len(d.responseHeaders)+3)
	nv = append(nv,
		spdy.HeaderField{Name: ":status", Value: statusString(d.responseHTTPStatus)},
		spdy.HeaderField{Name: ":version", Value: "HTTP/1.1"},
	)
	var viaValue, location string
	for _, h := range d.responseHeaders {
		switch {
		case isHopByHop(h.Name):
		case strings.EqualFold(h.Name, "Via"):
			viaValue = h.Value
		case strings.EqualFold(h.Name, "Location"):
			location = h.Value
		default:
			nv = append(nv, h)
		}
	}
	if location != "" {
		nv = append(nv, spdy.HeaderField{
			Name:  "location",
			Value: u.rewriter.RewriteLocation(location),
		})
	}
	if viaValue != "" {
		viaValue += ", "
	}
	viaValue += createViaHeaderValue(d.responseMajor, d.responseMinor,
		u.handler.conf.ServerName)
	nv = append(nv, spdy.HeaderField{Name: "via", Value: viaValue})

	err := u.session.SubmitResponse(d.streamID, nv, u.dataProvider())
	if err != nil {
		return errors.WithMessage(err, "submit response")
	}
	d.responseSubmitted = true
	return nil
}

// OnDownstreamBody buffers origin body bytes and re-arms the stream's
// data provider. Must not pump the session.
func (u *SpdyUpstream) OnDownstreamBody(d *Downstream, p []byte) error {
	d.responseBodyBuf.Append(p)
	u.session.ResumeData(d.streamID)
	if d.responseBodyBuf.Len() > u.outputWatermark {
		d.PauseRead(ReasonNoBuffer)
	}
	return nil
}

// OnDownstreamBodyComplete re-arms the provider so it can report EOF.
// Must not pump the session.
func (u *SpdyUpstream) OnDownstreamBodyComplete(d *Downstream) error {
	u.session.ResumeData(d.streamID)
	return nil
}

// dataProvider pulls response body bytes lazily. The stream is resolved
// by id on every read: the session may keep the provider around briefly
// after the stream died.
func (u *SpdyUpstream) dataProvider() *spdy.DataProvider {
	return &spdy.DataProvider{Read: func(streamID int32, p []byte) (int, bool, error) {
		d := u.queue.Find(streamID)
		if d == nil {
			return 0, true, nil
		}
		n := d.responseBodyBuf.Remove(p)
		if n == 0 {
			if d.responseState == stateMsgComplete {
				return 0, true, nil
			}
			return 0, false, spdy.ErrDeferred
		}
		if d.responseBodyBuf.Len() < u.outputWatermark {
			d.ResumeRead(ReasonNoBuffer)
		}
		return n, false, nil
	}}
}

// errorReply synthesizes a local HTTP error response on the stream. When
// headers already went out it degrades to RST_STREAM, keeping the
// one-response-per-stream rule.
func (u *SpdyUpstream) errorReply(d *Downstream, code int) {
	if d.responseSubmitted {
		u.rstStream(d, spdy.StatusInternalError)
		return
	}
	serverName := u.handler.conf.ServerName
	d.responseBodyBuf.AppendString(createErrorHTML(code, serverName))
	d.responseState = stateMsgComplete
	nv := []spdy.HeaderField{
		{Name: ":status", Value: statusString(code)},
		{Name: ":version", Value: "http/1.1"},
		{Name: "content-type", Value: "text/html; charset=UTF-8"},
		{Name: "server", Value: serverName},
	}
	if err := u.session.SubmitResponse(d.streamID, nv, u.dataProvider()); err != nil {
		u.log.Error("Error reply submit failed", zap.Error(err),
			zap.Int32("stream_id", d.streamID))
		return
	}
	d.responseSubmitted = true
}

func (u *SpdyUpstream) rstStream(d *Downstream, status spdy.StatusCode) {
	u.log.Debug("RST_STREAM", zap.Int32("stream_id", d.streamID),
		zap.Stringer("status", status))
	if err := u.session.SubmitRstStream(d.streamID, status); err != nil {
		u.log.Error("RST_STREAM submit failed", zap.Error(err),
			zap.Int32("stream_id", d.streamID))
	}
}

// windowUpdate acknowledges all request body bytes received since the
// last update and resets the counter.
func (u *SpdyUpstream) windowUpdate(d *Downstream) {
	delta := d.recvWindowSize
	d.recvWindowSize = 0
	if delta == 0 {
		return
	}
	if err := u.session.SubmitWindowUpdate(d.streamID, delta); err != nil {
		u.log.Error("WINDOW_UPDATE submit failed", zap.Error(err),
			zap.Int32("stream_id", d.streamID))
	}
}

// Close tears every live stream down and releases the session. After it
// returns the queue is empty and no origin connection is attached.
func (u *SpdyUpstream) Close() {
	u.queue.Each(func(d *Downstream) {
		if dc := d.dconn; dc != nil {
			d.dconn = nil
			dc.downstream = nil
			dc.Close()
		}
	})
	u.queue = NewDownstreamQueue()
	u.session.Close()
}
