// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yandex/spdygate/http1"
	"github.com/yandex/spdygate/lib/iobuf"
	"github.com/yandex/spdygate/spdy"
)

// MsgState tracks progress of one message direction of a stream.
type MsgState int

const (
	stateInitial MsgState = iota
	stateHeaderComplete
	stateMsgComplete
	stateStreamClosed
	stateConnectFail
	stateIdle
)

func (s MsgState) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case stateHeaderComplete:
		return "HEADER_COMPLETE"
	case stateMsgComplete:
		return "MSG_COMPLETE"
	case stateStreamClosed:
		return "STREAM_CLOSED"
	case stateConnectFail:
		return "CONNECT_FAIL"
	case stateIdle:
		return "IDLE"
	}
	return "UNKNOWN"
}

// Downstream is the origin-facing state of one SPDY stream: the
// translated request, the parsed response, and the buffer the response
// body flows through on its way back into the session.
//
// The back reference to the Upstream is valid for the whole lifetime of a
// Downstream: the owning queue is torn down before the Upstream is. The
// DownstreamConnection reference is borrowed, never owned.
type Downstream struct {
	upstream Upstream
	dconn    *DownstreamConnection
	log      *zap.Logger

	streamID int32
	priority uint8

	requestState           MsgState
	requestMethod          string
	requestPath            string
	requestMajor           int
	requestMinor           int
	requestHeaders         []spdy.HeaderField
	chunkedRequest         bool
	requestConnectionClose bool
	requestExpect100       bool
	hasRequestBody         bool
	hasContentLength       bool

	responseState           MsgState
	responseHTTPStatus      int
	responseMajor           int
	responseMinor           int
	responseHeaders         []spdy.HeaderField
	chunkedResponse         bool
	responseConnectionClose bool
	responseSubmitted       bool
	responseBodyBuf         *iobuf.Buffer

	// recvWindowSize counts request body bytes received since the last
	// WINDOW_UPDATE. SPDY/3 only.
	recvWindowSize int32
}

func newDownstream(up Upstream, log *zap.Logger, streamID int32, priority uint8) *Downstream {
	return &Downstream{
		upstream:        up,
		log:             log.With(zap.Int32("stream_id", streamID)),
		streamID:        streamID,
		priority:        priority,
		requestMajor:    1,
		requestMinor:    1,
		responseBodyBuf: &iobuf.Buffer{},
	}
}

func (d *Downstream) StreamID() int32 { return d.streamID }

func (d *Downstream) RequestState() MsgState  { return d.requestState }
func (d *Downstream) ResponseState() MsgState { return d.responseState }

// AddRequestHeader appends a request header and derives the booleans the
// translation needs while ingesting it.
func (d *Downstream) AddRequestHeader(name, value string) {
	d.requestHeaders = append(d.requestHeaders, spdy.HeaderField{Name: name, Value: value})
	switch {
	case strings.EqualFold(name, "Connection"):
		if strings.EqualFold(strings.TrimSpace(value), "close") {
			d.requestConnectionClose = true
		}
	case strings.EqualFold(name, "Transfer-Encoding"):
		if strings.EqualFold(strings.TrimSpace(value), "chunked") {
			d.chunkedRequest = true
		}
	case strings.EqualFold(name, "Expect"):
		if strings.EqualFold(strings.TrimSpace(value), "100-continue") {
			d.requestExpect100 = true
		}
	case strings.EqualFold(name, "Content-Length"):
		d.hasContentLength = true
	}
}

// PushRequestHeaders serializes the HTTP/1.1 request line and headers to
// the attached origin connection. A request with a body but no declared
// length is converted to chunked framing, since SPDY carries no length up
// front.
func (d *Downstream) PushRequestHeaders() {
	if d.hasRequestBody && !d.hasContentLength && !d.chunkedRequest {
		d.chunkedRequest = true
		d.requestHeaders = append(d.requestHeaders,
			spdy.HeaderField{Name: "Transfer-Encoding", Value: "chunked"})
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/%d.%d\r\n",
		d.requestMethod, d.requestPath, d.requestMajor, d.requestMinor)
	for _, h := range d.requestHeaders {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	d.dconn.WriteString(b.String())
}

// PushUploadDataChunk forwards request body bytes to the origin, framed
// as a chunk when the request went out chunked.
func (d *Downstream) PushUploadDataChunk(p []byte) {
	if len(p) == 0 {
		return
	}
	if d.dconn == nil {
		return
	}
	if d.chunkedRequest {
		d.dconn.WriteString(fmt.Sprintf("%x\r\n", len(p)))
		d.dconn.Write(p)
		d.dconn.WriteString("\r\n")
		return
	}
	d.dconn.Write(p)
}

// EndUploadData terminates a chunked request body.
func (d *Downstream) EndUploadData() {
	if d.chunkedRequest && d.dconn != nil {
		d.dconn.WriteString("0\r\n\r\n")
	}
}

func (d *Downstream) PauseRead(reason IOCtrlReason) {
	if d.dconn != nil {
		d.dconn.ioctrl.PauseRead(reason)
	}
}

func (d *Downstream) ResumeRead(reason IOCtrlReason) bool {
	if d.dconn != nil {
		return d.dconn.ioctrl.ResumeRead(reason)
	}
	return false
}

func (d *Downstream) ForceResumeRead() {
	if d.dconn != nil {
		d.dconn.ioctrl.ForceResumeRead()
	}
}

// Downstream receives origin response parse events directly; fields fill
// in before the upstream hooks observe them.
var _ http1.ResponseHandler = (*Downstream)(nil)

func (d *Downstream) OnStatus(code, major, minor int) {
	d.responseHTTPStatus = code
	d.responseMajor = major
	d.responseMinor = minor
}

func (d *Downstream) OnHeader(name, value string) {
	d.responseHeaders = append(d.responseHeaders, spdy.HeaderField{Name: name, Value: value})
}

func (d *Downstream) OnHeadersComplete(info http1.HeadersInfo) {
	d.chunkedResponse = info.Chunked
	d.responseConnectionClose = info.ConnectionClose
	d.responseState = stateHeaderComplete
	d.upstream.OnDownstreamHeaderComplete(d)
}

func (d *Downstream) OnBody(p []byte) {
	d.upstream.OnDownstreamBody(d, p)
}

func (d *Downstream) OnMessageComplete() {
	d.responseState = stateMsgComplete
	d.upstream.OnDownstreamBodyComplete(d)
}
