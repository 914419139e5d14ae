// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package http1 implements an incremental HTTP/1.1 response parser.
// Bytes arrive in arbitrary slices straight off an origin socket; the
// parser fires handler callbacks as soon as enough input accumulates, so
// headers and body chunks stream out without waiting for the full message.
package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// HeadersInfo summarizes message framing decided at end of headers.
type HeadersInfo struct {
	// Chunked reports Transfer-Encoding: chunked framing.
	Chunked bool
	// ContentLength is the declared body length, or -1 when the body
	// runs until connection EOF (or when there is no body at all).
	ContentLength int64
	// ConnectionClose reports that the origin connection cannot be
	// reused after this message.
	ConnectionClose bool
}

// ResponseHandler receives parse events. Slices passed to OnBody are only
// valid during the call.
type ResponseHandler interface {
	OnStatus(code, major, minor int)
	OnHeader(name, value string)
	OnHeadersComplete(info HeadersInfo)
	OnBody(p []byte)
	OnMessageComplete()
}

// ParseError is a sticky parse failure; the parser accepts no input after
// returning one.
type ParseError struct {
	State string
	Line  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("http1: malformed %s: %q", e.State, e.Line)
}

type parseState int

const (
	stStatusLine parseState = iota
	stHeader
	stBodyIdentity
	stBodyEOF
	stChunkSize
	stChunkData
	stChunkDataEnd
	stTrailer
	stDone
)

// ResponseParser consumes one HTTP/1.1 response incrementally. Reset
// prepares it for the next response on a kept-alive connection.
type ResponseParser struct {
	h ResponseHandler

	// SkipBody forces a bodyless message (responses to HEAD). Must be
	// set before the first Parse call.
	SkipBody bool

	state parseState
	line  []byte
	err   error

	major, minor, code int

	pendingName  string
	pendingValue string

	chunked       bool
	contentLength int64
	connClose     bool
	connKeepAlive bool

	remain int64
}

func NewResponseParser(h ResponseHandler) *ResponseParser {
	p := &ResponseParser{h: h}
	p.Reset()
	return p
}

// Reset prepares the parser for the next message. SkipBody is cleared.
func (p *ResponseParser) Reset() {
	*p = ResponseParser{h: p.h, contentLength: -1}
}

// Done reports that the current message completed.
func (p *ResponseParser) Done() bool { return p.state == stDone }

// Parse consumes data, firing handler callbacks. It stops at the end of
// the current message: bytes past a completed message are left
// unconsumed and excluded from the returned count. On a parse error the
// count is the number of bytes consumed before the error.
func (p *ResponseParser) Parse(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	off := 0
	for off < len(data) && p.state != stDone {
		switch p.state {
		case stStatusLine, stHeader, stChunkSize, stChunkDataEnd, stTrailer:
			line, n, ok := p.takeLine(data[off:])
			off += n
			if !ok {
				return off, nil
			}
			if err := p.processLine(line); err != nil {
				p.err = err
				return off, err
			}
		case stBodyIdentity:
			n := intMin64(p.remain, int64(len(data)-off))
			p.h.OnBody(data[off : off+int(n)])
			p.remain -= n
			off += int(n)
			if p.remain == 0 {
				p.complete()
			}
		case stBodyEOF:
			p.h.OnBody(data[off:])
			off = len(data)
		case stChunkData:
			n := intMin64(p.remain, int64(len(data)-off))
			p.h.OnBody(data[off : off+int(n)])
			p.remain -= n
			off += int(n)
			if p.remain == 0 {
				p.state = stChunkDataEnd
			}
		}
	}
	return off, nil
}

// CloseEOF signals connection EOF. For a read-until-EOF body this is the
// legitimate end of the message; anywhere else mid-message it is an error.
func (p *ResponseParser) CloseEOF() error {
	switch p.state {
	case stBodyEOF:
		p.complete()
		return nil
	case stDone:
		return nil
	default:
		if p.err == nil {
			p.err = &ParseError{State: "message", Line: "unexpected EOF"}
		}
		return p.err
	}
}

// takeLine accumulates bytes until LF. ok is false while the line is still
// incomplete.
func (p *ResponseParser) takeLine(data []byte) (line string, n int, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		p.line = append(p.line, data...)
		return "", len(data), false
	}
	p.line = append(p.line, data[:i]...)
	raw := p.line
	p.line = p.line[:0]
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	return string(raw), i + 1, true
}

func (p *ResponseParser) processLine(line string) error {
	switch p.state {
	case stStatusLine:
		return p.statusLine(line)
	case stHeader:
		return p.headerLine(line)
	case stChunkSize:
		return p.chunkSizeLine(line)
	case stChunkDataEnd:
		if line != "" {
			return &ParseError{State: "chunk terminator", Line: line}
		}
		p.state = stChunkSize
		return nil
	case stTrailer:
		if line == "" {
			p.complete()
		}
		return nil
	}
	panic("unreachable")
}

func (p *ResponseParser) statusLine(line string) error {
	if line == "" { // tolerate leading CRLF before the status line
		return nil
	}
	malformed := &ParseError{State: "status line", Line: line}
	if !strings.HasPrefix(line, "HTTP/") {
		return malformed
	}
	ver, rest, ok := strings.Cut(strings.TrimPrefix(line, "HTTP/"), " ")
	if !ok {
		return malformed
	}
	maj, min, ok := strings.Cut(ver, ".")
	if !ok {
		return malformed
	}
	var err error
	if p.major, err = strconv.Atoi(maj); err != nil {
		return malformed
	}
	if p.minor, err = strconv.Atoi(min); err != nil {
		return malformed
	}
	codeStr, _, _ := strings.Cut(rest, " ")
	if len(codeStr) != 3 {
		return malformed
	}
	if p.code, err = strconv.Atoi(codeStr); err != nil {
		return malformed
	}
	p.h.OnStatus(p.code, p.major, p.minor)
	p.state = stHeader
	return nil
}

func (p *ResponseParser) headerLine(line string) error {
	if line == "" {
		p.flushHeader()
		return p.headersComplete()
	}
	if line[0] == ' ' || line[0] == '\t' {
		// obs-fold continuation of the previous header value
		if p.pendingName == "" {
			return &ParseError{State: "header", Line: line}
		}
		p.pendingValue += " " + strings.Trim(line, " \t")
		return nil
	}
	p.flushHeader()
	name, value, ok := strings.Cut(line, ":")
	if !ok || name == "" {
		return &ParseError{State: "header", Line: line}
	}
	p.pendingName = name
	p.pendingValue = strings.Trim(value, " \t")
	return nil
}

func (p *ResponseParser) flushHeader() {
	if p.pendingName == "" {
		return
	}
	name, value := p.pendingName, p.pendingValue
	p.pendingName, p.pendingValue = "", ""

	switch {
	case strings.EqualFold(name, "Transfer-Encoding"):
		if tokenListHas(value, "chunked") {
			p.chunked = true
		}
	case strings.EqualFold(name, "Content-Length"):
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n >= 0 {
			p.contentLength = n
		}
	case strings.EqualFold(name, "Connection"), strings.EqualFold(name, "Proxy-Connection"):
		if tokenListHas(value, "close") {
			p.connClose = true
		}
		if tokenListHas(value, "keep-alive") {
			p.connKeepAlive = true
		}
	}
	p.h.OnHeader(name, value)
}

func (p *ResponseParser) headersComplete() error {
	noBody := p.SkipBody || p.code/100 == 1 || p.code == 204 || p.code == 304
	info := HeadersInfo{
		Chunked:       p.chunked && !noBody,
		ContentLength: p.contentLength,
	}
	if noBody {
		info.ContentLength = -1
		info.Chunked = false
	}

	// Framing decides reusability together with explicit tokens:
	// a body delimited by EOF pins the connection to this message.
	eofBody := !noBody && !info.Chunked && p.contentLength < 0
	switch {
	case p.connClose:
		info.ConnectionClose = true
	case eofBody:
		info.ConnectionClose = true
	case p.major == 1 && p.minor == 0:
		info.ConnectionClose = !p.connKeepAlive
	case p.major == 0:
		info.ConnectionClose = true
	}

	p.h.OnHeadersComplete(info)

	switch {
	case noBody:
		p.complete()
	case info.Chunked:
		p.state = stChunkSize
	case p.contentLength == 0:
		p.complete()
	case p.contentLength > 0:
		p.remain = p.contentLength
		p.state = stBodyIdentity
	default:
		p.state = stBodyEOF
	}
	return nil
}

func (p *ResponseParser) chunkSizeLine(line string) error {
	if line == "" { // stray CRLF between chunks
		return nil
	}
	sizeStr, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return &ParseError{State: "chunk size", Line: line}
	}
	if size == 0 {
		p.state = stTrailer
		return nil
	}
	p.remain = size
	p.state = stChunkData
	return nil
}

func (p *ResponseParser) complete() {
	p.state = stDone
	p.h.OnMessageComplete()
}

func tokenListHas(list, token string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.EqualFold(strings.Trim(t, " \t"), token) {
			return true
		}
	}
	return false
}

func intMin64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
