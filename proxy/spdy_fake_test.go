// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/yandex/spdygate/spdy"
)

// fakeSession is a scripted spdy.Session. Tests queue inbound frames and
// the fake dispatches them on Recv; Send flushes queued outbound frames
// through the send callback (honoring its would-block watermark) and
// pumps registered data providers, recording everything it emits.
type fakeSession struct {
	cb   *spdy.Callbacks
	opts spdy.Options

	mu sync.Mutex

	inFrames []interface{} // *spdy.SynStream etc. or fakeData
	eof      bool

	wireLog     []string
	pendingWire [][]byte

	settings      [][]spdy.Setting
	responses     []fakeResponse
	rsts          []fakeRst
	windowUpdates []fakeWindowUpdate

	providers     map[int32]*spdy.DataProvider
	deferredIDs   map[int32]bool
	closedStreams map[int32]spdy.StatusCode
	pendingClose  []fakeRst
	body          map[int32][]byte

	closed bool
}

type fakeData struct {
	streamID int32
	fin      bool
	p        []byte
}

type fakeResponse struct {
	streamID int32
	headers  []spdy.HeaderField
}

type fakeRst struct {
	streamID int32
	status   spdy.StatusCode
}

type fakeWindowUpdate struct {
	streamID int32
	delta    int32
}

func newFakeSession(cb *spdy.Callbacks, opts spdy.Options) *fakeSession {
	return &fakeSession{
		cb:            cb,
		opts:          opts,
		providers:     make(map[int32]*spdy.DataProvider),
		deferredIDs:   make(map[int32]bool),
		closedStreams: make(map[int32]spdy.StatusCode),
		body:          make(map[int32][]byte),
	}
}

func (f *fakeSession) queueSynStream(syn *spdy.SynStream) {
	f.mu.Lock()
	f.inFrames = append(f.inFrames, syn)
	f.mu.Unlock()
}

func (f *fakeSession) queueData(streamID int32, fin bool, p []byte) {
	f.mu.Lock()
	f.inFrames = append(f.inFrames, fakeData{streamID, fin, p})
	f.mu.Unlock()
}

func (f *fakeSession) queueRst(streamID int32, status spdy.StatusCode) {
	f.mu.Lock()
	f.inFrames = append(f.inFrames, &spdy.RstStream{StreamID: streamID, Status: status})
	f.mu.Unlock()
}

func (f *fakeSession) queueEOF() {
	f.mu.Lock()
	f.eof = true
	f.mu.Unlock()
}

func (f *fakeSession) Recv() error {
	// Drain buffered transport bytes the way a real codec would.
	buf := make([]byte, 4096)
	for {
		n, err := f.cb.Recv(buf)
		if err != nil || n == 0 {
			break
		}
	}
	f.mu.Lock()
	frames := f.inFrames
	f.inFrames = nil
	eof := f.eof && len(frames) == 0
	f.mu.Unlock()

	for _, fr := range frames {
		switch fr := fr.(type) {
		case fakeData:
			f.cb.OnDataChunkRecv(fr.streamID, fr.fin, fr.p)
		case *spdy.RstStream:
			f.closeStream(fr.StreamID, fr.Status)
		case spdy.Frame:
			f.cb.OnCtrlRecv(fr)
		}
	}
	if eof {
		return spdy.ErrEOF
	}
	return nil
}

func (f *fakeSession) Send() error {
	if !f.flushWire() {
		return nil
	}
	for {
		f.mu.Lock()
		if len(f.pendingClose) > 0 {
			cl := f.pendingClose[0]
			f.pendingClose = f.pendingClose[1:]
			f.mu.Unlock()
			f.closeStream(cl.streamID, cl.status)
			continue
		}
		f.mu.Unlock()
		break
	}
	return f.pumpProviders()
}

// flushWire pushes queued frame bytes through the send callback.
// Reports false when the callback would block.
func (f *fakeSession) flushWire() bool {
	for {
		f.mu.Lock()
		if len(f.pendingWire) == 0 {
			f.mu.Unlock()
			return true
		}
		p := f.pendingWire[0]
		f.mu.Unlock()

		_, err := f.cb.Send(p)
		if errors.Cause(err) == spdy.ErrWouldBlock {
			return false
		}
		if err != nil {
			return false
		}
		f.mu.Lock()
		f.pendingWire = f.pendingWire[1:]
		f.mu.Unlock()
	}
}

func (f *fakeSession) pumpProviders() error {
	for {
		f.mu.Lock()
		var streamID int32 = -1
		var dp *spdy.DataProvider
		for id, p := range f.providers {
			if !f.deferredIDs[id] {
				streamID, dp = id, p
				break
			}
		}
		f.mu.Unlock()
		if dp == nil {
			return nil
		}
		if !f.pumpOne(streamID, dp) {
			return nil
		}
	}
}

// pumpOne drains one stream's provider until it defers, blocks, or ends.
// Reports false when the send side would block.
func (f *fakeSession) pumpOne(streamID int32, dp *spdy.DataProvider) bool {
	for {
		buf := make([]byte, 4096)
		n, eof, err := dp.Read(streamID, buf)
		if errors.Cause(err) == spdy.ErrDeferred {
			f.mu.Lock()
			f.deferredIDs[streamID] = true
			f.mu.Unlock()
			return true
		}
		if err != nil {
			return true
		}
		if n > 0 {
			f.mu.Lock()
			f.body[streamID] = append(f.body[streamID], buf[:n]...)
			f.wireLog = append(f.wireLog, fmt.Sprintf("DATA:%d:%d", streamID, n))
			f.pendingWire = append(f.pendingWire, buf[:n])
			f.mu.Unlock()
			if !f.flushWire() {
				return false
			}
		}
		if eof {
			f.closeStream(streamID, spdy.StatusOK)
			return true
		}
		if n == 0 {
			return true
		}
	}
}

func (f *fakeSession) closeStream(streamID int32, status spdy.StatusCode) {
	f.mu.Lock()
	if _, done := f.closedStreams[streamID]; done {
		f.mu.Unlock()
		return
	}
	f.closedStreams[streamID] = status
	delete(f.providers, streamID)
	delete(f.deferredIDs, streamID)
	f.mu.Unlock()
	f.cb.OnStreamClose(streamID, status)
}

func (f *fakeSession) SubmitSettings(entries []spdy.Setting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, entries)
	f.wireLog = append(f.wireLog, "SETTINGS")
	f.pendingWire = append(f.pendingWire, []byte("SETTINGS"))
	return nil
}

func (f *fakeSession) SubmitResponse(streamID int32, headers []spdy.HeaderField, dp *spdy.DataProvider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.closedStreams[streamID]; done {
		return spdy.ErrStreamClosed
	}
	f.responses = append(f.responses, fakeResponse{streamID, headers})
	f.providers[streamID] = dp
	f.wireLog = append(f.wireLog, fmt.Sprintf("SYN_REPLY:%d", streamID))
	f.pendingWire = append(f.pendingWire, []byte(fmt.Sprintf("SYN_REPLY:%d", streamID)))
	return nil
}

func (f *fakeSession) SubmitRstStream(streamID int32, status spdy.StatusCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rsts = append(f.rsts, fakeRst{streamID, status})
	f.wireLog = append(f.wireLog, fmt.Sprintf("RST:%d", streamID))
	f.pendingWire = append(f.pendingWire, []byte(fmt.Sprintf("RST:%d", streamID)))
	f.pendingClose = append(f.pendingClose, fakeRst{streamID, status})
	return nil
}

func (f *fakeSession) SubmitWindowUpdate(streamID int32, delta int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowUpdates = append(f.windowUpdates, fakeWindowUpdate{streamID, delta})
	f.wireLog = append(f.wireLog, fmt.Sprintf("WINDOW_UPDATE:%d:%d", streamID, delta))
	f.pendingWire = append(f.pendingWire, []byte("WINDOW_UPDATE"))
	return nil
}

func (f *fakeSession) ResumeData(streamID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deferredIDs, streamID)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Snapshot accessors for assertions from the test goroutine.

func (f *fakeSession) Settings() [][]spdy.Setting {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]spdy.Setting(nil), f.settings...)
}

func (f *fakeSession) Responses() []fakeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeResponse(nil), f.responses...)
}

func (f *fakeSession) Rsts() []fakeRst {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRst(nil), f.rsts...)
}

func (f *fakeSession) WindowUpdates() []fakeWindowUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeWindowUpdate(nil), f.windowUpdates...)
}

func (f *fakeSession) Body(streamID int32) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.body[streamID]...)
}

func (f *fakeSession) WireLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wireLog...)
}

func (f *fakeSession) StreamClosed(streamID int32) (spdy.StatusCode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.closedStreams[streamID]
	return status, ok
}

// fakeDialer hands out in-memory pipes; the test keeps the origin ends.
type fakeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	err   error
}

func (d *fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.conns = append(d.conns, remote)
	return local, nil
}

// Origin returns the test-side end of the i-th dialed connection.
func (d *fakeDialer) Origin(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
