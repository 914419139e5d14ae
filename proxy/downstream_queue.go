// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

// DownstreamQueue owns every live Downstream of one upstream, keyed by
// stream id. Removal hands ownership back to the caller.
type DownstreamQueue struct {
	streams map[int32]*Downstream
}

func NewDownstreamQueue() *DownstreamQueue {
	return &DownstreamQueue{streams: make(map[int32]*Downstream)}
}

func (q *DownstreamQueue) Add(d *Downstream) {
	q.streams[d.streamID] = d
}

func (q *DownstreamQueue) Remove(d *Downstream) {
	delete(q.streams, d.streamID)
}

func (q *DownstreamQueue) Find(streamID int32) *Downstream {
	return q.streams[streamID]
}

func (q *DownstreamQueue) Len() int {
	return len(q.streams)
}

// Each calls f for every live Downstream. f must not mutate the queue.
func (q *DownstreamQueue) Each(f func(*Downstream)) {
	for _, d := range q.streams {
		f(d)
	}
}
