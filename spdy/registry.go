// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package spdy

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	codecsMu sync.RWMutex
	codecs   = map[Version]SessionFactory{}
)

// RegisterCodec installs the session factory for a protocol version.
// Codec packages call it from init; the last registration wins.
func RegisterCodec(v Version, f SessionFactory) {
	if f == nil {
		panic("spdy: RegisterCodec with nil factory")
	}
	codecsMu.Lock()
	codecs[v] = f
	codecsMu.Unlock()
}

// NewServerSession creates a server session using the codec registered
// for the version.
func NewServerSession(v Version, cb *Callbacks, opts Options) (Session, error) {
	codecsMu.RLock()
	f := codecs[v]
	codecsMu.RUnlock()
	if f == nil {
		return nil, errors.Errorf("spdy: no codec registered for %s", v)
	}
	return f(v, cb, opts)
}
