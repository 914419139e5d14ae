// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package netutil provides the dialing helpers the proxy uses for origin
// connections.
package netutil

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Dialer is the subset of net.Dialer origin connects go through.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = &net.Dialer{}

type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// NewDNSCachingDialer pins the origin address to whatever the first
// successful dial resolved it to, so per-stream connects skip the
// resolver. Failed dials leave the cache untouched and the next connect
// resolves again.
func NewDNSCachingDialer(dialer Dialer, cache DNSCache) DialerFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if resolved, ok := cache.Get(addr); ok {
			return dialer.DialContext(ctx, network, resolved)
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "dialed address is not host:port")
		}
		remote := conn.RemoteAddr().(*net.TCPAddr)
		cache.Add(addr, net.JoinHostPort(remote.IP.String(), port))
		return conn, nil
	}
}

var DefaultDNSCache DNSCache = &SimpleDNSCache{}

// DNSCache maps a dial address to its resolved form.
type DNSCache interface {
	Get(addr string) (resolved string, ok bool)
	Add(addr, resolved string)
}

// SimpleDNSCache remembers resolutions forever. The zero value is ready
// to use.
type SimpleDNSCache struct {
	rw         sync.RWMutex
	hostToAddr map[string]string
}

func (c *SimpleDNSCache) Get(addr string) (resolved string, ok bool) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	resolved, ok = c.hostToAddr[addr]
	return
}

func (c *SimpleDNSCache) Add(addr, resolved string) {
	c.rw.Lock()
	defer c.rw.Unlock()
	if c.hostToAddr == nil {
		c.hostToAddr = make(map[string]string)
	}
	c.hostToAddr[addr] = resolved
}
