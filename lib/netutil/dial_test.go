// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package netutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleDNSCache(t *testing.T) {
	var cache SimpleDNSCache
	_, ok := cache.Get("host:80")
	assert.False(t, ok)

	cache.Add("host:80", "1.2.3.4:80")
	resolved, ok := cache.Get("host:80")
	assert.True(t, ok)
	assert.Equal(t, "1.2.3.4:80", resolved)
}

func TestDNSCachingDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	var cache SimpleDNSCache
	dialer := NewDNSCachingDialer(&net.Dialer{}, &cache)

	conn, err := dialer.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	resolved, ok := cache.Get(ln.Addr().String())
	assert.True(t, ok)
	assert.NotEmpty(t, resolved)

	// Second dial goes through the cached addr.
	conn, err = dialer.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}
