// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// Config is read-only at runtime: a ClientHandler captures it by value at
// creation and never reads shared state after that.
type Config struct {
	ListenAddr string `config:"listen-addr" validate:"required,endpoint"`
	CertFile   string `config:"cert-file"`
	KeyFile    string `config:"key-file"`

	// ServerName is emitted in Via tokens, error replies and the server
	// header of synthesized responses.
	ServerName string `config:"server-name" validate:"required"`
	// RewriteHost is the externally visible host written into rewritten
	// Location headers. Empty disables the rewrite.
	RewriteHost string `config:"rewrite-host"`

	// OutputWatermark bounds both the client-socket output queue and the
	// per-stream response body buffer.
	OutputWatermark datasize.ByteSize `config:"output-watermark" validate:"min-size=4kb"`

	Upstream   UpstreamConfig   `config:"upstream"`
	Downstream DownstreamConfig `config:"downstream"`
}

type UpstreamConfig struct {
	ReadTimeout          time.Duration `config:"read-timeout"`
	WriteTimeout         time.Duration `config:"write-timeout"`
	MaxConcurrentStreams uint32        `config:"max-concurrent-streams" validate:"min=1"`
}

type DownstreamConfig struct {
	// Addr is the origin server connect address.
	Addr           string        `config:"addr" validate:"required,endpoint"`
	ConnectTimeout time.Duration `config:"connect-timeout"`
	ReadTimeout    time.Duration `config:"read-timeout"`
	WriteTimeout   time.Duration `config:"write-timeout"`
	// PoolSize caps idle kept-alive origin connections per client
	// handler; overflow connections are closed instead of pooled.
	PoolSize int `config:"pool-size" validate:"min=0"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":3000",
		ServerName:      "spdygate",
		OutputWatermark: 64 * datasize.KB,
		Upstream: UpstreamConfig{
			ReadTimeout:          180 * time.Second,
			WriteTimeout:         60 * time.Second,
			MaxConcurrentStreams: 100,
		},
		Downstream: DownstreamConfig{
			Addr:           "127.0.0.1:80",
			ConnectTimeout: 3 * time.Second,
			ReadTimeout:    120 * time.Second,
			WriteTimeout:   30 * time.Second,
			PoolSize:       8,
		},
	}
}
