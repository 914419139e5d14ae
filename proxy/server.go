// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/spdygate/lib/netutil"
	"github.com/yandex/spdygate/spdy"
)

// nextProtos lists supported protocols in preference order for NPN/ALPN.
var nextProtos = []string{"spdy/3", "spdy/2", "http/1.1"}

// Server accepts client connections and runs a ClientHandler per
// connection.
type Server struct {
	log    *zap.Logger
	conf   Config
	dialer netutil.Dialer
}

func NewServer(log *zap.Logger, conf Config) *Server {
	d := &net.Dialer{
		Timeout:   conf.Downstream.ConnectTimeout,
		DualStack: true,
	}
	return &Server{
		log:    log,
		conf:   conf,
		dialer: netutil.NewDNSCachingDialer(d, netutil.DefaultDNSCache),
	}
}

// ListenAndServe serves TLS with NPN protocol selection on the configured
// listen address until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.conf.CertFile, s.conf.KeyFile)
	if err != nil {
		return errors.WithMessage(err, "load TLS key pair")
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
	}
	ln, err := tls.Listen("tcp", s.conf.ListenAddr, tlsConf)
	if err != nil {
		return errors.WithMessage(err, "listen")
	}
	s.log.Info("Listening", zap.String("addr", s.conf.ListenAddr))
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. Plain TCP connections (no TLS) are
// served as SPDY/3.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.WithStack(err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.log.With(zap.String("client", conn.RemoteAddr().String()))
	version := spdy.Version3
	if tlsConn, ok := conn.(*tls.Conn); ok {
		tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			log.Debug("TLS handshake failed", zap.Error(err))
			conn.Close()
			return
		}
		tlsConn.SetDeadline(time.Time{})
		proto := tlsConn.ConnectionState().NegotiatedProtocol
		v, ok := spdy.VersionFromProto(proto)
		if !ok {
			// The HTTP/1.1 upstream lives elsewhere; this server only
			// bridges SPDY.
			log.Debug("Unsupported negotiated protocol",
				zap.String("proto", proto))
			conn.Close()
			return
		}
		version = v
	}
	h, err := NewClientHandler(log, s.conf, conn, version, s.dialer)
	if err != nil {
		log.Warn("Client handler setup failed", zap.Error(err))
		conn.Close()
		return
	}
	if err := h.Serve(ctx); err != nil && errors.Cause(err) != context.Canceled {
		log.Debug("Client handler finished", zap.Error(err))
	}
}
