// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// statusString renders a status line token like "502 Bad Gateway".
func statusString(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return strconv.Itoa(code)
	}
	return fmt.Sprintf("%d %s", code, text)
}

func createErrorHTML(code int, serverName string) string {
	status := statusString(code)
	return fmt.Sprintf(
		"<html><head><title>%s</title></head>"+
			"<body><h1>%s</h1><hr><address>%s</address></body></html>",
		status, status, serverName)
}

// createViaHeaderValue builds the token appended to the Via header:
// "<major>.<minor> <server-name>".
func createViaHeaderValue(major, minor int, serverName string) string {
	return fmt.Sprintf("%d.%d %s", major, minor, serverName)
}

// HostRewriter maps origin-internal URLs in Location headers to the
// externally visible host.
type HostRewriter struct {
	// origin host forms that count as internal
	originAddr string
	originHost string
	// externally visible replacement; empty disables rewriting
	externalHost string
}

func NewHostRewriter(originAddr, externalHost string) *HostRewriter {
	host := originAddr
	if h, _, err := net.SplitHostPort(originAddr); err == nil {
		host = h
	}
	return &HostRewriter{
		originAddr:   originAddr,
		originHost:   host,
		externalHost: externalHost,
	}
}

// RewriteLocation replaces the host of location when it points at the
// origin. Values that do not parse or point elsewhere pass through
// verbatim.
func (r *HostRewriter) RewriteLocation(location string) string {
	if r.externalHost == "" {
		return location
	}
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return location
	}
	if !strings.EqualFold(u.Host, r.originAddr) && !strings.EqualFold(u.Host, r.originHost) {
		return location
	}
	u.Host = r.externalHost
	return u.String()
}
