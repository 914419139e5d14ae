// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package spdy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSession struct{ Session }

func TestNewServerSessionUnregistered(t *testing.T) {
	_, err := NewServerSession(Version(99), &Callbacks{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no codec registered")
}

func TestRegisterCodec(t *testing.T) {
	var gotVersion Version
	var gotOpts Options
	RegisterCodec(Version(42), func(v Version, cb *Callbacks, opts Options) (Session, error) {
		gotVersion, gotOpts = v, opts
		return nopSession{}, nil
	})
	s, err := NewServerSession(Version(42), &Callbacks{}, Options{NoAutoWindowUpdate: true})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, Version(42), gotVersion)
	assert.True(t, gotOpts.NoAutoWindowUpdate)
}

func TestVersionFromProto(t *testing.T) {
	v, ok := VersionFromProto("spdy/3")
	assert.True(t, ok)
	assert.Equal(t, Version3, v)
	v, ok = VersionFromProto("spdy/3.1")
	assert.True(t, ok)
	assert.Equal(t, Version3, v)
	v, ok = VersionFromProto("spdy/2")
	assert.True(t, ok)
	assert.Equal(t, Version2, v)
	_, ok = VersionFromProto("http/1.1")
	assert.False(t, ok)
}
