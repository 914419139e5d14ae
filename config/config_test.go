// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package config

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Addr    string            `config:"addr" validate:"required,endpoint"`
	Timeout time.Duration     `config:"timeout" validate:"min-time=1ms"`
	Buffer  datasize.ByteSize `config:"buffer" validate:"min-size=4kb"`
}

func TestDecodeHooks(t *testing.T) {
	var conf testConfig
	err := Decode(map[string]interface{}{
		"addr":    "localhost:8080",
		"timeout": "30s",
		"buffer":  "64kb",
	}, &conf)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", conf.Addr)
	assert.Equal(t, 30*time.Second, conf.Timeout)
	assert.Equal(t, 64*datasize.KB, conf.Buffer)
}

func TestDecodeUnusedFieldFails(t *testing.T) {
	var conf testConfig
	err := Decode(map[string]interface{}{
		"addr":    "localhost:8080",
		"unknown": true,
	}, &conf)
	require.Error(t, err)
}

func TestDecodeDoesNotZeroFields(t *testing.T) {
	conf := testConfig{Timeout: time.Second}
	err := Decode(map[string]interface{}{"addr": ":80"}, &conf)
	require.NoError(t, err)
	assert.Equal(t, time.Second, conf.Timeout)
}

func TestValidate(t *testing.T) {
	conf := testConfig{Addr: "localhost:8080", Timeout: time.Second, Buffer: 64 * datasize.KB}
	require.NoError(t, Validate(conf))

	conf.Addr = "no port here"
	require.Error(t, Validate(conf))

	conf.Addr = "localhost:8080"
	conf.Buffer = datasize.KB
	require.Error(t, Validate(conf))
}

func TestEndpointValidation(t *testing.T) {
	assert.True(t, EndpointStringValidation("localhost:80"))
	assert.True(t, EndpointStringValidation(":80"))
	assert.False(t, EndpointStringValidation("localhost"))
	assert.False(t, EndpointStringValidation("localhost:notaport"))
}
