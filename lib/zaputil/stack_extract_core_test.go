// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package zaputil

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func plainFields() []zapcore.Field {
	return []zapcore.Field{
		zap.String("key", "value"),
		zap.Error(fmt.Errorf("flat error")),
	}
}

func formattedStack(err error) string {
	return fmt.Sprintf("%+v", err.(stackTracer).StackTrace())
}

func TestStackExtractPassthrough(t *testing.T) {
	nested, logs := observer.New(zap.DebugLevel)
	log := zap.New(NewStackExtractCore(nested))

	log.Debug("test", plainFields()...)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "test", entry.Message)
	assert.Empty(t, entry.Stack)
	assert.Equal(t, plainFields(), entry.Context)
}

func TestStackExtractFromWriteFields(t *testing.T) {
	stackedErr := errors.New("stacked error msg")
	nested, logs := observer.New(zap.DebugLevel)
	core := NewStackExtractCore(nested)

	fields := append(plainFields(), zap.Error(stackedErr))
	fieldsCopy := append([]zapcore.Field(nil), fields...)
	require.NoError(t, core.Write(zapcore.Entry{Message: "test"}, fields))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "error stacktrace:"+formattedStack(stackedErr), entry.Stack)
	assert.Equal(t,
		append(plainFields(), zap.String("error", "stacked error msg")),
		entry.Context)
	// The caller's slice is not rewritten in place.
	assert.Equal(t, fieldsCopy, fields)
}

func TestStackExtractFromWithFields(t *testing.T) {
	cause := fmt.Errorf("root cause")
	stackedErr := errors.WithStack(cause)
	nested, logs := observer.New(zap.DebugLevel)
	core := NewStackExtractCore(nested)

	core = core.With([]zapcore.Field{zap.Error(stackedErr)})
	require.NoError(t, core.Write(zapcore.Entry{Message: "test"}, nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "error stacktrace:"+formattedStack(stackedErr), entry.Stack)
	// Wrapped errors keep their cause as the field value.
	assert.Equal(t, []zapcore.Field{zap.Error(cause)}, entry.Context)
}

func TestStackExtractAppendsToEntryStack(t *testing.T) {
	stackedErr := errors.New("stacked error msg")
	nested, logs := observer.New(zap.DebugLevel)
	core := NewStackExtractCore(nested)

	entry := zapcore.Entry{Message: "test", Stack: "entry stack"}
	require.NoError(t, core.Write(entry,
		[]zapcore.Field{zap.NamedError("custom-key", stackedErr)}))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t,
		"entry stack\ncustom-key stacktrace:"+formattedStack(stackedErr),
		logs.All()[0].Entry.Stack)
}
