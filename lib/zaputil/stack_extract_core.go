// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package zaputil carries zap plumbing shared by the proxy binaries.
package zaputil

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewStackExtractCore wraps c so that error fields carrying
// github.com/pkg/errors stack traces are logged as plain messages, with
// the trace moved into zapcore.Entry.Stack. Console output then shows one
// readable stacktrace block per error instead of an inlined dump.
func NewStackExtractCore(c zapcore.Core) zapcore.Core {
	return &stackExtractCore{Core: c}
}

type stackExtractCore struct {
	zapcore.Core
	// stacks extracted from With fields; joined into every entry written
	// through this core.
	stacks []string
}

type stackTracer interface {
	error
	StackTrace() errors.StackTrace
}

func (c *stackExtractCore) With(fields []zapcore.Field) zapcore.Core {
	fields, stacks := extractStacks(fields, c.stacks)
	return &stackExtractCore{c.Core.With(fields), stacks}
}

func (c *stackExtractCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	// Level check only. A sampling core underneath would be bypassed;
	// the proxy logs through plain io/tee cores.
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *stackExtractCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	fields, stacks := extractStacks(fields, c.stacks)
	if len(stacks) == 0 {
		return c.Core.Write(ent, fields)
	}
	joined := strings.Join(stacks, "\n")
	if ent.Stack == "" {
		ent.Stack = joined
	} else {
		ent.Stack = ent.Stack + "\n" + joined
	}
	return c.Core.Write(ent, fields)
}

// extractStacks rewrites stacked error fields into stackless ones and
// collects their formatted traces. Both slices are cloned before the
// first modification, so the caller's field slice stays intact.
func extractStacks(fields []zapcore.Field, prev []string) ([]zapcore.Field, []string) {
	stacks := prev
	cloned := false
	for i, field := range fields {
		if field.Type != zapcore.ErrorType {
			continue
		}
		stacked, ok := field.Interface.(stackTracer)
		if !ok {
			continue
		}
		if !cloned {
			cloned = true
			fields = append([]zapcore.Field(nil), fields...)
			stacks = append([]string(nil), prev...)
		}
		if cause, ok := stacked.(interface{ Cause() error }); ok {
			field.Interface = cause.Cause()
		} else {
			field = zap.String(field.Key, stacked.Error())
		}
		fields[i] = field
		stacks = append(stacks,
			fmt.Sprintf("%s stacktrace:%+v", field.Key, stacked.StackTrace()))
	}
	return fields, stacks
}
