/*
Copyright 2026 The CFEngine authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package logging builds the structured logr.Logger used throughout the
// module, backed by zap and bridged through zapr.NewLogger.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the root logger.
type Options struct {
	Debug       bool
	Development bool
}

// Handle bundles the logr.Logger handed to components with the atomic
// level so that SIGUSR1/SIGUSR2 can flip verbosity in place.
type Handle struct {
	Logger logr.Logger
	level  zap.AtomicLevel
}

// New builds a Handle per Options.
func New(opts Options) *Handle {
	level := zap.NewAtomicLevel()
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Development {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	zl := zap.New(core, zap.AddCaller())

	return &Handle{Logger: zapr.NewLogger(zl), level: level}
}

// RaiseToDebug implements SIGUSR1.
func (h *Handle) RaiseToDebug() { h.level.SetLevel(zapcore.DebugLevel) }

// RestoreLevel implements SIGUSR2, restoring the configured default.
func (h *Handle) RestoreLevel(debugByDefault bool) {
	if debugByDefault {
		h.level.SetLevel(zapcore.DebugLevel)
	} else {
		h.level.SetLevel(zapcore.InfoLevel)
	}
}
