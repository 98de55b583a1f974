/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging builds the per-daemon logr.Logger each cmd/ entrypoint
// installs into its context, per spec.md §6: one rolling log file per
// daemon, lines shaped "ISO-8601 LEVEL component - message".
package logging

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var bufferPool = buffer.NewPool()

// Config bundles the per-daemon rolling-file settings. Component names one
// of the four daemons (clustermgtd, slurmresume, slurmsuspend, computemgtd)
// and becomes every line's component field.
type Config struct {
	Component  string
	FilePath   string
	Level      string // "debug", "info", "error"
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// New builds a logr.Logger backed by zap, writing through lumberjack for
// rotation, in the line shape spec.md §6 names.
func New(cfg Config) logr.Logger {
	writer := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
	}
	core := zapcore.NewCore(newLineEncoder(cfg.Component), zapcore.AddSync(writer), levelFor(cfg.Level))
	zapLogger := zap.New(core, zap.AddCaller())
	return zapr.NewLogger(zapLogger)
}

func levelFor(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "error":
		return zapcore.ErrorLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// lineEncoder renders "ISO-8601 LEVEL component - message key=value ..."
// instead of zap's own console or JSON layouts, per spec.md §6. It embeds
// a MapObjectEncoder to accumulate fields added via logger.With(...); the
// embedding promotes every ObjectEncoder method, leaving only Clone and
// EncodeEntry to implement by hand for the full Encoder interface.
type lineEncoder struct {
	*zapcore.MapObjectEncoder
	component string
}

func newLineEncoder(component string) zapcore.Encoder {
	return &lineEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder(), component: component}
}

func (e *lineEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range e.MapObjectEncoder.Fields {
		clone.Fields[k] = v
	}
	return &lineEncoder{MapObjectEncoder: clone, component: e.component}
}

func (e *lineEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	all := zapcore.NewMapObjectEncoder()
	for k, v := range e.MapObjectEncoder.Fields {
		all.Fields[k] = v
	}
	for _, f := range fields {
		f.AddTo(all)
	}

	line := bufferPool.Get()
	line.AppendString(entry.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	line.AppendByte(' ')
	line.AppendString(strings.ToUpper(entry.Level.String()))
	line.AppendByte(' ')
	line.AppendString(e.component)
	line.AppendString(" - ")
	line.AppendString(entry.Message)
	for _, key := range sortedKeys(all.Fields) {
		line.AppendByte(' ')
		line.AppendString(key)
		line.AppendByte('=')
		fmt.Fprint(line, all.Fields[key])
	}
	if entry.Stack != "" {
		line.AppendByte('\n')
		line.AppendString(entry.Stack)
	}
	line.AppendByte('\n')
	return line, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
