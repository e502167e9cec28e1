// Package applog builds the zap-based logger used throughout ddhcpd,
// modeled on bg/ap_common/aputil's NewLogger/ThrottledLogger.
package applog

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	atomicLevel = zap.NewAtomicLevel()
	daemonName  string
	tloggers    = make(map[string]*ThrottledLogger)
)

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006/01/02 15:04:05.000"))
}

func callerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	dir, fileName := filepath.Split(caller.File)
	dir = filepath.Base(dir)
	if dir != daemonName {
		fileName = filepath.Join(dir, fileName)
	}
	enc.AppendString(fmt.Sprintf("%s:%s:%d", daemonName, fileName, caller.Line))
}

// New returns a sugared zap logger whose every line carries a
// timestamp, level, and enough of the call site to find it again.
func New(name string) *zap.SugaredLogger {
	daemonName = name

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = atomicLevel
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = timeEncoder
	cfg.EncoderConfig.EncodeCaller = callerEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("applog: can't build zap logger: %s", err))
	}
	return logger.Sugar()
}

// SetLevel adjusts the level of every logger built by New.
func SetLevel(level zapcore.Level) {
	atomicLevel.SetLevel(level)
}

// ThrottledLogger wraps a sugared logger with exponential backoff, for
// call sites a hostile or flaky peer can drive arbitrarily hard: a
// malformed-datagram warning, a repeated dispute loss, a stuck mailbox
// timeout.
type ThrottledLogger struct {
	slog      *zap.SugaredLogger
	next      time.Time
	baseDelay time.Duration
	maxDelay  time.Duration
	curDelay  time.Duration
}

// Clear resets the logger's backoff to its base delay.
func (t *ThrottledLogger) Clear() {
	t.next = time.Now()
	t.curDelay = t.baseDelay
}

func (t *ThrottledLogger) ready() bool {
	now := time.Now()
	if !now.After(t.next) {
		return false
	}
	t.next = now.Add(t.curDelay)
	t.curDelay *= 2
	if t.curDelay > t.maxDelay {
		t.curDelay = t.maxDelay
	}
	return true
}

// Warnw issues a WARN message, subject to the backoff.
func (t *ThrottledLogger) Warnw(msg string, kv ...interface{}) {
	if t.ready() {
		t.slog.Warnw(msg, kv...)
	}
}

// Errorw issues an ERROR message, subject to the backoff.
func (t *ThrottledLogger) Errorw(msg string, kv ...interface{}) {
	if t.ready() {
		t.slog.Errorw(msg, kv...)
	}
}

// GetThrottled returns the throttled logger unique to its call site,
// allocating one on first use.
func GetThrottled(slog *zap.SugaredLogger, start, max time.Duration) *ThrottledLogger {
	var key string
	if _, file, line, ok := runtime.Caller(1); ok {
		key = file + ":" + strconv.Itoa(line)
	} else {
		key = "unknown"
	}

	t, ok := tloggers[key]
	if !ok {
		t = &ThrottledLogger{
			slog:      slog.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
			next:      time.Now(),
			baseDelay: start,
			curDelay:  start,
			maxDelay:  max,
		}
		tloggers[key] = t
	}
	return t
}
