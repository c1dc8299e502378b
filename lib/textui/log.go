// Copyright (C) 2019-2022  Ambassador Labs
// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: Apache-2.0
//
// Contains code based on:
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_logrus.go
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_testing.go
// https://github.com/telepresenceio/telepresence/blob/ece94a40b00a90722af36b12e40f91cbecc0550c/pkg/log/formatter.go

package textui

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
)

var logLevels = []struct {
	lvl  dlog.LogLevel
	name string
	abbr string
}{
	{dlog.LogLevelError, "error", "ERR"},
	{dlog.LogLevelWarn, "warn", "WRN"},
	{dlog.LogLevelInfo, "info", "INF"},
	{dlog.LogLevelDebug, "debug", "DBG"},
	{dlog.LogLevelTrace, "trace", "TRC"},
}

// LogLevelFlag is a pflag.Value for --verbosity.
type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

// Type implements pflag.Value.
func (*LogLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (lvl *LogLevelFlag) Set(str string) error {
	str = strings.ToLower(str)
	if str == "warning" {
		str = "warn"
	}
	for _, ent := range logLevels {
		if ent.name == str {
			lvl.Level = ent.lvl
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %q", str)
}

// String implements pflag.Value.
func (lvl *LogLevelFlag) String() string {
	for _, ent := range logLevels {
		if ent.lvl == lvl.Level {
			return ent.name
		}
	}
	panic(fmt.Errorf("invalid log level: %#v", lvl.Level))
}

type logField struct {
	key string
	val any
}

type logger struct {
	out    io.Writer
	lvl    dlog.LogLevel
	fields []logField // outermost first
}

var _ dlog.OptimizedLogger = (*logger)(nil)

// NewLogger returns a dlog.Logger that writes one line per message to
// out:
//
//	15:04:05.0000 INF allocator=seg0 writer=seg0/w1 : message : key=val (from file.go:123)
//
// Fields known to the segment store are written before the message,
// and other fields after it.
func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{
		out: out,
		lvl: lvl,
	}
}

// Helper implements dlog.Logger.
func (*logger) Helper() {}

// WithField implements dlog.Logger.
func (l *logger) WithField(key string, value any) dlog.Logger {
	fields := make([]logField, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	return &logger{
		out:    l.out,
		lvl:    l.lvl,
		fields: append(fields, logField{key: key, val: value}),
	}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

// Write implements io.Writer.
func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.log(lw.lvl, func(w io.Writer) {
		_, _ = w.Write(data)
	})
	return len(data), nil
}

// StdLogger implements dlog.Logger.
func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

// Log implements dlog.Logger.
func (*logger) Log(dlog.LogLevel, string) {
	panic("should not happen: optimized log methods should be used instead")
}

// UnformattedLog implements dlog.OptimizedLogger.
func (l *logger) UnformattedLog(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprint(w, args...)
	})
}

// UnformattedLogln implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogln(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintln(w, args...)
	})
}

// UnformattedLogf implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogf(lvl dlog.LogLevel, format string, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintf(w, format, args...)
	})
}

const (
	logTimeFmt  = "15:04:05.0000"
	thisModule  = "git.lukeshu.com/segstore-ng"
	thisPackage = thisModule + "/lib/textui"
)

var (
	logBufPool = typedsync.Pool[*bytes.Buffer]{
		New: func() *bytes.Buffer {
			return new(bytes.Buffer)
		},
	}
	logMu      sync.Mutex
	thisModDir string
)

func init() {
	//nolint:dogsled // I can't change the signature of the stdlib.
	_, file, _, _ := runtime.Caller(0)
	thisModDir = filepath.Dir(filepath.Dir(filepath.Dir(file)))
}

func (l *logger) log(lvl dlog.LogLevel, writeMsg func(io.Writer)) {
	if lvl > l.lvl {
		return
	}
	buf, _ := logBufPool.Get()
	defer func() {
		buf.Reset()
		logBufPool.Put(buf)
	}()

	var tbuf [len(logTimeFmt)]byte
	buf.Write(time.Now().AppendFormat(tbuf[:0], logTimeFmt))
	for _, ent := range logLevels {
		if ent.lvl == lvl {
			buf.WriteString(" " + ent.abbr)
		}
	}

	lead, trail := l.sortedFields()
	for _, f := range lead {
		writeField(buf, f)
	}

	buf.WriteString(" : ")
	writeMsg(buf)

	sep := " :"
	for _, f := range trail {
		buf.WriteString(sep)
		sep = ""
		writeField(buf, f)
	}
	if loc, ok := callerLocation(); ok {
		buf.WriteString(sep)
		buf.WriteString(" (from " + loc + ")")
	}
	buf.WriteByte('\n')

	logMu.Lock()
	_, _ = l.out.Write(buf.Bytes())
	logMu.Unlock()
}

// callerLocation returns "file:line" (relative to the module root) of
// the innermost caller that is in this module but outside of textui.
func callerLocation() (string, bool) {
	var pcs [25]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if strings.HasPrefix(f.Function, thisModule+"/") && !strings.HasPrefix(f.Function, thisPackage+".") {
			return strings.TrimPrefix(f.File, thisModDir+"/") + ":" + strconv.Itoa(f.Line), true
		}
		if !more {
			return "", false
		}
	}
}

// sortedFields de-duplicates the logger's fields (inner values win),
// and splits them into those written before the message and those
// written after it.
func (l *logger) sortedFields() (lead, trail []logField) {
	seen := make(map[string]struct{}, len(l.fields))
	all := make([]logField, 0, len(l.fields))
	for i := len(l.fields) - 1; i >= 0; i-- {
		f := l.fields[i]
		if _, dup := seen[f.key]; dup {
			continue
		}
		seen[f.key] = struct{}{}
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		iOrd, jOrd := fieldOrd(all[i].key), fieldOrd(all[j].key)
		if iOrd != jOrd {
			return iOrd < jOrd
		}
		return all[i].key < all[j].key
	})
	split := sort.Search(len(all), func(i int) bool {
		return fieldOrd(all[i].key) >= 0
	})
	return all[:split], all[split:]
}

// fieldOrder positions well-known fields; negative values go to the
// left of the message, lowest first.  Unlisted fields go to the
// right.
var fieldOrder = map[string]int{
	"THREAD": -99, // dgroup

	"segstore.allocator":   -30,
	"segstore.writer":      -20,
	"segstore.txn":         -10,
	"segstore.lbaindex.db": -1,
}

func fieldOrd(key string) int {
	if ord, ok := fieldOrder[key]; ok {
		return ord
	}
	return 1
}

func writeField(buf *bytes.Buffer, f logField) {
	name := f.key
	val := printer.Sprint(f.val)

	switch {
	case name == "THREAD":
		name = "thread"
		switch {
		case val == "" || val == "/main":
			return
		case strings.HasPrefix(val, "/main/"):
			val = val[len("/main/"):]
		case strings.HasPrefix(val, "/"):
			val = val[len("/"):]
		}
	case strings.HasPrefix(name, "segstore."):
		name = strings.TrimPrefix(name, "segstore.")
		name = strings.TrimPrefix(name, "lbaindex.")
	}

	if strings.HasPrefix(val, `"`) || strings.IndexFunc(val, func(r rune) bool {
		return r == ' ' || !unicode.IsPrint(r)
	}) >= 0 {
		val = strconv.Quote(val)
	}

	buf.WriteString(" " + name + "=" + val)
}
