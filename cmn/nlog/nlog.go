// Package nlog provides severity-leveled, buffered logging with
// size-based file rotation for the broker and its modules.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flux-framework/flux-core-go/cmn/mono"
)

const (
	fixedSize   = 64 * 1024
	maxLineSize = 2 * 1024
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}
var sevText = [...]string{sevInfo: "INFO", sevWarn: "WARNING", sevErr: "ERROR"}

var (
	toStderr     bool
	alsoToStderr bool
	logDir       string
	aisrole      string
	title        string

	nlogs [3]*nlog

	host string
	pid  = os.Getpid()
)

func init() {
	host, _ = os.Hostname()
	for sev := range nlogs {
		nlogs[sev] = newNlog(severity(sev))
	}
}

type fixed struct {
	buf  []byte
	woff int
}

func (f *fixed) reset()             { f.woff = 0 }
func (f *fixed) size() int          { return len(f.buf) }
func (f *fixed) avail() int         { return len(f.buf) - f.woff }
func (f *fixed) writeByte(b byte)   { f.buf[f.woff] = b; f.woff++ }
func (f *fixed) writeString(s string) int {
	n := copy(f.buf[f.woff:], s)
	f.woff += n
	return n
}
func (f *fixed) Write(p []byte) (int, error) {
	n := copy(f.buf[f.woff:], p)
	f.woff += n
	return n, nil
}
func (f *fixed) eol() {
	if f.woff == 0 || f.buf[f.woff-1] != '\n' {
		f.writeByte('\n')
	}
}
func (f *fixed) flush(w *os.File) (int, error) {
	if w == nil {
		return 0, nil
	}
	return w.Write(f.buf[:f.woff])
}

type nlog struct {
	file    *os.File
	pw      *fixed
	line    fixed
	written atomic.Int64
	last    atomic.Int64
	sev     severity
	erred   atomic.Bool
	mw      sync.Mutex
}

func newNlog(sev severity) *nlog {
	n := &nlog{
		sev:  sev,
		pw:   &fixed{buf: make([]byte, fixedSize)},
		line: fixed{buf: make([]byte, maxLineSize)},
	}
	return n
}

func (n *nlog) since(now int64) time.Duration { return time.Duration(now - n.last.Load()) }

func (n *nlog) printf(sev severity, depth int, format string, args ...any) {
	n.mw.Lock()
	n.line.reset()
	sprintf(sev, depth+1, format, &n.line, args...)
	n.write(&n.line)
	n.mw.Unlock()
}

// under mw-lock
func (n *nlog) write(line *fixed) {
	if n.pw.avail() < line.woff {
		n.flushLocked()
	}
	n.pw.Write(line.buf[:line.woff])
	if n.pw.avail() < maxLineSize {
		n.flushLocked()
	}
}

// under mw-lock
func (n *nlog) flushLocked() {
	if n.pw.woff == 0 {
		return
	}
	if n.erred.Load() || n.file == nil {
		os.Stderr.Write(n.pw.buf[:n.pw.woff])
	} else {
		written, err := n.pw.flush(n.file)
		if err != nil {
			n.erred.Store(true)
		}
		n.written.Add(int64(written))
		n.last.Store(mono.NanoTime())
	}
	n.pw.reset()
	if n.written.Load() >= MaxSize {
		n.rotate(time.Now())
	}
}

func (n *nlog) rotate(now time.Time) {
	if n.file != nil {
		n.file.Close()
	}
	f, err := fcreate(sevText[n.sev], now)
	if err != nil {
		n.erred.Store(true)
		return
	}
	n.file = f
	n.written.Store(0)
	n.erred.Store(false)
	s := fmt.Sprintf("host %s, %s for %s/%s\n", host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if title == "" {
		fmt.Fprintf(n.file, "Started up at %s, %s", now.Format("2006/01/02 15:04:05"), s)
	} else {
		fmt.Fprintf(n.file, "Rotated at %s, %s%s", now.Format("2006/01/02 15:04:05"), s, title)
	}
}

var (
	MaxSize int64 = 4 * 1024 * 1024
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func SetLogDirRole(dir, role string) { logDir, aisrole = dir, role }
func SetTitle(s string)              { title = s }

func sname() string {
	if aisrole == "" {
		return filepath.Base(os.Args[0])
	}
	return aisrole
}

func fcreate(tag string, t time.Time) (*os.File, error) {
	if logDir == "" {
		return nil, nil
	}
	name := fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d.log",
		sname(), host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
	return os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func formatHdr(s severity, depth int, fb *fixed) {
	_, fn, ln, ok := runtime.Caller(3 + depth)
	fb.writeByte(sevChar[s])
	fb.writeByte(' ')
	fb.writeString(time.Now().Format("15:04:05.000000"))
	fb.writeByte(' ')
	if !ok {
		return
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx > 0 {
		fn = fn[idx+1:]
	}
	fb.writeString(fn)
	fb.writeByte(':')
	fb.writeString(strconv.Itoa(ln))
	fb.writeByte(' ')
}

func sprintf(sev severity, depth int, format string, fb *fixed, args ...any) {
	formatHdr(sev, depth+1, fb)
	if format == "" {
		fmt.Fprintln(fb, args...)
	} else {
		fmt.Fprintf(fb, format, args...)
		fb.eol()
	}
}

func log(sev severity, depth int, format string, args ...any) {
	if !flag.Parsed() || toStderr {
		fb := &fixed{buf: make([]byte, maxLineSize)}
		sprintf(sev, depth, format, fb, args...)
		fb.flush(os.Stderr)
		return
	}
	if alsoToStderr || sev >= sevWarn {
		fb := &fixed{buf: make([]byte, maxLineSize)}
		sprintf(sev, depth, format, fb, args...)
		if alsoToStderr || sev >= sevErr {
			fb.flush(os.Stderr)
		}
		if sev >= sevWarn {
			w := nlogs[sevErr]
			w.mw.Lock()
			w.write(fb)
			w.mw.Unlock()
		}
		i := nlogs[sevInfo]
		i.mw.Lock()
		i.write(fb)
		i.mw.Unlock()
		return
	}
	nlogs[sevInfo].printf(sev, depth, format, args...)
}

func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, sev := range []severity{sevInfo, sevErr} {
		n := nlogs[sev]
		n.mw.Lock()
		n.flushLocked()
		if ex && n.file != nil {
			n.file.Sync()
			n.file.Close()
		}
		n.mw.Unlock()
	}
}

func Since() time.Duration {
	now := mono.NanoTime()
	a, b := nlogs[sevInfo].since(now), nlogs[sevErr].since(now)
	if a > b {
		return a
	}
	return b
}
