// Package shilog is a small structured logger modeled on go-ethereum's log
// package: leveled, key-value pairs, colored terminal output when attached
// to a tty.
package shilog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging level, ordered least to most severe.
type Lvl int

const (
	LvlDebug Lvl = iota
	LvlInfo
	LvlWarn
	LvlError
)

var lvlNames = map[Lvl]string{
	LvlDebug: "DEBUG",
	LvlInfo:  "INFO",
	LvlWarn:  "WARN",
	LvlError: "ERROR",
}

var lvlColor = map[Lvl]*color.Color{
	LvlDebug: color.New(color.FgHiBlack),
	LvlInfo:  color.New(color.FgGreen),
	LvlWarn:  color.New(color.FgYellow),
	LvlError: color.New(color.FgRed, color.Bold),
}

// Logger is a named, context-carrying logger. Construct one with New,
// which writes to stderr at LvlInfo; the zero value has no output writer.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	name   string
	ctx    []interface{}
	level  Lvl
	color  bool
	caller bool
}

var root = New("shi")

// New creates a named logger with the given static key-value context.
func New(name string, ctx ...interface{}) *Logger {
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	return &Logger{
		out:    colorable.NewColorableStderr(),
		name:   name,
		ctx:    ctx,
		level:  LvlInfo,
		color:  useColor,
		caller: true,
	}
}

// With returns a derived logger carrying additional static context.
func (l *Logger) With(ctx ...interface{}) *Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &Logger{out: l.out, name: l.name, ctx: nctx, level: l.level, color: l.color, caller: l.caller}
}

// SetLevel adjusts the minimum level this logger emits.
func (l *Logger) SetLevel(lvl Lvl) { l.level = lvl }

func (l *Logger) log(lvl Lvl, msg string, kv []interface{}) {
	if lvl < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	levelStr := lvlNames[lvl]
	if l.color {
		levelStr = lvlColor[lvl].Sprint(levelStr)
	}

	fmt.Fprintf(l.out, "%s [%s] %-5s %s", ts, l.name, levelStr, msg)
	all := make([]interface{}, 0, len(l.ctx)+len(kv))
	all = append(all, l.ctx...)
	all = append(all, kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	if l.caller {
		if frames := stack.Trace().TrimRuntime(); len(frames) > 2 {
			fmt.Fprintf(l.out, " caller=%v", frames[2])
		}
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LvlDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LvlInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LvlWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LvlError, msg, kv) }

// Package-level convenience wrappers over a default root logger, mirroring
// go-ethereum's top-level log.Info(...) call sites.
func Debug(msg string, kv ...interface{}) { root.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { root.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { root.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { root.Error(msg, kv...) }
