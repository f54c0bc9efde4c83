package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type ctxKey struct{}

// Logger writes tagged lines for humans (or json objects for machines).
// Out is for results and goes to the out writer; everything else goes to err.
type Logger struct {
	out     io.Writer
	err     io.Writer
	json    bool
	quiet   bool
	verbose bool
	mu      *sync.Mutex
}

func DefaultLogger() Logger {
	return NewLogger(os.Stdout, os.Stderr, false, false, false)
}

func NewLogger(out, err io.Writer, json, quiet, verbose bool) Logger {
	return Logger{
		out:     out,
		err:     err,
		json:    json,
		quiet:   quiet,
		verbose: verbose,
		mu:      &sync.Mutex{},
	}
}

// Ctx returns the logger stored in ctx.
// A discarding logger is returned when none was set.
func Ctx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	l := NewLogger(io.Discard, io.Discard, false, true, false)
	return &l
}

// WithContext returns a copy of ctx that carries the logger.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &l)
}

func (l *Logger) Verbose() bool {
	return l.verbose
}

func (l *Logger) Out(f string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, f+"\n", args...)
}

func (l *Logger) OutRaw(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s", s)
}

func (l *Logger) Info(tag string, f string, args ...interface{}) {
	if l.quiet {
		return
	}
	l.print("info", color.New(color.FgHiGreen), tag, f, args...)
}

func (l *Logger) Debug(tag string, f string, args ...interface{}) {
	if l.verbose {
		l.print("debug", color.New(color.FgGreen), tag, f, args...)
	}
}

// Warn is never silenced by quiet.
func (l *Logger) Warn(tag string, f string, args ...interface{}) {
	l.print("warn", color.New(color.FgHiRed), tag, f, args...)
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Tag   string `json:"tag"`
	Msg   string `json:"msg"`
}

func (l *Logger) print(level string, tagColor *color.Color, tag, f string, args ...interface{}) {
	str := fmt.Sprintf(f, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.json {
		json.NewEncoder(l.err).Encode(jsonLine{
			Time:  time.Now().UTC().Format(time.RFC3339Nano),
			Level: level,
			Tag:   tag,
			Msg:   str,
		})
		return
	}
	for _, line := range strings.Split(str, "\n") {
		fmt.Fprintf(l.err, "%s  %s\n",
			tagColor.Sprint(tag),
			color.WhiteString(line))
	}
}

type Writer struct {
	logger *Logger
	tag    string
}

// InfoWriter adapts child process output into tagged lines.
// Writes are dropped unless the logger is verbose.
func (l *Logger) InfoWriter(tag string) *Writer {
	return &Writer{
		logger: l,
		tag:    tag,
	}
}

func (w *Writer) Write(data []byte) (n int, err error) {
	if !w.logger.verbose {
		return len(data), nil
	}
	w.logger.mu.Lock()
	defer w.logger.mu.Unlock()
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fmt.Fprintf(w.logger.err, "%s  %s\n",
			color.HiYellowString(w.tag),
			color.HiWhiteString(line))
	}
	return len(data), nil
}
