package chatnode

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Printer serializes terminal output from the input loop and the core
// callbacks, which arrive on another goroutine.
type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
	// Event prints a "[TAG] ..." status line.
	Event(tag, format string, args ...any)
	// Chat prints a received message.
	Chat(at time.Time, from, text string)
	// Prompt shows the input prompt, if any.
	Prompt()
}

type PrinterOption func(*StdPrinter)

// WithPrompt makes asynchronous lines clear the pending input line and
// redraw prompt after themselves.
func WithPrompt(prompt string) PrinterOption {
	return func(p *StdPrinter) { p.prompt = prompt }
}

// WithColor toggles ANSI styling of timestamps.
func WithColor(on bool) PrinterOption {
	return func(p *StdPrinter) { p.color = on }
}

type StdPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	prompt string
	color  bool
}

func NewStdPrinter(w io.Writer, opts ...PrinterOption) *StdPrinter {
	p := &StdPrinter{w: w, color: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *StdPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *StdPrinter) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, args...)
}

func (p *StdPrinter) Event(tag, format string, args ...any) {
	p.async("[" + tag + "] " + fmt.Sprintf(format, args...))
}

func (p *StdPrinter) Chat(at time.Time, from, text string) {
	p.async(p.stamp(at) + " " + from + ": " + text)
}

func (p *StdPrinter) Prompt() {
	if p.prompt == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, p.prompt)
}

// async writes a line that may interrupt typing.
func (p *StdPrinter) async(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prompt != "" {
		fmt.Fprint(p.w, "\r\033[K")
	}
	fmt.Fprintln(p.w, line)
	if p.prompt != "" {
		fmt.Fprint(p.w, p.prompt)
	}
}

func (p *StdPrinter) stamp(t time.Time) string {
	s := "[" + t.Format("15:04:05") + "]"
	if p.color {
		return ansiDim + s + ansiReset
	}
	return s
}
