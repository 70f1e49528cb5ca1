// Package ui is the presentation side of the capture client: an
// append-only transcript and a console notifier that renders it.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Separator is appended after every fragment.
const Separator = " "

// Transcript is the append-only running text. Safe for concurrent use.
type Transcript struct {
	mu        sync.RWMutex
	text      strings.Builder
	fragments []string
}

// Append adds one fragment followed by Separator. Fragments are kept as
// received, with no merging or trimming.
func (t *Transcript) Append(fragment string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fragments = append(t.fragments, fragment)
	t.text.WriteString(fragment)
	t.text.WriteString(Separator)
}

// String returns the full transcript.
func (t *Transcript) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.text.String()
}

// Fragments returns the fragments in receipt order.
func (t *Transcript) Fragments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.fragments...)
}

// Console prints status changes and fragments to a writer and keeps the
// transcript.
type Console struct {
	out        io.Writer
	transcript *Transcript

	mu       sync.Mutex
	status   string
	onStatus []func(string)
}

// NewConsole creates a console notifier writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, transcript: &Transcript{}}
}

// OnStatus records and prints the current status.
func (c *Console) OnStatus(message string) {
	c.mu.Lock()
	c.status = message
	hooks := append([]func(string){}, c.onStatus...)
	c.mu.Unlock()

	fmt.Fprintf(c.out, "[status] %s\n", message)
	for _, h := range hooks {
		h(message)
	}
}

// OnFragment appends to the transcript and prints the fragment.
func (c *Console) OnFragment(text string) {
	c.transcript.Append(text)
	fmt.Fprintf(c.out, "%s%s", text, Separator)
}

// Watch registers fn to be called after every status change.
func (c *Console) Watch(fn func(status string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// Status returns the last status message.
func (c *Console) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transcript returns the running transcript.
func (c *Console) Transcript() *Transcript {
	return c.transcript
}
