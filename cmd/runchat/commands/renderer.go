package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/opencode-ai/runchat/internal/event"
	"github.com/opencode-ai/runchat/pkg/types"
)

var (
	userLabel      = color.New(color.FgCyan, color.Bold)
	assistantLabel = color.New(color.FgGreen, color.Bold)
	toolColor      = color.New(color.FgYellow)
	dimColor       = color.New(color.FgHiBlack)
	errorColor     = color.New(color.FgRed)
	activeColor    = color.New(color.FgMagenta, color.Bold)
)

// snapshotter is the read side of the session registry the renderer needs.
type snapshotter interface {
	Snapshot(id string) (types.SessionSnapshot, error)
	ActiveID() string
}

// Renderer prints transcripts and run notices. Messages are printed once a
// run ends, when their content is final.
type Renderer struct {
	out io.Writer
	err io.Writer

	mu       sync.Mutex
	rendered map[string]int
}

func NewRenderer(noColor bool) *Renderer {
	if noColor {
		color.NoColor = true
	}
	return &Renderer{
		out:      os.Stdout,
		err:      os.Stderr,
		rendered: make(map[string]int),
	}
}

// Mark records that the first n transcript entries of a session are on screen.
func (r *Renderer) Mark(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered[id] = n
}

func (r *Renderer) Banner(url, id string) {
	fmt.Fprintln(r.err, dimColor.Sprintf("Connected to %s (session %s). Type /help for commands.", url, id))
}

func (r *Renderer) Help(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, text)
}

func (r *Renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.err, dimColor.Sprintf(format, args...))
}

func (r *Renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.err, errorColor.Sprintf("error: %v", err))
}

// Watch renders run outcomes until events is closed.
func (r *Renderer) Watch(reg snapshotter, events <-chan event.Event) {
	for e := range events {
		switch e.Type {
		case event.RunFinished:
			r.runFinished(reg, e)
		case event.SessionSwitched:
			if snap, err := reg.Snapshot(e.SessionID); err == nil {
				r.Notice("switched to %s", describe(snap))
			}
		}
	}
}

func (r *Renderer) runFinished(reg snapshotter, e event.Event) {
	if e.SessionID != reg.ActiveID() {
		r.Notice("session %s finished in the background (%s)", e.SessionID, e.State)
		return
	}
	snap, err := reg.Snapshot(e.SessionID)
	if err != nil {
		return
	}

	r.mu.Lock()
	from := r.rendered[e.SessionID]
	if from > len(snap.Transcript) {
		from = 0
	}
	for _, m := range snap.Transcript[from:] {
		if m.Role != types.RoleHuman {
			r.printMessage(m)
		}
	}
	r.rendered[e.SessionID] = len(snap.Transcript)
	r.mu.Unlock()

	switch e.State {
	case types.RunPaused:
		r.Notice("(paused, /resume to continue)")
	case types.RunAborted:
		r.Notice("(stopped)")
	case types.RunErrored:
		r.Error(fmt.Errorf("%s", e.Error))
	}
}

// History prints the whole transcript with indexes usable by /edit.
func (r *Renderer) History(snap types.SessionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, dimColor.Sprint(describe(snap)))
	for i, m := range snap.Transcript {
		fmt.Fprint(r.out, dimColor.Sprintf("[%d] ", i))
		if m.Role == types.RoleHuman {
			fmt.Fprintf(r.out, "%s %s\n", userLabel.Sprint("you ›"), m.Content)
			continue
		}
		r.printMessage(m)
	}
	r.rendered[snap.ID] = len(snap.Transcript)
}

// List prints sessions, marking the active one.
func (r *Renderer) List(sessions []types.SessionSnapshot, activeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range sessions {
		line := fmt.Sprintf("%2d  %s", i+1, describe(s))
		if s.ID == activeID {
			fmt.Fprintln(r.out, activeColor.Sprint(line+"  *"))
			continue
		}
		fmt.Fprintln(r.out, line)
	}
}

func (r *Renderer) printMessage(m types.Message) {
	switch {
	case m.IsToolCallSlot():
		for _, tc := range m.ToolCalls {
			fmt.Fprintln(r.out, toolColor.Sprintf("→ tool %s(%s)", tc.Name, formatArgs(tc.Args)))
		}
		if strings.TrimSpace(m.Content) != "" {
			fmt.Fprintf(r.out, "%s %s\n", assistantLabel.Sprint("assistant ›"), m.Content)
		}
	case m.Role == types.RoleTool:
		fmt.Fprintln(r.out, dimColor.Sprintf("  %s: %s", m.Name, m.Content))
	default:
		fmt.Fprintf(r.out, "%s %s\n", assistantLabel.Sprint("assistant ›"), m.Content)
	}
}

func describe(s types.SessionSnapshot) string {
	state := string(s.RunState)
	if s.IsLoading {
		state = "running"
	}
	if s.Paused() {
		state = "paused"
	}
	return fmt.Sprintf("%s  %q  %d messages  %s", s.ID, s.Title, len(s.Transcript), state)
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "…"
	}
	return string(b)
}
