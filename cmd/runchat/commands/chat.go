package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/runchat/internal/config"
	"github.com/opencode-ai/runchat/internal/event"
	"github.com/opencode-ai/runchat/internal/logging"
	"github.com/opencode-ai/runchat/internal/mockrun"
	"github.com/opencode-ai/runchat/internal/session"
	"github.com/opencode-ai/runchat/internal/storage"
	"github.com/opencode-ai/runchat/pkg/types"
)

var (
	chatSession string
	chatNoColor bool
	chatMock    bool
	chatAPIURL  string
	chatGraphID string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat with a LangGraph agent.

Examples:
  runchat chat
  runchat chat "What time is it?"
  runchat chat --session chat_01J...   # reopen a saved session
  runchat chat --mock                  # talk to a built-in scripted service`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID to reopen")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
	chatCmd.Flags().BoolVar(&chatMock, "mock", false, "Run against an in-process mock run service")
	chatCmd.Flags().StringVar(&chatAPIURL, "api-url", "", "Run service URL (overrides configuration)")
	chatCmd.Flags().StringVar(&chatGraphID, "graph", "", "Graph ID (overrides configuration)")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatAPIURL != "" {
		cfg.APIURL = chatAPIURL
	}
	if chatGraphID != "" {
		cfg.GraphID = chatGraphID
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var store storage.KV
	if chatMock {
		url, shutdown, err := startMock()
		if err != nil {
			return err
		}
		defer shutdown()
		cfg.APIURL = url
		// Mock threads do not outlive the process.
		store = storage.NewMemory()
	} else {
		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return err
		}
		store = storage.NewOS(paths.StoragePath())
	}

	bus := event.NewBus()
	defer bus.Close()
	reg := session.NewRegistryFromConfig(cfg, bus, store)
	defer reg.Close()

	if err := reg.Restore(ctx); err != nil {
		logging.Warn().Err(err).Msg("could not restore sessions")
	}
	if chatSession != "" {
		if err := reg.Switch(chatSession); err != nil {
			return fmt.Errorf("session %s: %w", chatSession, err)
		}
	} else if reg.ActiveID() == "" {
		reg.CreateSession()
	}

	renderer := NewRenderer(chatNoColor)
	events, err := reg.Subscribe(ctx)
	if err != nil {
		return err
	}
	go renderer.Watch(reg, events)

	r := &repl{ctx: ctx, reg: reg, renderer: renderer}
	r.openActive()
	renderer.Banner(cfg.APIURL, reg.ActiveID())
	if path := logging.LogFilePath(); path != "" {
		renderer.Notice("logging to %s", path)
	}

	if msg := strings.TrimSpace(strings.Join(args, " ")); msg != "" {
		r.send(msg)
	}
	err = r.run(os.Stdin)
	cancel()
	r.wait()
	return err
}

// startMock serves the default scenarios on a loopback port.
func startMock() (string, func(), error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("mock listener: %w", err)
	}
	srv := mockrun.New(mockrun.DefaultConfig())
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			logging.Debug().Err(err).Msg("mock server stopped")
		}
	}()
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "http://" + l.Addr().String(), shutdown, nil
}

type repl struct {
	ctx      context.Context
	reg      *session.Registry
	renderer *Renderer

	runs sync.WaitGroup
}

func (r *repl) run(in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Print("› ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "/") {
			r.send(trimmed)
			continue
		}
		if quit := r.command(parseCommand(trimmed)); quit {
			return nil
		}
	}
}

// command executes a slash command and reports whether the REPL should exit.
func (r *repl) command(c slashCommand) bool {
	id := r.reg.ActiveID()
	switch c.Kind {
	case cmdExit:
		return true
	case cmdHelp:
		r.renderer.Help(helpText)
	case cmdNew:
		r.reg.CreateSession()
	case cmdList:
		r.renderer.List(r.reg.List(), id)
	case cmdSwitch:
		target, err := r.resolve(c.Arg)
		if err == nil {
			err = r.reg.Switch(target)
		}
		if err != nil {
			r.renderer.Error(err)
			return false
		}
		r.openActive()
	case cmdDelete:
		target := id
		if c.Arg != "" {
			resolved, err := r.resolve(c.Arg)
			if err != nil {
				r.renderer.Error(err)
				return false
			}
			target = resolved
		}
		if err := r.reg.Delete(r.ctx, target); err != nil {
			r.renderer.Error(err)
		}
	case cmdHistory:
		snap, err := r.reg.Active()
		if err != nil {
			r.renderer.Error(err)
			return false
		}
		r.renderer.History(snap)
	case cmdEdit:
		r.edit(id, c.Index, c.Text)
	case cmdStop:
		if err := r.reg.Stop(id); err != nil {
			r.renderer.Error(err)
		}
	case cmdPause:
		if err := r.reg.Pause(r.ctx, id); err != nil {
			r.renderer.Error(err)
		}
	case cmdResume:
		r.resume(id)
	default:
		r.renderer.Help(fmt.Sprintf("Unknown command: %s\n%s", c.Arg, helpText))
	}
	return false
}

// openActive hydrates and prints the active session when it has not been shown yet.
func (r *repl) openActive() {
	id := r.reg.ActiveID()
	if err := r.reg.Hydrate(r.ctx, id); err != nil {
		r.renderer.Error(err)
	}
	if snap, err := r.reg.Snapshot(id); err == nil && len(snap.Transcript) > 0 {
		r.renderer.History(snap)
	}
}

// resolve maps a 1-based list position or a session id to a session id.
func (r *repl) resolve(arg string) (string, error) {
	list := r.reg.List()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("no session #%d", n)
		}
		return list[n-1].ID, nil
	}
	for _, s := range list {
		if s.ID == arg {
			return s.ID, nil
		}
	}
	return "", session.ErrSessionNotFound
}

func (r *repl) send(text string) {
	id := r.reg.ActiveID()
	if snap, err := r.reg.Snapshot(id); err == nil {
		r.renderer.Mark(id, len(snap.Transcript))
	}
	r.background(func() error { return r.reg.SendMessage(r.ctx, id, text) })
}

func (r *repl) edit(id string, index int, text string) {
	snap, err := r.reg.Snapshot(id)
	if err != nil {
		r.renderer.Error(err)
		return
	}
	if index < 0 || index >= len(snap.Transcript) {
		r.renderer.Error(fmt.Errorf("%w: %d", session.ErrInvalidIndex, index))
		return
	}
	kept := 0
	for _, m := range snap.Transcript[:index] {
		if m.Role != types.RoleTool {
			kept++
		}
	}
	r.renderer.Mark(id, kept+1)
	r.background(func() error { return r.reg.EditAndFork(r.ctx, id, index, text) })
}

func (r *repl) resume(id string) {
	snap, err := r.reg.Snapshot(id)
	if err != nil {
		r.renderer.Error(err)
		return
	}
	if !snap.Paused() {
		r.renderer.Error(session.ErrNotPaused)
		return
	}
	r.background(func() error { return r.reg.Resume(r.ctx, id) })
}

// background runs a blocking session operation so the prompt stays usable.
// Run failures are reported through run.finished events.
func (r *repl) background(fn func() error) {
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		if err := fn(); err != nil {
			var runErr *session.RunError
			if !errors.As(err, &runErr) {
				r.renderer.Error(err)
			}
		}
	}()
}

func (r *repl) wait() {
	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
