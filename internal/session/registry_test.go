package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/runchat/internal/event"
	"github.com/opencode-ai/runchat/internal/reconcile"
	"github.com/opencode-ai/runchat/internal/session"
	"github.com/opencode-ai/runchat/internal/storage"
	"github.com/opencode-ai/runchat/pkg/types"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

var _ = Describe("Registry", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *fakeClient
		store  *storage.Storage
		reg    *session.Registry
	)

	newRegistry := func(opts session.Options) *session.Registry {
		opts.GraphID = "agent"
		opts.AssistantConfig = map[string]any{"configurable": map[string]any{"model": "test"}}
		opts.Store = store
		r := session.NewRegistry(client, opts)
		DeferCleanup(r.Close)
		return r
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)
		client = newFakeClient()
		store = storage.NewMemory()
		reg = newRegistry(session.Options{})
	})

	send := func(id, text string) <-chan error {
		done := make(chan error, 1)
		go func() { done <- reg.SendMessage(ctx, id, text) }()
		return done
	}

	nextStream := func() *fakeStream {
		var s *fakeStream
		Eventually(client.streams, waitFor).Should(Receive(&s))
		return s
	}

	snapshot := func(id string) func() types.SessionSnapshot {
		return func() types.SessionSnapshot {
			snap, err := reg.Snapshot(id)
			Expect(err).NotTo(HaveOccurred())
			return snap
		}
	}

	runState := func(id string) func() types.RunState {
		return func() types.RunState { return snapshot(id)().RunState }
	}

	runClock := func(id string) {
		done := send(id, "What time is it?")
		stream := nextStream()
		stream.send(clockEvents("run-1")...)
		stream.end()
		Eventually(done, waitFor).Should(Receive(BeNil()))
	}

	Describe("CreateSession", func() {
		It("prepends an empty active session", func() {
			first := reg.CreateSession()
			second := reg.CreateSession()

			Expect(reg.ActiveID()).To(Equal(second))
			list := reg.List()
			Expect(list).To(HaveLen(2))
			Expect(list[0].ID).To(Equal(second))
			Expect(list[1].ID).To(Equal(first))
			Expect(list[0].Title).To(Equal(session.DefaultTitle))
			Expect(list[0].Transcript).To(BeEmpty())
			Expect(list[0].RunState).To(Equal(types.RunIdle))
			Expect(second).To(HavePrefix("chat_"))
		})

		It("persists session records", func() {
			id := reg.CreateSession()

			var records []types.SessionRecord
			Expect(store.Get(ctx, session.StoreKey, &records)).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(id))
			Expect(records[0].Title).To(Equal(session.DefaultTitle))
		})
	})

	Describe("SendMessage", func() {
		It("reconciles the clock exchange into a clean transcript", func() {
			id := reg.CreateSession()
			runClock(id)

			snap := snapshot(id)()
			Expect(snap.Transcript).To(HaveLen(4))
			Expect(snap.Transcript[0].Role).To(Equal(types.RoleHuman))
			Expect(snap.Transcript[1].IsToolCallSlot()).To(BeTrue())
			Expect(snap.Transcript[2].Content).To(Equal("14:02"))
			Expect(snap.Transcript[3].Content).To(Equal("It's 14:02."))
			Expect(snap.ToolsCompleted).To(BeTrue())
			Expect(snap.PendingToolCalls).To(BeEmpty())
			Expect(snap.RunState).To(Equal(types.RunCompleted))
			Expect(snap.IsLoading).To(BeFalse())
			Expect(snap.ActiveRunID).To(BeEmpty())
			Expect(snap.Metadata.RunID).To(Equal("run-1"))
			Expect(snap.Title).To(Equal("What time is it?"))
			Expect(snap.Handle).NotTo(BeNil())

			runs := client.Runs()
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].ThreadID).To(Equal(snap.Handle.ThreadID))
			Expect(runs[0].Req.Input).To(Equal([]types.Message{types.HumanMessage("What time is it?")}))
			Expect(runs[0].Req.Config).To(HaveKey("configurable"))
			Expect(runs[0].Req.Checkpoint).To(BeEmpty())
		})

		It("creates the remote handle once", func() {
			id := reg.CreateSession()
			runClock(id)

			done := send(id, "And now?")
			stream := nextStream()
			stream.send(types.MessageCompleteEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "reply-2", Content: "Still 14:02."}}})
			stream.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))

			Expect(client.AssistantCalls()).To(Equal(1))
			snap := snapshot(id)()
			Expect(snap.Transcript).To(HaveLen(6))
			Expect(snap.Transcript[5].Content).To(Equal("Still 14:02."))
			Expect(snap.Title).To(Equal("What time is it?"))
		})

		It("keeps handle creation alive when the run that started it is superseded", func() {
			release := make(chan struct{})
			client.set(func(c *fakeClient) { c.holdAssistant = release })
			id := reg.CreateSession()

			first := send(id, "hello")
			Eventually(client.AssistantCalls, waitFor, poll).Should(Equal(1))

			second := send(id, "hello again")
			Eventually(first, waitFor).Should(Receive(BeNil()))

			close(release)
			stream := nextStream()
			stream.end()
			Eventually(second, waitFor).Should(Receive(BeNil()))

			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunCompleted))
			Expect(snap.LastError).To(BeNil())
			Expect(snap.Handle).NotTo(BeNil())
			Expect(client.AssistantCalls()).To(Equal(1))
			Expect(client.Runs()).To(HaveLen(1))
		})

		It("rejects empty messages and unknown sessions", func() {
			id := reg.CreateSession()
			Expect(reg.SendMessage(ctx, id, "  ")).To(MatchError(session.ErrEmptyMessage))
			Expect(reg.SendMessage(ctx, "chat_missing", "hi")).To(MatchError(session.ErrSessionNotFound))
		})

		It("records initialization failures and allows a retry", func() {
			client.set(func(c *fakeClient) { c.createThreadErr = errors.New("thread quota exceeded") })
			id := reg.CreateSession()

			err := reg.SendMessage(ctx, id, "hello")
			Expect(err).To(HaveOccurred())
			Expect(session.IsInitError(err)).To(BeTrue())
			var runErr *session.RunError
			Expect(errors.As(err, &runErr)).To(BeTrue())
			Expect(runErr.SessionID).To(Equal(id))

			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunErrored))
			Expect(snap.LastError).To(MatchError(ContainSubstring("thread quota exceeded")))
			Expect(snap.IsLoading).To(BeFalse())
			Expect(snap.Handle).To(BeNil())

			assistants, _ := client.Deleted()
			Expect(assistants).To(HaveLen(1))

			client.set(func(c *fakeClient) { c.createThreadErr = nil })
			done := send(id, "hello again")
			stream := nextStream()
			stream.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))
			Expect(snapshot(id)().LastError).To(BeNil())
			Expect(snapshot(id)().Handle).NotTo(BeNil())
		})

		It("records stream failures", func() {
			id := reg.CreateSession()
			done := send(id, "hello")
			stream := nextStream()
			stream.send(types.MetadataEvent{RunID: "run-1"})
			stream.fail(errors.New("connection reset"))

			var err error
			Eventually(done, waitFor).Should(Receive(&err))
			var runErr *session.RunError
			Expect(errors.As(err, &runErr)).To(BeTrue())
			Expect(runErr.Kind).To(Equal(session.KindStream))

			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunErrored))
			Expect(snap.LastError).To(MatchError(ContainSubstring("connection reset")))
			Expect(snap.ActiveRunID).To(BeEmpty())
			Expect(stream.closed.Load()).To(BeTrue())
		})

		It("publishes run lifecycle events", func() {
			subCtx, stop := context.WithCancel(ctx)
			defer stop()
			events, err := reg.Subscribe(subCtx)
			Expect(err).NotTo(HaveOccurred())

			id := reg.CreateSession()
			runClock(id)

			var seen []event.Event
			Eventually(func() bool {
				for {
					select {
					case e := <-events:
						seen = append(seen, e)
						if e.Type == event.RunFinished {
							return true
						}
					default:
						return false
					}
				}
			}, waitFor, poll).Should(BeTrue())

			kinds := make([]event.EventType, 0, len(seen))
			for _, e := range seen {
				kinds = append(kinds, e.Type)
			}
			Expect(kinds).To(ContainElements(event.SessionCreated, event.RunStarted, event.TranscriptUpdated, event.RunFinished))
			finished := seen[len(seen)-1]
			Expect(finished.SessionID).To(Equal(id))
			Expect(finished.RunID).To(Equal("run-1"))
			Expect(finished.State).To(Equal(types.RunCompleted))
		})
	})

	Describe("Stop", func() {
		It("discards events that arrive after cancellation", func() {
			id := reg.CreateSession()
			done := send(id, "hello")
			stream := nextStream()
			stream.send(
				types.MetadataEvent{RunID: "run-1"},
				types.MessageDeltaEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "a1", Content: "Partial"}}},
			)
			Eventually(func() int { return len(snapshot(id)().Transcript) }, waitFor, poll).Should(Equal(2))

			Expect(reg.Stop(id)).To(Succeed())
			Eventually(done, waitFor).Should(Receive(BeNil()))
			stream.send(types.MessageDeltaEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "a1", Content: "Partial and more"}}})

			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunAborted))
			Expect(snap.IsLoading).To(BeFalse())
			Expect(snap.Transcript[1].Content).To(Equal("Partial"))
			Expect(snap.LastError).To(BeNil())
		})
	})

	Describe("Switch", func() {
		startRun := func(id string) (*fakeStream, <-chan error) {
			done := send(id, "count slowly")
			stream := nextStream()
			stream.send(types.MetadataEvent{RunID: "run-" + id})
			Eventually(func() string { return snapshot(id)().ActiveRunID }, waitFor, poll).ShouldNot(BeEmpty())
			return stream, done
		}

		It("cancels the previous session's run by default", func() {
			a := reg.CreateSession()
			b := reg.CreateSession()
			Expect(reg.Switch(a)).To(Succeed())

			_, done := startRun(a)
			Expect(reg.Switch(b)).To(Succeed())

			Eventually(done, waitFor).Should(Receive(BeNil()))
			Expect(runState(a)()).To(Equal(types.RunAborted))
			Expect(reg.ActiveID()).To(Equal(b))
		})

		It("lets the previous run continue with the background policy", func() {
			reg = newRegistry(session.Options{SwitchPolicy: types.SwitchBackground})
			a := reg.CreateSession()
			b := reg.CreateSession()
			Expect(reg.Switch(a)).To(Succeed())

			stream, done := startRun(a)
			Expect(reg.Switch(b)).To(Succeed())
			Consistently(runState(a), 50*time.Millisecond, poll).Should(Equal(types.RunStreaming))

			stream.send(types.MessageCompleteEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "a1", Content: "one two three"}}})
			stream.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))
			Expect(runState(a)()).To(Equal(types.RunCompleted))
			Expect(snapshot(a)().Transcript).To(HaveLen(2))
		})

		It("rejects unknown sessions", func() {
			Expect(reg.Switch("chat_missing")).To(MatchError(session.ErrSessionNotFound))
		})
	})

	Describe("interleaved sessions", func() {
		It("keeps each transcript equal to a replay of its own run", func() {
			a := reg.CreateSession()
			b := reg.CreateSession()
			doneA := send(a, "What time is it?")
			streamA := nextStream()
			doneB := send(b, "Tell me a joke")
			streamB := nextStream()

			eventsA := clockEvents("run-a")
			eventsB := []types.StreamEvent{
				types.MetadataEvent{RunID: "run-b"},
				types.MessageDeltaEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "j1", Content: "Why did"}}},
				types.MessageDeltaEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "j1", Content: "Why did the gopher"}}},
				types.MessageCompleteEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "j1", Content: "Why did the gopher cross the road?"}}},
			}
			for i := 0; i < len(eventsA) || i < len(eventsB); i++ {
				if i < len(eventsA) {
					streamA.send(eventsA[i])
				}
				if i < len(eventsB) {
					streamB.send(eventsB[i])
				}
			}
			streamA.end()
			streamB.end()
			Eventually(doneA, waitFor).Should(Receive(BeNil()))
			Eventually(doneB, waitFor).Should(Receive(BeNil()))

			replay := func(input string, events []types.StreamEvent) []types.Message {
				st := reconcile.Reset([]types.Message{types.HumanMessage(input)})
				for _, ev := range events {
					st, _ = reconcile.Apply(st, ev)
				}
				return st.Transcript
			}
			Expect(snapshot(a)().Transcript).To(Equal(replay("What time is it?", eventsA)))
			Expect(snapshot(b)().Transcript).To(Equal(replay("Tell me a joke", eventsB)))
		})
	})

	Describe("Pause and Resume", func() {
		checkpoint := json.RawMessage(`{"checkpoint_id":"cp-7"}`)

		BeforeEach(func() {
			client.set(func(c *fakeClient) {
				c.threadState = types.ThreadState{Checkpoint: checkpoint}
			})
		})

		It("refuses to pause while tool calls are pending", func() {
			id := reg.CreateSession()
			done := send(id, "What time is it?")
			stream := nextStream()
			stream.send(
				types.MetadataEvent{RunID: "run-1"},
				types.MessageDeltaEvent{Messages: []types.Message{clockCall}},
			)
			Eventually(func() []string { return snapshot(id)().PendingToolCalls }, waitFor, poll).Should(Equal([]string{"t1"}))

			Expect(reg.Pause(ctx, id)).To(MatchError(session.ErrPauseBlocked))
			Expect(client.Interrupts()).To(BeEmpty())
			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunStreaming))
			Expect(snap.IsLoading).To(BeTrue())
			Expect(snap.Paused()).To(BeFalse())

			Expect(reg.Stop(id)).To(Succeed())
			Eventually(done, waitFor).Should(Receive(BeNil()))
		})

		It("requires an active run", func() {
			id := reg.CreateSession()
			Expect(reg.Pause(ctx, id)).To(MatchError(session.ErrNotRunning))
			Expect(reg.Resume(ctx, id)).To(MatchError(session.ErrNotPaused))
		})

		It("stores the checkpoint and resumes from it", func() {
			id := reg.CreateSession()
			done := send(id, "Write a long story")
			stream := nextStream()
			stream.send(
				types.MetadataEvent{RunID: "run-1"},
				types.MessageDeltaEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "story", Content: "Once upon"}}},
			)
			Eventually(func() int { return len(snapshot(id)().Transcript) }, waitFor, poll).Should(Equal(2))

			Expect(reg.Pause(ctx, id)).To(Succeed())
			Eventually(done, waitFor).Should(Receive(BeNil()))
			Expect(client.Interrupts()).To(Equal([]string{"run-1"}))

			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunPaused))
			Expect(snap.Paused()).To(BeTrue())
			Expect(string(snap.PausedCheckpoint)).To(MatchJSON(checkpoint))
			Expect(snap.IsLoading).To(BeFalse())

			resumed := make(chan error, 1)
			go func() { resumed <- reg.Resume(ctx, id) }()
			stream = nextStream()
			stream.send(
				types.MetadataEvent{RunID: "run-2"},
				types.MessageCompleteEvent{Messages: []types.Message{{Role: types.RoleAssistant, ID: "story", Content: "Once upon a time."}}},
			)
			stream.end()
			Eventually(resumed, waitFor).Should(Receive(BeNil()))

			runs := client.Runs()
			Expect(runs).To(HaveLen(2))
			Expect(runs[1].Req.Input).To(BeEmpty())
			Expect(string(runs[1].Req.Checkpoint)).To(MatchJSON(checkpoint))

			snap = snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunCompleted))
			Expect(snap.Paused()).To(BeFalse())
			Expect(snap.Transcript).To(HaveLen(2))
			Expect(snap.Transcript[1].Content).To(Equal("Once upon a time."))
		})

		It("lets the run finish when the checkpoint cannot be fetched", func() {
			client.set(func(c *fakeClient) { c.stateErr = errors.New("state unavailable") })
			id := reg.CreateSession()
			done := send(id, "hello")
			stream := nextStream()
			stream.send(types.MetadataEvent{RunID: "run-1"})
			Eventually(func() string { return snapshot(id)().ActiveRunID }, waitFor, poll).Should(Equal("run-1"))

			Expect(reg.Pause(ctx, id)).To(MatchError(ContainSubstring("state unavailable")))
			Eventually(done, waitFor).Should(Receive(BeNil()))
			snap := snapshot(id)()
			Expect(snap.RunState).To(Equal(types.RunCompleted))
			Expect(snap.Paused()).To(BeFalse())
		})
	})

	Describe("EditAndFork", func() {
		It("truncates the transcript and resets the server history", func() {
			id := reg.CreateSession()
			runClock(id)

			done := make(chan error, 1)
			go func() { done <- reg.EditAndFork(ctx, id, 3, "What day is it?") }()
			stream := nextStream()

			want := []types.Message{types.HumanMessage("What time is it?"), clockCall}
			runs := client.Runs()
			Expect(runs).To(HaveLen(2))
			Expect(runs[1].Req.HistoryReset).To(Equal(want))
			Expect(runs[1].Req.Input).To(Equal([]types.Message{types.HumanMessage("What day is it?")}))

			snap := snapshot(id)()
			Expect(snap.Transcript).To(Equal(append(want, types.HumanMessage("What day is it?"))))
			Expect(snap.Title).To(Equal("What time is it?"))

			stream.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))
		})

		It("drops tool results from the kept prefix", func() {
			id := reg.CreateSession()
			runClock(id)

			done := make(chan error, 1)
			go func() { done <- reg.EditAndFork(ctx, id, 3, "Thanks") }()
			stream := nextStream()
			for _, m := range snapshot(id)().Transcript {
				Expect(m.Role).NotTo(Equal(types.RoleTool))
			}
			stream.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))
		})

		It("re-derives the title when editing the first message", func() {
			id := reg.CreateSession()
			runClock(id)

			done := make(chan error, 1)
			go func() { done <- reg.EditAndFork(ctx, id, 0, "Which timezone are you in?") }()
			stream := nextStream()
			Expect(client.Runs()[1].Req.HistoryReset).NotTo(BeNil())
			Expect(client.Runs()[1].Req.HistoryReset).To(BeEmpty())
			Expect(snapshot(id)().Title).To(Equal("Which timezone are you"))
			Expect(snapshot(id)().Transcript).To(HaveLen(1))
			stream.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))
		})

		It("cancels the in-flight run", func() {
			id := reg.CreateSession()
			first := send(id, "hello")
			stream := nextStream()
			stream.send(types.MetadataEvent{RunID: "run-1"})
			Eventually(func() string { return snapshot(id)().ActiveRunID }, waitFor, poll).Should(Equal("run-1"))

			done := make(chan error, 1)
			go func() { done <- reg.EditAndFork(ctx, id, 0, "goodbye") }()
			Eventually(first, waitFor).Should(Receive(BeNil()))
			next := nextStream()
			Expect(client.Runs()[1].Req.Checkpoint).To(BeEmpty())
			next.end()
			Eventually(done, waitFor).Should(Receive(BeNil()))
			Expect(snapshot(id)().RunState).To(Equal(types.RunCompleted))
		})

		It("validates the index", func() {
			id := reg.CreateSession()
			runClock(id)
			Expect(reg.EditAndFork(ctx, id, 4, "x")).To(MatchError(session.ErrInvalidIndex))
			Expect(reg.EditAndFork(ctx, id, -1, "x")).To(MatchError(session.ErrInvalidIndex))
			Expect(snapshot(id)().Transcript).To(HaveLen(4))
		})
	})

	Describe("Delete", func() {
		It("tolerates remote cleanup failures", func() {
			client.set(func(c *fakeClient) { c.deleteErr = errors.New("service unavailable") })
			other := reg.CreateSession()
			id := reg.CreateSession()
			runClock(id)
			handle := snapshot(id)().Handle

			Expect(reg.Delete(ctx, id)).To(Succeed())

			assistants, threads := client.Deleted()
			Expect(assistants).To(ContainElement(handle.AssistantID))
			Expect(threads).To(ContainElement(handle.ThreadID))
			_, err := reg.Snapshot(id)
			Expect(err).To(MatchError(session.ErrSessionNotFound))
			Expect(reg.ActiveID()).To(Equal(other))

			var records []types.SessionRecord
			Expect(store.Get(ctx, session.StoreKey, &records)).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(other))
		})

		It("stops a running session", func() {
			id := reg.CreateSession()
			done := send(id, "hello")
			stream := nextStream()
			stream.send(types.MetadataEvent{RunID: "run-1"})
			Eventually(func() string { return snapshot(id)().ActiveRunID }, waitFor, poll).Should(Equal("run-1"))

			Expect(reg.Delete(ctx, id)).To(Succeed())
			Eventually(done, waitFor).Should(Receive(BeNil()))
		})

		It("creates a fresh session when the last one is deleted", func() {
			id := reg.CreateSession()
			Expect(reg.Delete(ctx, id)).To(Succeed())

			list := reg.List()
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).NotTo(Equal(id))
			Expect(reg.ActiveID()).To(Equal(list[0].ID))
		})

		It("rejects unknown sessions", func() {
			Expect(reg.Delete(ctx, "chat_missing")).To(MatchError(session.ErrSessionNotFound))
		})
	})

	Describe("Restore and Hydrate", func() {
		It("brings back persisted sessions and their history", func() {
			id := reg.CreateSession()
			runClock(id)
			before := snapshot(id)()

			history, err := json.Marshal(before.Transcript)
			Expect(err).NotTo(HaveOccurred())
			client.set(func(c *fakeClient) {
				c.threadState = types.ThreadState{Values: map[string]json.RawMessage{"messages": history}}
			})

			restored := newRegistry(session.Options{})
			Expect(restored.Restore(ctx)).To(Succeed())
			Expect(restored.ActiveID()).To(Equal(id))

			snap, err := restored.Snapshot(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Title).To(Equal("What time is it?"))
			Expect(snap.Handle).To(Equal(before.Handle))
			Expect(snap.Transcript).To(BeEmpty())

			Expect(restored.Hydrate(ctx, id)).To(Succeed())
			snap, err = restored.Snapshot(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Transcript).To(Equal(before.Transcript))
		})

		It("treats a missing store entry as no sessions", func() {
			Expect(reg.Restore(ctx)).To(Succeed())
			Expect(reg.List()).To(BeEmpty())
		})

		It("leaves sessions without a handle alone", func() {
			id := reg.CreateSession()
			Expect(reg.Hydrate(ctx, id)).To(Succeed())
			Expect(snapshot(id)().Transcript).To(BeEmpty())
		})
	})
})
