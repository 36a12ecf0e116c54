package runclient_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/runchat/internal/mockrun"
	"github.com/opencode-ai/runchat/internal/runclient"
	"github.com/opencode-ai/runchat/pkg/types"
)

const holdScript = `
scenarios:
  - name: slow
    match: slow
    events:
      - event: messages/complete
        data: [{type: ai, id: s1, content: "step one"}]
      - event: hold
        hold: true
      - event: messages/complete
        data: [{type: ai, id: s2, content: "step two"}]
`

func collect(ctx context.Context, stream runclient.EventStream) ([]types.StreamEvent, error) {
	var out []types.StreamEvent
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func lastText(events []types.StreamEvent) string {
	text := ""
	for _, ev := range events {
		if c, ok := ev.(types.MessageCompleteEvent); ok {
			for _, m := range c.Messages {
				if m.IsFinalText() {
					text = m.Content
				}
			}
		}
	}
	return text
}

var _ = Describe("HTTPClient", func() {
	var (
		ctx    context.Context
		mock   *mockrun.Server
		server *httptest.Server
		client *runclient.HTTPClient
	)

	BeforeEach(func() {
		ctx = context.Background()
		scenarios, err := mockrun.ParseScenarios([]byte(holdScript))
		Expect(err).NotTo(HaveOccurred())

		cfg := mockrun.DefaultConfig()
		cfg.APIKey = "secret"
		cfg.Scenarios = append(mockrun.DefaultScenarios(), scenarios...)
		mock = mockrun.New(cfg)
		server = httptest.NewServer(mock.Handler())

		client = runclient.New(server.URL,
			runclient.WithAPIKey("secret"),
			runclient.WithRetry(3, time.Millisecond),
		)
	})

	AfterEach(func() {
		_ = mock.Shutdown(ctx)
		server.Close()
	})

	newHandle := func() (string, string) {
		assistantID, err := client.CreateAssistant(ctx, "agent", map[string]any{"configurable": map[string]any{}})
		Expect(err).NotTo(HaveOccurred())
		threadID, err := client.CreateThread(ctx)
		Expect(err).NotTo(HaveOccurred())
		return assistantID, threadID
	}

	Describe("resources", func() {
		It("creates and deletes assistants and threads", func() {
			assistantID, threadID := newHandle()
			Expect(mock.HasAssistant(assistantID)).To(BeTrue())
			Expect(mock.HasThread(threadID)).To(BeTrue())

			Expect(client.DeleteAssistant(ctx, assistantID)).To(Succeed())
			Expect(client.DeleteThread(ctx, threadID)).To(Succeed())
			Expect(mock.Deleted()).To(ConsistOf(assistantID, threadID))
		})

		It("reports missing resources as not found", func() {
			err := client.DeleteThread(ctx, "nope")
			Expect(runclient.IsNotFound(err)).To(BeTrue())
		})

		It("rejects a wrong api key without retrying", func() {
			bad := runclient.New(server.URL, runclient.WithAPIKey("wrong"), runclient.WithRetry(3, time.Millisecond))
			_, err := bad.CreateThread(ctx)

			var apiErr *runclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("retries", func() {
		It("retries idempotent requests on gateway errors", func() {
			_, threadID := newHandle()
			mock.FailRequests(http.MethodGet, http.StatusServiceUnavailable, 2)

			_, err := client.GetThreadState(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("retries throttled creates", func() {
			mock.FailRequests(http.MethodPost, http.StatusTooManyRequests, 1)
			_, err := client.CreateThread(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("does not retry server errors on creates", func() {
			mock.FailRequests(http.MethodPost, http.StatusInternalServerError, 1)
			_, err := client.CreateThread(ctx)

			var apiErr *runclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(apiErr.Message).To(Equal("injected failure"))
		})

		It("gives up after the retry budget", func() {
			mock.FailRequests(http.MethodDelete, http.StatusBadGateway, -1)
			err := client.DeleteThread(ctx, "any")
			Expect(err).To(HaveOccurred())
			mock.FailRequests(http.MethodDelete, 0, 0)
		})
	})

	Describe("runs", func() {
		It("streams a tool round with metadata first", func() {
			assistantID, threadID := newHandle()
			stream, err := client.StartRun(ctx, threadID, assistantID, runclient.RunRequest{
				Input:  []types.Message{types.HumanMessage("What time is it?")},
				Config: map[string]any{"recursion_limit": 5},
			})
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			events, err := collect(ctx, stream)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).NotTo(BeEmpty())

			meta, ok := events[0].(types.MetadataEvent)
			Expect(ok).To(BeTrue())
			Expect(meta.RunID).NotTo(BeEmpty())
			Expect(meta.ThreadID).To(Equal(threadID))
			Expect(lastText(events)).To(Equal("It's 14:02."))

			reqs := mock.Requests()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].StreamMode).To(Equal([]string{"messages", "updates"}))
			Expect(reqs[0].Input).To(HaveLen(1))
			Expect(reqs[0].Config).To(HaveKey("recursion_limit"))
			Expect(reqs[0].HistoryReset).To(BeNil())

			state, err := client.GetThreadState(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			msgs, err := state.Messages()
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(4))
		})

		It("sends history resets as an update command", func() {
			assistantID, threadID := newHandle()
			prefix := []types.Message{types.HumanMessage("first"), {Role: types.RoleAssistant, Content: "reply"}}

			stream, err := client.StartRun(ctx, threadID, assistantID, runclient.RunRequest{
				Input:        []types.Message{types.HumanMessage("edited")},
				HistoryReset: prefix,
			})
			Expect(err).NotTo(HaveOccurred())
			events, err := collect(ctx, stream)
			Expect(err).NotTo(HaveOccurred())
			Expect(lastText(events)).To(Equal("You said: edited"))

			reqs := mock.Requests()
			Expect(reqs[0].HistoryReset).To(HaveLen(2))
		})

		It("interrupts, reports a checkpoint and resumes from it", func() {
			assistantID, threadID := newHandle()
			stream, err := client.StartRun(ctx, threadID, assistantID, runclient.RunRequest{
				Input: []types.Message{types.HumanMessage("slow please")},
			})
			Expect(err).NotTo(HaveOccurred())

			first, err := stream.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			runID := first.(types.MetadataEvent).RunID

			second, err := stream.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeAssignableToTypeOf(types.MessageCompleteEvent{}))

			Expect(client.InterruptRun(ctx, threadID, runID)).To(Succeed())
			_, err = stream.Next(ctx)
			Expect(err).To(MatchError(io.EOF))
			Expect(mock.Interrupts()).To(ConsistOf(runID))

			state, err := client.GetThreadState(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Checkpoint).NotTo(BeEmpty())

			resumed, err := client.StartRun(ctx, threadID, assistantID, runclient.RunRequest{Checkpoint: state.Checkpoint})
			Expect(err).NotTo(HaveOccurred())
			events, err := collect(ctx, resumed)
			Expect(err).NotTo(HaveOccurred())
			Expect(lastText(events)).To(Equal("step two"))

			reqs := mock.Requests()
			Expect(reqs).To(HaveLen(2))
			Expect(reqs[1].HasInput).To(BeFalse())
			Expect(reqs[1].Checkpoint).NotTo(BeEmpty())
		})

		It("stops reading when the context is cancelled", func() {
			assistantID, threadID := newHandle()
			runCtx, cancel := context.WithCancel(ctx)
			stream, err := client.StartRun(runCtx, threadID, assistantID, runclient.RunRequest{
				Input: []types.Message{types.HumanMessage("slow")},
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = stream.Next(runCtx)
			Expect(err).NotTo(HaveOccurred())
			cancel()

			Eventually(func() error {
				_, err := stream.Next(runCtx)
				return err
			}).Should(MatchError(context.Canceled))
		})

		It("fails to start a run on an unknown thread", func() {
			assistantID, _ := newHandle()
			_, err := client.StartRun(ctx, "missing", assistantID, runclient.RunRequest{})
			Expect(runclient.IsNotFound(err)).To(BeTrue())
		})
	})
})
