package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"genesis/internal/bridge"
	"genesis/internal/metrics"
	"genesis/internal/models"
	"genesis/internal/provider"
	"genesis/internal/tokens"
	"genesis/internal/translator"
)

type fakeDispatcher struct {
	model   models.Model
	produce bridge.Producer
	chat    func(models.ChatRequest) (*models.ChatResponse, error)

	mu  sync.Mutex
	got models.ChatRequest
}

func (d *fakeDispatcher) Resolve(model string) (models.Model, provider.Provider, error) {
	if model != d.model.ID {
		return models.Model{}, nil, fmt.Errorf("%w: %s", provider.ErrUnknownModel, model)
	}
	return d.model, nil, nil
}

func (d *fakeDispatcher) Chat(_ context.Context, req models.ChatRequest) (*models.ChatResponse, models.Model, error) {
	d.record(req)
	resp, err := d.chat(req)
	return resp, d.model, err
}

func (d *fakeDispatcher) Stream(ctx context.Context, req models.ChatRequest) (*bridge.Stream, models.Model, error) {
	d.record(req)
	return bridge.Open(ctx, 4, d.produce), d.model, nil
}

func (d *fakeDispatcher) record(req models.ChatRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = req
}

type recorder struct {
	mu      sync.Mutex
	replies []translator.Reply
	fail    bool
}

func (r *recorder) send(reply translator.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("closed")
	}
	r.replies = append(r.replies, reply)
	return nil
}

func (r *recorder) snapshot() []translator.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]translator.Reply(nil), r.replies...)
}

func streamOf(events ...models.StreamEvent) bridge.Producer {
	return func(ctx context.Context, emit provider.Emitter) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func request(id string) translator.ChatRequest {
	return translator.ChatRequest{
		RequestID: translator.NewRequestID(id),
		Model:     "deepseek-chat",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Stream:    true,
	}
}

func assertSingleTerminal(t *testing.T, replies []translator.Reply) translator.Reply {
	t.Helper()
	if len(replies) == 0 {
		t.Fatal("no replies")
	}
	for i, reply := range replies[:len(replies)-1] {
		if reply.IsTerminal() {
			t.Fatalf("reply %d is terminal before the end: %+v", i, reply)
		}
	}
	last := replies[len(replies)-1]
	if !last.IsTerminal() {
		t.Fatalf("last reply is not terminal: %+v", last)
	}
	return last
}

func TestRunStreamsTextAndProviderMeta(t *testing.T) {
	d := &fakeDispatcher{
		model: models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		produce: streamOf(
			models.TextEvent("Hel"),
			models.TextEvent("lo"),
			models.MetaEvent(models.UsageStats{PromptTokens: 9, CompletionTokens: 2, Reported: true, Model: "deepseek-chat"}),
		),
	}
	rec := &recorder{}

	state := NewRunner(d, Options{DefaultSystemPrompt: "sys"}).Run(context.Background(), request("1"), rec.send)
	if state != StateDone {
		t.Fatalf("expected done, got %s", state)
	}

	replies := rec.snapshot()
	last := assertSingleTerminal(t, replies)
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %+v", replies)
	}
	if replies[0].Text != "Hel" || replies[0].TokenCount != 1 || replies[1].TokenCount != 2 {
		t.Fatalf("unexpected progress replies %+v", replies[:2])
	}
	if last.Meta == nil || *last.Meta.TokensSent != 9 || last.Meta.TokensReceived != 2 || last.Meta.Warning != "" {
		t.Fatalf("unexpected meta %+v", last.Meta)
	}
	for _, reply := range replies {
		if reply.RequestID.Key() != `"1"` {
			t.Fatalf("reply tagged with wrong id: %+v", reply)
		}
	}

	if len(d.got.Messages) != 2 || d.got.Messages[0].Content != "sys" {
		t.Fatalf("expected normalized history with system prompt, got %+v", d.got.Messages)
	}
}

func TestRunUsesReportedCountDespiteDiscrepancy(t *testing.T) {
	events := make([]models.StreamEvent, 0, 21)
	for i := 0; i < 20; i++ {
		events = append(events, models.TextEvent("x"))
	}
	events = append(events, models.MetaEvent(models.UsageStats{CompletionTokens: 3, Reported: true}))

	d := &fakeDispatcher{model: models.Model{ID: "deepseek-chat", Provider: "deepseek"}, produce: streamOf(events...)}
	rec := &recorder{}

	if state := NewRunner(d, Options{}).Run(context.Background(), request("d"), rec.send); state != StateDone {
		t.Fatalf("expected done, got %s", state)
	}
	last := assertSingleTerminal(t, rec.snapshot())
	if last.Meta == nil || last.Meta.TokensReceived != 3 {
		t.Fatalf("expected provider count 3, got %+v", last.Meta)
	}
}

func TestRunDiscrepancyTolerance(t *testing.T) {
	zero := 0
	cases := []struct {
		name      string
		tolerance *int
		diff      int
		flagged   bool
	}{
		{name: "within default", diff: 5},
		{name: "above default", diff: 6, flagged: true},
		{name: "below default", diff: -6, flagged: true},
		{name: "explicit zero exact", tolerance: &zero, diff: 0},
		{name: "explicit zero off by one", tolerance: &zero, diff: 1, flagged: true},
	}

	const local = 10
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			providerName := "tolerance-" + tc.name
			events := make([]models.StreamEvent, 0, local+1)
			for i := 0; i < local; i++ {
				events = append(events, models.TextEvent("x"))
			}
			events = append(events, models.MetaEvent(models.UsageStats{CompletionTokens: local - tc.diff, Reported: true}))

			d := &fakeDispatcher{model: models.Model{ID: "deepseek-chat", Provider: providerName}, produce: streamOf(events...)}
			rec := &recorder{}
			counter := metrics.TokenDiscrepanciesTotal.WithLabelValues(providerName)
			before := testutil.ToFloat64(counter)

			if state := NewRunner(d, Options{Tolerance: tc.tolerance}).Run(context.Background(), request("t"), rec.send); state != StateDone {
				t.Fatalf("expected done, got %s", state)
			}

			flagged := testutil.ToFloat64(counter) - before
			if want := map[bool]float64{true: 1, false: 0}[tc.flagged]; flagged != want {
				t.Fatalf("discrepancy counter moved by %v, want %v", flagged, want)
			}
			last := assertSingleTerminal(t, rec.snapshot())
			if last.Meta == nil || last.Meta.TokensReceived != local-tc.diff || last.Meta.Warning != "" {
				t.Fatalf("unexpected meta %+v", last.Meta)
			}
		})
	}
}

func TestRunWarnsWhenUsageMissing(t *testing.T) {
	d := &fakeDispatcher{
		model:   models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		produce: streamOf(models.TextEvent("a"), models.TextEvent("b"), models.TextEvent("c")),
	}

	t.Run("without estimator", func(t *testing.T) {
		rec := &recorder{}
		NewRunner(d, Options{}).Run(context.Background(), request("w"), rec.send)
		last := assertSingleTerminal(t, rec.snapshot())
		if last.Meta == nil || last.Meta.TokensReceived != 3 || last.Meta.Warning == "" || last.Meta.TokensSent != nil {
			t.Fatalf("unexpected meta %+v", last.Meta)
		}
	})

	t.Run("with estimator", func(t *testing.T) {
		rec := &recorder{}
		NewRunner(d, Options{Estimator: tokens.NewHeuristicEstimator()}).Run(context.Background(), request("w"), rec.send)
		last := assertSingleTerminal(t, rec.snapshot())
		if last.Meta == nil || last.Meta.TokensSent == nil || *last.Meta.TokensSent <= 0 {
			t.Fatalf("expected estimated tokensSent, got %+v", last.Meta)
		}
	})
}

func TestRunUnknownModelSkipsProvider(t *testing.T) {
	d := &fakeDispatcher{model: models.Model{ID: "deepseek-chat"}}
	rec := &recorder{}

	req := request("u")
	req.Model = "not-a-model"
	if state := NewRunner(d, Options{}).Run(context.Background(), req, rec.send); state != StateErrored {
		t.Fatalf("expected errored, got %s", state)
	}

	replies := rec.snapshot()
	if len(replies) != 1 || replies[0].Error == "" {
		t.Fatalf("expected a single error reply, got %+v", replies)
	}
	if d.got.Model != "" {
		t.Fatal("provider was called for an unknown model")
	}
}

func TestRunNoPrompt(t *testing.T) {
	rec := &recorder{}
	req := request("n")
	req.Messages = []models.Message{{Role: models.RoleUser, Content: "   "}}

	NewRunner(&fakeDispatcher{}, Options{}).Run(context.Background(), req, rec.send)
	replies := rec.snapshot()
	if len(replies) != 1 || replies[0].Error != translator.MsgNoPrompt {
		t.Fatalf("expected No prompt provided., got %+v", replies)
	}
}

func TestRunProviderErrorAfterPartialText(t *testing.T) {
	d := &fakeDispatcher{
		model: models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		produce: func(ctx context.Context, emit provider.Emitter) error {
			if err := emit(models.TextEvent("part")); err != nil {
				return err
			}
			return &provider.Error{Provider: "deepseek", Status: 500, Message: "boom", Body: `{"error":"boom"}`}
		},
	}
	rec := &recorder{}

	if state := NewRunner(d, Options{}).Run(context.Background(), request("e"), rec.send); state != StateErrored {
		t.Fatalf("expected errored, got %s", state)
	}
	last := assertSingleTerminal(t, rec.snapshot())
	if last.Error == "" || last.Details != `{"error":"boom"}` {
		t.Fatalf("unexpected error reply %+v", last)
	}
}

func TestRunEmptyStreamIsError(t *testing.T) {
	d := &fakeDispatcher{
		model:   models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		produce: streamOf(),
	}
	rec := &recorder{}

	NewRunner(d, Options{}).Run(context.Background(), request("empty"), rec.send)
	replies := rec.snapshot()
	if len(replies) != 1 || replies[0].Error == "" {
		t.Fatalf("expected a single error reply, got %+v", replies)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	d := &fakeDispatcher{
		model: models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		chat: func(models.ChatRequest) (*models.ChatResponse, error) {
			panic("adapter bug")
		},
	}
	rec := &recorder{}
	req := request("p")
	req.Stream = false

	if state := NewRunner(d, Options{}).Run(context.Background(), req, rec.send); state != StateErrored {
		t.Fatalf("expected errored, got %s", state)
	}
	replies := rec.snapshot()
	if len(replies) != 1 || replies[0].Error != translator.MsgInternal {
		t.Fatalf("expected internal error reply, got %+v", replies)
	}
}

func TestRunBlockingRequest(t *testing.T) {
	d := &fakeDispatcher{
		model: models.Model{ID: "deepseek-chat", Provider: "deepseek", SupportsThinking: true},
		chat: func(models.ChatRequest) (*models.ChatResponse, error) {
			return &models.ChatResponse{
				Text:     "answer",
				Thinking: "trace",
				Usage:    models.UsageStats{PromptTokens: 4, CompletionTokens: 1, Reported: true},
			}, nil
		},
	}
	rec := &recorder{}
	req := request("b")
	req.Stream = false

	if state := NewRunner(d, Options{}).Run(context.Background(), req, rec.send); state != StateDone {
		t.Fatalf("expected done, got %s", state)
	}
	replies := rec.snapshot()
	if len(replies) != 3 || replies[0].Thinking != "trace" || replies[1].Text != "answer" || replies[2].Meta.TokensReceived != 1 {
		t.Fatalf("unexpected replies %+v", replies)
	}
	if thinking, _ := d.got.Options[models.OptionThinking].(bool); !thinking {
		t.Fatal("expected thinking option for a thinking model")
	}
}

func TestRunCancelled(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDispatcher{
		model: models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		produce: func(ctx context.Context, emit provider.Emitter) error {
			if err := emit(models.TextEvent("first")); err != nil {
				return err
			}
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan State, 1)
	go func() { done <- NewRunner(d, Options{}).Run(ctx, request("c"), rec.send) }()

	<-started
	cancel()

	select {
	case state := <-done:
		if state != StateErrored {
			t.Fatalf("expected errored, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe cancellation")
	}

	last := assertSingleTerminal(t, rec.snapshot())
	if last.Error != translator.MsgRequestCancelled {
		t.Fatalf("expected cancellation reply, got %+v", last)
	}
}

func TestRunStopsWritingWhenClientGone(t *testing.T) {
	d := &fakeDispatcher{
		model:   models.Model{ID: "deepseek-chat", Provider: "deepseek"},
		produce: streamOf(models.TextEvent("a"), models.TextEvent("b")),
	}
	rec := &recorder{fail: true}

	if state := NewRunner(d, Options{}).Run(context.Background(), request("g"), rec.send); state != StateErrored {
		t.Fatalf("expected errored, got %s", state)
	}
	if len(rec.snapshot()) != 0 {
		t.Fatal("expected no replies to be recorded")
	}
}
