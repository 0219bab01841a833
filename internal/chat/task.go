// Package chat runs one chat request end to end: validation, history normalization, dispatch
// through the router and translation of provider events into wire replies.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sourcegraph/conc/panics"

	"genesis/internal/bridge"
	"genesis/internal/metrics"
	"genesis/internal/models"
	"genesis/internal/provider"
	"genesis/internal/tokens"
	"genesis/internal/translator"
)

// DefaultTolerance is the accepted gap between local and reported completion tokens.
const DefaultTolerance = 5

// State is a Request Task lifecycle stage.
type State int

const (
	StateValidating State = iota
	StateDispatching
	StateStreaming
	StateBlocking
	StateCompleting
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateBlocking:
		return "blocking"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Dispatcher resolves models and starts provider calls. *router.Router implements it.
type Dispatcher interface {
	Resolve(model string) (models.Model, provider.Provider, error)
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, models.Model, error)
	Stream(ctx context.Context, req models.ChatRequest) (*bridge.Stream, models.Model, error)
}

// Sender delivers one reply to the client. An error means the client is gone.
type Sender func(translator.Reply) error

// Options tunes a Runner.
type Options struct {
	// Tolerance bounds the accepted token gap. Nil uses DefaultTolerance.
	Tolerance           *int
	DefaultSystemPrompt string
	// Estimator fills tokensSent when a provider omits usage. Nil leaves it null.
	Estimator *tokens.Estimator
	Logger    *slog.Logger
}

// Runner executes Request Tasks. It is safe for concurrent use.
type Runner struct {
	dispatcher    Dispatcher
	tolerance     int
	defaultSystem string
	estimator     *tokens.Estimator
	local         *tokens.Estimator
	logger        *slog.Logger
}

// NewRunner constructs a Runner.
func NewRunner(dispatcher Dispatcher, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tolerance := DefaultTolerance
	if opts.Tolerance != nil && *opts.Tolerance >= 0 {
		tolerance = *opts.Tolerance
	}
	local := opts.Estimator
	if local == nil {
		local = tokens.NewHeuristicEstimator()
	}
	return &Runner{
		dispatcher:    dispatcher,
		tolerance:     tolerance,
		defaultSystem: opts.DefaultSystemPrompt,
		estimator:     opts.Estimator,
		local:         local,
		logger:        logger,
	}
}

type task struct {
	*Runner
	req    translator.ChatRequest
	send   Sender
	logger *slog.Logger
	state  State

	model      models.Model
	messages   []models.Message
	sendErr    error
	terminated bool
}

// Run executes req and returns the terminal state. Every path that reaches the client ends
// with exactly one meta or error reply; panics are converted into an error reply. Run never
// returns an error: failures are reported to the client through send.
func (r *Runner) Run(ctx context.Context, req translator.ChatRequest, send Sender) State {
	t := &task{
		Runner: r,
		req:    req,
		send:   send,
		logger: r.logger.With("request_id", req.RequestID.String(), "model", req.Model),
		state:  StateValidating,
	}

	metrics.InFlightRequests.Inc()
	defer metrics.InFlightRequests.Dec()

	var catcher panics.Catcher
	catcher.Try(func() { t.run(ctx) })
	if recovered := catcher.Recovered(); recovered != nil {
		t.logger.Error("request task panicked", "state", t.state.String(), "panic", recovered.String())
		t.fail(ctx, errors.New(translator.MsgInternal))
	}
	return t.state
}

func (t *task) run(ctx context.Context) {
	messages, err := Normalize(t.req.Messages, t.req.SystemPrompt, t.req.Prompt, t.defaultSystem)
	if err != nil {
		t.fail(ctx, &translator.ValidationError{RequestID: t.req.RequestID, Message: translator.MsgNoPrompt, Err: err})
		return
	}
	t.messages = messages

	t.state = StateDispatching
	model, _, err := t.dispatcher.Resolve(t.req.Model)
	if err != nil {
		t.fail(ctx, err)
		return
	}
	t.model = model
	t.logger = t.logger.With("provider", model.Provider)

	chatReq := models.ChatRequest{
		Model:       t.req.Model,
		Messages:    messages,
		Stream:      t.req.Stream,
		Temperature: t.req.Temperature,
		Options:     map[string]any{},
	}
	if t.req.MaxTokens != nil {
		chatReq.Options[provider.OptionMaxTokens] = *t.req.MaxTokens
	}
	if model.SupportsThinking {
		chatReq.Options[models.OptionThinking] = true
	}

	if t.req.Stream {
		t.state = StateStreaming
		t.stream(ctx, chatReq)
		return
	}
	t.state = StateBlocking
	t.blocking(ctx, chatReq)
}

func (t *task) stream(ctx context.Context, chatReq models.ChatRequest) {
	stream, _, err := t.dispatcher.Stream(ctx, chatReq)
	if err != nil {
		t.fail(ctx, err)
		return
	}
	defer stream.Close()

	var (
		local int
		usage *models.UsageStats
	)
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.fail(ctx, err)
			return
		}

		switch ev.Kind {
		case models.EventText:
			local++
			if !t.emit(translator.TextReply(t.req.RequestID, ev.Token, local)) {
				return
			}
		case models.EventThinking:
			if !t.emit(translator.ThinkingReply(t.req.RequestID, ev.Token)) {
				return
			}
		case models.EventMeta:
			usage = ev.Meta
		}
	}

	t.complete(local, usage, true)
}

func (t *task) blocking(ctx context.Context, chatReq models.ChatRequest) {
	resp, _, err := t.dispatcher.Chat(ctx, chatReq)
	if err != nil {
		t.fail(ctx, err)
		return
	}

	local := t.local.Count(resp.Text)
	if resp.Thinking != "" {
		if !t.emit(translator.ThinkingReply(t.req.RequestID, resp.Thinking)) {
			return
		}
	}
	if resp.Text != "" {
		if !t.emit(translator.TextReply(t.req.RequestID, resp.Text, local)) {
			return
		}
	}

	usage := resp.Usage
	t.complete(local, &usage, false)
}

// complete sends the terminal meta reply. Provider-reported counts always win; without them
// the local count is sent with a warning.
func (t *task) complete(local int, usage *models.UsageStats, checkDiscrepancy bool) {
	t.state = StateCompleting
	providerName := t.model.Provider
	outcome := metrics.OutcomeSuccess

	var meta translator.Meta
	if usage == nil || !usage.Reported {
		outcome = metrics.OutcomeWarning
		if usage != nil {
			meta = translator.MetaFromUsage(*usage)
		}
		meta.TokensSent = nil
		if t.estimator != nil {
			sent := t.estimator.CountMessages(t.messages)
			meta.TokensSent = &sent
		}
		meta.TokensReceived = local
		meta.Warning = translator.MsgNoUsageStatistics
		t.logger.Warn("provider did not report usage statistics", "local_tokens", local)
	} else {
		meta = translator.MetaFromUsage(*usage)
		if diff := local - usage.CompletionTokens; checkDiscrepancy && (diff > t.tolerance || -diff > t.tolerance) {
			metrics.TokenDiscrepanciesTotal.WithLabelValues(providerName).Inc()
			t.logger.Warn("token count discrepancy",
				"local_tokens", local,
				"reported_tokens", usage.CompletionTokens,
				"tolerance", t.tolerance,
			)
		}
	}

	if usage != nil {
		metrics.RequestLatency.WithLabelValues(providerName, t.model.ID).Observe(usage.LatencySeconds)
		if usage.TimeToFirstTokenSeconds != nil {
			metrics.TimeToFirstToken.WithLabelValues(providerName, t.model.ID).Observe(*usage.TimeToFirstTokenSeconds)
		}
	}
	if meta.TokensSent != nil {
		metrics.TokensTotal.WithLabelValues(providerName, "sent").Add(float64(*meta.TokensSent))
	}
	metrics.TokensTotal.WithLabelValues(providerName, "received").Add(float64(meta.TokensReceived))

	if !t.emit(translator.MetaReply(t.req.RequestID, meta)) {
		return
	}
	metrics.RequestsTotal.WithLabelValues(providerName, outcome).Inc()
	t.state = StateDone
	t.logger.Debug("request completed", "tokens_received", meta.TokensReceived)
}

// fail converts err into the single terminal error reply.
func (t *task) fail(ctx context.Context, err error) {
	t.state = StateErrored
	if t.sendErr != nil || t.terminated {
		return
	}

	message, details := describe(ctx, err)
	outcome := metrics.OutcomeError
	switch {
	case message == translator.MsgRequestCancelled:
		outcome = metrics.OutcomeCancelled
		t.logger.Info("request cancelled")
	case isValidation(err):
		outcome = metrics.OutcomeInvalid
		t.logger.Info("request rejected", "error", err)
	default:
		t.logger.Error("request failed", "error", err)
	}
	metrics.RequestsTotal.WithLabelValues(providerLabel(t.model), outcome).Inc()

	t.emit(translator.ErrorReply(t.req.RequestID, message, details))
}

// emit sends a reply and reports whether the client is still reachable.
func (t *task) emit(reply translator.Reply) bool {
	if t.sendErr != nil {
		return false
	}
	if t.terminated {
		return false
	}
	if err := t.send(reply); err != nil {
		t.sendErr = err
		t.state = StateErrored
		t.logger.Debug("reply dropped, client unreachable", "error", err)
		return false
	}
	t.terminated = reply.IsTerminal()
	return true
}

func describe(ctx context.Context, err error) (message, details string) {
	var (
		validation  *translator.ValidationError
		providerErr *provider.Error
	)
	switch {
	case errors.As(err, &validation):
		return validation.Message, ""
	case ctx.Err() != nil:
		return translator.MsgRequestCancelled, ""
	case errors.Is(err, provider.ErrUnknownModel):
		return err.Error(), ""
	case errors.Is(err, provider.ErrEmptyResponse):
		return "No response was generated.", err.Error()
	case errors.As(err, &providerErr):
		return providerErr.Error(), providerErr.Body
	default:
		return err.Error(), ""
	}
}

func isValidation(err error) bool {
	var validation *translator.ValidationError
	return errors.As(err, &validation) || errors.Is(err, provider.ErrUnknownModel)
}

func providerLabel(model models.Model) string {
	if model.Provider == "" {
		return "none"
	}
	return model.Provider
}
