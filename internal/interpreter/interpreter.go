// Package interpreter turns one customer message into a structured Action
// by calling a chat model. Model failures, timeouts and malformed output all
// collapse into a none action carrying an apology.
package interpreter

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/infra/resilience"
)

var tracer = otel.Tracer("interpreter")

// Apology is the reply used whenever interpretation fails.
const Apology = "Sorry, I couldn't process that just now. Could you please say it again?"

// Interpreter implements port.ActionInterpreter on top of an eino chat model.
type Interpreter struct {
	model   model.BaseChatModel
	prompt  *Prompt
	schema  *jsonschema.Schema
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New builds an interpreter. timeout bounds each model call.
func New(m model.BaseChatModel, prompt *Prompt, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) (*Interpreter, error) {
	s, err := compileOutputSchema()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Interpreter{
		model:   m,
		prompt:  prompt,
		schema:  s,
		cb:      resilience.NewCircuitBreaker("llm", logger),
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// NewOpenAIModel connects to any OpenAI-compatible chat completion endpoint.
func NewOpenAIModel(ctx context.Context, baseURL, apiKey, modelName string, timeout time.Duration) (model.BaseChatModel, error) {
	temperature := float32(0.2)
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       modelName,
		Timeout:     timeout,
		Temperature: &temperature,
	})
}

// Interpret returns exactly one Action for the message. It never fails.
func (i *Interpreter) Interpret(ctx context.Context, in *domain.InterpretInput) domain.Action {
	ctx, span := tracer.Start(ctx, "Interpreter.Interpret")
	defer span.End()

	start := time.Now()
	defer func() { i.metrics.RecordRequestDuration("interpret", time.Since(start)) }()

	messages := buildMessages(i.prompt, in)

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	out, err := i.cb.Execute(func() (any, error) {
		return i.model.Generate(callCtx, messages)
	})
	if err != nil {
		reason := "model_error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			reason = "circuit_open"
		case errors.Is(err, context.DeadlineExceeded), errors.Is(callCtx.Err(), context.DeadlineExceeded):
			reason = "timeout"
		}
		i.metrics.IncrExternalError("llm")
		return i.fallback(span, reason, err)
	}

	msg, _ := out.(*schema.Message)
	if msg == nil {
		return i.fallback(span, "model_error", errors.New("empty model response"))
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		i.metrics.RecordTokens(msg.ResponseMeta.Usage.PromptTokens, msg.ResponseMeta.Usage.CompletionTokens)
	}

	act, err := parseAction(i.schema, msg.Content)
	if err != nil {
		return i.fallback(span, "invalid_output", err)
	}

	span.SetAttributes(attribute.String("action", string(act.Kind)))
	i.logger.Debug("interpreted message",
		zap.String("action", string(act.Kind)),
		zap.String("step", string(stepOf(in.State))),
	)
	return act
}

func (i *Interpreter) fallback(span trace.Span, reason string, err error) domain.Action {
	i.metrics.IncrInterpreterFallback(reason)
	span.SetAttributes(attribute.String("fallback", reason))
	i.logger.Warn("interpreter fallback", zap.String("reason", reason), zap.Error(err))
	return domain.NoneAction(Apology)
}

func stepOf(s domain.ConversationState) domain.Step {
	if s == nil {
		return domain.StepIdle
	}
	return s.Step()
}
