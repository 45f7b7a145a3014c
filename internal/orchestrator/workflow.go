package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
	"github.com/fyrsmithlabs/triaged/internal/responder"
	"github.com/fyrsmithlabs/triaged/internal/retrieval"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/triaged/internal/orchestrator")

// composeBudget bounds the response-writing stage. It is granted on top of
// the retrieval budget so a slow strategy cannot starve the writer.
const composeBudget = 5 * time.Second

// fallbackMethod is the retrieval method tag reported after a fallback pass.
const fallbackMethod = "Compression (fallback)"

const (
	outcomeSuccess        = "success"
	outcomeFallback       = "fallback"
	outcomeWorkflowFailed = "workflow_failed"
)

// Router picks the retrieval strategy for a query.
type Router interface {
	Route(ctx context.Context, query string, userCanWait, productionIncident bool) rag.QueryPlan
}

// Composer writes the final answer from retrieved contexts.
type Composer interface {
	Compose(ctx context.Context, req responder.Request) (string, []rag.TicketRef)
}

// Workflow wires the supervisor, the strategies and the responder into the
// request state machine.
type Workflow struct {
	router     Router
	strategies map[rag.StrategyName]retrieval.Strategy
	fallback   retrieval.Strategy
	composer   Composer
	cfg        config.WorkflowConfig
	logger     *logging.Logger
}

// NewWorkflow builds the orchestrator. The fallback strategy runs once when
// the routed strategy fails or times out; it is expected to be Compression
// in degraded no-rerank mode.
func NewWorkflow(
	router Router,
	strategies map[rag.StrategyName]retrieval.Strategy,
	fallback retrieval.Strategy,
	composer Composer,
	cfg config.WorkflowConfig,
	logger *logging.Logger,
) *Workflow {
	return &Workflow{
		router:     router,
		strategies: strategies,
		fallback:   fallback,
		composer:   composer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process runs one query through decide, retrieve and compose. Retrieval
// failures never surface as errors; the returned error is non-nil only for
// invalid input or a dead client context.
func (w *Workflow) Process(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", rag.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.process")
	defer span.End()

	started := time.Now()
	state := newAgentState(req)

	w.logger.Info(ctx, "processing query",
		zap.String("request_id", state.ID),
		zap.Bool("user_can_wait", req.UserCanWait),
		zap.Bool("production_incident", req.ProductionIncident),
	)

	for _, step := range []func(context.Context, *AgentState) error{w.decide, w.retrieve, w.compose} {
		if err := step(ctx, state); err != nil {
			return nil, w.abort(ctx, state, err, time.Since(started))
		}
	}

	state.Stage = StageDone
	total := time.Since(started)
	observeRequest(strategyLabel(state.Plan.Strategy), state.Outcome, total)
	span.SetAttributes(
		attribute.String("workflow.strategy", string(state.Plan.Strategy)),
		attribute.String("workflow.outcome", state.Outcome),
		attribute.Int("workflow.contexts", len(state.Contexts)),
	)

	w.logger.Info(ctx, "query processed",
		zap.String("request_id", state.ID),
		zap.String("strategy", string(state.Plan.Strategy)),
		zap.String("method", state.Method),
		zap.String("outcome", state.Outcome),
		zap.Int("contexts", len(state.Contexts)),
		zap.Duration("total", total),
	)

	return w.assemble(state, total), nil
}

// Route returns only the supervisor decision, for the debug surface.
func (w *Workflow) Route(ctx context.Context, req Request) (rag.QueryPlan, error) {
	if strings.TrimSpace(req.Query) == "" {
		return rag.QueryPlan{}, fmt.Errorf("%w: query must not be empty", rag.ErrInvalidInput)
	}
	return w.router.Route(ctx, req.Query, req.UserCanWait, req.ProductionIncident), nil
}

func (w *Workflow) decide(ctx context.Context, state *AgentState) error {
	return w.stage(ctx, state, StageSupervisorDecide, func(ctx context.Context) error {
		plan := w.router.Route(ctx, state.Query, state.UserCanWait, state.ProductionIncident)
		state.Plan = plan
		state.say(fmt.Sprintf("Supervisor routed query to %s agent: %s", plan.Strategy, plan.Rationale))
		return nil
	})
}

// retrieve runs the routed strategy under its budget, then at most one
// degraded fallback pass. A second failure leaves the state with zero
// contexts; composition still proceeds.
func (w *Workflow) retrieve(ctx context.Context, state *AgentState) error {
	return w.stage(ctx, state, StageRetrieve, func(ctx context.Context) error {
		req := retrieval.Request{
			Query:              state.Query,
			UserCanWait:        state.UserCanWait,
			ProductionIncident: state.ProductionIncident,
		}

		var attempts []map[string]interface{}

		strategy, ok := w.strategies[state.Plan.Strategy]
		if ok {
			result, err := w.runStrategy(ctx, strategy, state.Plan.Strategy, req)
			if err == nil {
				attempts = append(attempts, attemptEntry(string(state.Plan.Strategy), nil))
				w.applyResult(state, string(state.Plan.Strategy), result, attempts)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			state.recordError(err)
			attempts = append(attempts, attemptEntry(string(state.Plan.Strategy), err))
			w.logger.Warn(ctx, "strategy failed, running fallback",
				zap.String("request_id", state.ID),
				zap.String("strategy", string(state.Plan.Strategy)),
				zap.Error(err))
		} else {
			err := fmt.Errorf("strategy not available")
			state.recordError(err)
			attempts = append(attempts, attemptEntry(string(state.Plan.Strategy), err))
			w.logger.Warn(ctx, "routed strategy not available, running fallback",
				zap.String("request_id", state.ID),
				zap.String("strategy", string(state.Plan.Strategy)))
		}

		fallbacksTotal.WithLabelValues(strategyLabel(state.Plan.Strategy)).Inc()
		state.say(fmt.Sprintf("%s agent failed; retrying with %s", state.Plan.Strategy, fallbackMethod))

		result, err := w.runStrategy(ctx, w.fallback, rag.StrategyCompression, req)
		if err == nil {
			state.Outcome = outcomeFallback
			attempts = append(attempts, attemptEntry(fallbackMethod, nil))
			w.applyResult(state, fallbackMethod, result, attempts)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		state.recordError(err)
		attempts = append(attempts, attemptEntry(fallbackMethod, err))
		state.Outcome = outcomeWorkflowFailed
		state.Method = fallbackMethod
		state.Contexts = []rag.Context{}
		state.Metadata = map[string]interface{}{
			"agent":       string(state.Plan.Strategy),
			"num_results": 0,
			"method_type": "empty_fallback",
			"attempts":    attempts,
		}
		state.say("All retrieval attempts failed; composing an answer without retrieved context")
		w.logger.Error(ctx, "all retrieval attempts failed",
			zap.String("request_id", state.ID),
			zap.String("strategy", string(state.Plan.Strategy)),
			zap.Strings("errors", state.Errors))
		return nil
	})
}

func (w *Workflow) compose(ctx context.Context, state *AgentState) error {
	return w.stage(ctx, state, StageCompose, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, composeBudget)
		defer cancel()

		answer, refs := w.composer.Compose(ctx, responder.Request{
			Query:              state.Query,
			Method:             state.Method,
			ProductionIncident: state.ProductionIncident,
			Contexts:           state.Contexts,
		})
		state.Answer = answer
		state.Tickets = refs
		state.say(fmt.Sprintf("ResponseWriter generated final answer with %d relevant tickets", len(refs)))
		return nil
	})
}

// stage times one state-machine step. Stage functions return an error only
// for a dead client context; domain failures are absorbed into the state.
func (w *Workflow) stage(ctx context.Context, state *AgentState, stage Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "orchestrator."+string(stage))
	defer span.End()

	state.Stage = stage
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	state.Timings[stage] = elapsed
	stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	return err
}

// runStrategy applies the named budget on top of the caller context, so a
// stricter client deadline still wins.
func (w *Workflow) runStrategy(ctx context.Context, s retrieval.Strategy, budget rag.StrategyName, req retrieval.Request) (*retrieval.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StrategyTimeout(budget))
	defer cancel()
	return s.Run(ctx, req)
}

func (w *Workflow) applyResult(state *AgentState, method string, result *retrieval.Result, attempts []map[string]interface{}) {
	state.Method = method
	state.Contexts = result.Contexts
	if state.Contexts == nil {
		state.Contexts = []rag.Context{}
	}
	state.Metadata = result.Metadata
	if state.Metadata == nil {
		state.Metadata = map[string]interface{}{}
	}
	if len(result.Warnings) > 0 {
		state.Metadata["messages"] = result.Warnings
	}
	state.Metadata["attempts"] = attempts
	if result.Message != "" {
		state.say(result.Message)
	}
}

func (w *Workflow) abort(ctx context.Context, state *AgentState, err error, total time.Duration) error {
	state.Stage = StageCancelled
	outcome := "cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		state.Stage = StageTimeout
		outcome = "timeout"
	}
	observeRequest(strategyLabel(state.Plan.Strategy), outcome, total)
	w.logger.Warn(ctx, "request aborted",
		zap.String("request_id", state.ID),
		zap.String("stage", string(state.Stage)),
		zap.Error(err))
	return err
}

func (w *Workflow) assemble(state *AgentState, total time.Duration) *Response {
	return &Response{
		Query:               state.Query,
		FinalAnswer:         state.Answer,
		RelevantTickets:     state.Tickets,
		RoutingDecision:     string(state.Plan.Strategy),
		RoutingReasoning:    state.Plan.Rationale,
		RetrievalMethod:     state.Method,
		RetrievedContexts:   state.Contexts,
		RetrievalMetadata:   state.Metadata,
		UserCanWait:         state.UserCanWait,
		ProductionIncident:  state.ProductionIncident,
		Messages:            state.Messages,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		TotalProcessingTime: total.Seconds(),
	}
}

func attemptEntry(method string, err error) map[string]interface{} {
	entry := map[string]interface{}{
		"strategy": method,
		"outcome":  "success",
	}
	if err != nil {
		entry["outcome"] = "failed"
		entry["error"] = err.Error()
	}
	return entry
}

func strategyLabel(s rag.StrategyName) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
