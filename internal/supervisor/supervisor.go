// Package supervisor routes queries to a retrieval strategy.
//
// Routing is rule-first: six ordered rules inspect the query text and the
// caller hints, and the first match wins. An optional LLM classifier is
// consulted only when nothing beyond the default rule fired; classifier
// output that does not name a known strategy is ignored. With the
// classifier disabled, routing is a pure function of its inputs.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/config"
	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/triaged/internal/supervisor")

// maxRationaleLen bounds the rationale echoed back in responses.
const maxRationaleLen = 200

// Vocabulary that drives the text rules. Single words match whole tokens;
// phrases match as substrings of the lowercased query.
var (
	outageVocabulary = []string{"down", "outage", "status page", "latest", "current"}
	logVocabulary    = []string{"logs", "log", "exception", "stack trace", "error rate"}
	errorVocabulary  = []string{"error", "errors", "exception", "exceptions", "failed", "failing", "timeout", "crash"}
)

// Supervisor decides which retrieval strategy serves a query.
type Supervisor struct {
	classifier llm.Generator
	logger     *logging.Logger
}

// New builds a Supervisor. The classifier is dropped unless enabled in
// config; without it every decision is deterministic.
func New(cfg config.SupervisorConfig, classifier llm.Generator, logger *logging.Logger) *Supervisor {
	if !cfg.ClassifierEnabled {
		classifier = nil
	}
	return &Supervisor{classifier: classifier, logger: logger}
}

// Route maps a query and its hints to a strategy. It never fails: every
// path ends in a concrete plan, the worst case being the default strategy.
func (s *Supervisor) Route(ctx context.Context, query string, userCanWait, productionIncident bool) rag.QueryPlan {
	ctx, span := tracer.Start(ctx, "supervisor.route")
	defer span.End()

	plan, rule := s.decide(ctx, query, userCanWait, productionIncident)
	plan.Urgent = productionIncident
	plan.Rationale = truncateRationale(plan.Rationale)

	decisionsTotal.WithLabelValues(string(plan.Strategy), rule).Inc()
	span.SetAttributes(
		attribute.String("supervisor.strategy", string(plan.Strategy)),
		attribute.String("supervisor.rule", rule),
	)
	s.logger.Info(ctx, "routing decision",
		zap.String("strategy", string(plan.Strategy)),
		zap.String("rule", rule),
		zap.String("rationale", plan.Rationale),
		zap.Bool("user_can_wait", userCanWait),
		zap.Bool("production_incident", productionIncident),
	)
	return plan
}

// decide applies the ordered rules and returns the plan plus the rule label
// used for metrics.
func (s *Supervisor) decide(ctx context.Context, query string, userCanWait, productionIncident bool) (rag.QueryPlan, string) {
	if term, ok := matchVocabulary(query, outageVocabulary); ok {
		return plan(rag.StrategyWebSearch,
			fmt.Sprintf("outage vocabulary rule: query mentions %q", term)), "outage"
	}

	if id := rag.FirstKey(query); id != "" {
		return plan(rag.StrategyBM25,
			fmt.Sprintf("identifier rule: query references %s", id)), "identifier"
	}

	if term, ok := matchVocabulary(query, logVocabulary); ok {
		return plan(rag.StrategyLogSearch,
			fmt.Sprintf("log vocabulary rule: query mentions %q", term)), "log"
	}
	if productionIncident {
		if term, ok := matchVocabulary(query, errorVocabulary); ok {
			return plan(rag.StrategyLogSearch,
				fmt.Sprintf("incident error vocabulary rule: query mentions %q", term)), "log"
		}
	}

	if userCanWait {
		return plan(rag.StrategyEnsemble,
			"patience rule: user can wait for comprehensive multi-method retrieval"), "patient"
	}

	if productionIncident {
		return plan(rag.StrategyCompression,
			"incident rule: fast semantic retrieval for a production incident"), "incident"
	}

	if s.classifier != nil {
		if p, ok := s.classify(ctx, query, userCanWait, productionIncident); ok {
			return p, "classifier"
		}
	}

	return plan(rag.StrategyCompression, "default rule: fast semantic retrieval"), "default"
}

// classify asks the strong model to pick a strategy. Any failure, and any
// reply that does not name a known strategy, is ignored.
func (s *Supervisor) classify(ctx context.Context, query string, userCanWait, productionIncident bool) (rag.QueryPlan, bool) {
	reply, err := s.classifier.Generate(ctx, llm.TierStrong,
		classifierPrompt(query, userCanWait, productionIncident))
	if err != nil {
		s.logger.Warn(ctx, "classifier unavailable, using default routing", zap.Error(err))
		return rag.QueryPlan{}, false
	}

	strategy, reasoning, ok := parseClassification(reply)
	if !ok {
		s.logger.Warn(ctx, "classifier reply names no known strategy, using default routing")
		return rag.QueryPlan{}, false
	}
	return plan(strategy, "LLM classifier: "+reasoning), true
}

// parseClassification extracts a strategy from a classifier reply. A JSON
// object is preferred; otherwise the reply text is scanned for a strategy
// name, most specific first.
func parseClassification(reply string) (rag.StrategyName, string, bool) {
	if raw, ok := llm.ExtractJSON(reply); ok {
		var parsed struct {
			Agent     string `json:"agent"`
			Reasoning string `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			name := rag.StrategyName(strings.TrimSpace(parsed.Agent))
			if name.Valid() {
				reasoning := strings.TrimSpace(parsed.Reasoning)
				if reasoning == "" {
					reasoning = "no reasoning given"
				}
				return name, reasoning, true
			}
		}
	}

	for _, name := range []rag.StrategyName{
		rag.StrategyWebSearch,
		rag.StrategyLogSearch,
		rag.StrategyBM25,
		rag.StrategyEnsemble,
		rag.StrategyCompression,
	} {
		if strings.Contains(reply, string(name)) {
			return name, "parsed from text reply", true
		}
	}
	return "", "", false
}

func plan(strategy rag.StrategyName, rationale string) rag.QueryPlan {
	return rag.QueryPlan{Strategy: strategy, Rationale: rationale}
}

// matchVocabulary reports the first vocabulary term present in the query.
// Tokens are compared whole so "downstream" does not trip the outage rule.
func matchVocabulary(query string, vocabulary []string) (string, bool) {
	q := strings.ToLower(query)
	tokens := tokenize(q)
	for _, term := range vocabulary {
		if strings.Contains(term, " ") {
			if strings.Contains(q, term) {
				return term, true
			}
			continue
		}
		if tokens[term] {
			return term, true
		}
	}
	return "", false
}

func tokenize(q string) map[string]bool {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}

func truncateRationale(rationale string) string {
	runes := []rune(rationale)
	if len(runes) <= maxRationaleLen {
		return rationale
	}
	return string(runes[:maxRationaleLen])
}

func classifierPrompt(query string, userCanWait, productionIncident bool) string {
	return fmt.Sprintf(`You route queries for an engineering ticket retrieval system.

Available strategies:
1. BM25 - fast keyword search: ticket references, exact error messages, component names
2. Compression - fast semantic search with reranking: troubleshooting, impatient callers
3. Ensemble - comprehensive multi-method search: research questions, patient callers
4. WebSearch - real-time web search: service status, outages, "latest" or "current" issues
5. LogSearch - production log analysis: exceptions, error patterns, certificate and disk issues

Query: %q
User can wait: %t
Production incident: %t

Respond with ONLY:
{"agent": "BM25|Compression|Ensemble|WebSearch|LogSearch", "reasoning": "brief explanation"}`,
		query, userCanWait, productionIncident)
}
