// Package responder composes the final answer from retrieved contexts.
//
// The writer runs on the strong model tier but never depends on it: zero
// contexts yield a deterministic no-information answer with reformulation
// suggestions, and a model failure yields a deterministic summary of the
// top results. Every ticket key cited in the answer prose is guaranteed to
// appear in the returned reference list.
package responder

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/llm"
	"github.com/fyrsmithlabs/triaged/internal/logging"
	"github.com/fyrsmithlabs/triaged/internal/rag"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/triaged/internal/responder")

const (
	// maxPromptContexts bounds how many contexts reach the model.
	maxPromptContexts = 10

	// maxFallbackContexts bounds the deterministic fallback summary.
	maxFallbackContexts = 3

	maxReformulations = 3
)

// Request carries everything the writer needs for one answer.
type Request struct {
	Query              string
	Method             string
	ProductionIncident bool
	Contexts           []rag.Context
}

// Writer generates the final answer. Compose never fails; the worst case is
// a deterministic degraded answer.
type Writer struct {
	llm    llm.Generator
	logger *logging.Logger
}

// NewWriter builds a Writer on the given model client.
func NewWriter(gen llm.Generator, logger *logging.Logger) *Writer {
	return &Writer{llm: gen, logger: logger}
}

// Compose returns the final answer plus the ticket references backing it.
func (w *Writer) Compose(ctx context.Context, req Request) (string, []rag.TicketRef) {
	ctx, span := tracer.Start(ctx, "responder.compose")
	defer span.End()

	refs := extractTickets(req.Contexts)
	top := rag.TopK(req.Contexts, maxPromptContexts)

	var answer string
	if len(top) == 0 {
		answer = noInformationAnswer(req)
	} else {
		reply, err := w.llm.Generate(ctx, llm.TierStrong, responsePrompt(req, top))
		if err != nil || strings.TrimSpace(reply) == "" {
			w.logger.Warn(ctx, "response generation failed, using deterministic fallback",
				zap.String("method", req.Method),
				zap.Error(err))
			answer = fallbackAnswer(req, top)
		} else {
			answer = strings.TrimSpace(reply)
		}
	}

	refs = ensureCitedKeys(answer, refs)
	span.SetAttributes(
		attribute.Int("responder.contexts", len(req.Contexts)),
		attribute.Int("responder.references", len(refs)),
	)
	return answer, refs
}

func responsePrompt(req Request, contexts []rag.Context) string {
	return fmt.Sprintf(`You are a response writer for an engineering ticket retrieval system. Generate a helpful, contextual answer from the retrieved information.

Query: %s
Production incident: %t
Retrieval method: %s

Retrieved information:
%s

Instructions:
1. Answer the user's specific question from the retrieved information.
2. If this is a production incident, lead with the most actionable item.
3. Reference ticket keys (like HBASE-123) only when they appear in the retrieved information.
4. If the retrieved information does not answer the question, say so clearly.
5. Keep the answer concise but informative.

Answer:`,
		req.Query, req.ProductionIncident, req.Method, formatContexts(contexts))
}

// formatContexts renders contexts as "[key] content" blocks. Contexts
// without a ticket key get a positional placeholder.
func formatContexts(contexts []rag.Context) string {
	parts := make([]string, 0, len(contexts))
	for i, c := range contexts {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		key := metaString(c.Metadata, rag.MetaKey)
		if key == "" {
			key = fmt.Sprintf("DOC-%d", i+1)
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", key, content))
	}
	if len(parts) == 0 {
		return "No relevant ticket content found."
	}
	return strings.Join(parts, "\n\n")
}

// noInformationAnswer is the deterministic zero-context answer. It states
// the miss explicitly and suggests reformulations; it never invents ticket
// keys.
func noInformationAnswer(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "No relevant information was found for %q using %s.", req.Query, req.Method)
	if suggestions := reformulate(req.Query); len(suggestions) > 0 {
		b.WriteString("\n\nTry reformulating the query:")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "\n- %s", s)
		}
	}
	return b.String()
}

// reformulate derives up to three alternative queries, skipping variants
// whose extra term the query already contains.
func reformulate(query string) []string {
	trimmed := strings.TrimSpace(query)
	lowered := strings.ToLower(trimmed)

	type variant struct {
		term    string
		rewrite string
	}
	candidates := []variant{
		{term: "troubleshooting", rewrite: trimmed + " troubleshooting"},
		{term: "error", rewrite: trimmed + " error"},
		{term: "how to resolve", rewrite: "how to resolve " + trimmed},
	}

	var out []string
	for _, v := range candidates {
		if strings.Contains(lowered, v.term) {
			continue
		}
		out = append(out, v.rewrite)
		if len(out) == maxReformulations {
			break
		}
	}
	return out
}

// fallbackAnswer summarizes the top contexts when the model is unavailable.
// Incidents lead with the instruction to act on the results directly.
func fallbackAnswer(req Request, contexts []rag.Context) string {
	var b strings.Builder
	if req.ProductionIncident {
		fmt.Fprintf(&b, "Unable to generate a full response for production incident query %q. Review the top retrieved results directly:", req.Query)
	} else {
		fmt.Fprintf(&b, "Unable to generate a full response for query %q. The top retrieved results were:", req.Query)
	}
	for i, c := range contexts {
		if i == maxFallbackContexts {
			break
		}
		b.WriteString("\n- " + summarize(c))
	}
	return b.String()
}

func summarize(c rag.Context) string {
	title := metaString(c.Metadata, rag.MetaTitle)
	if title == "" {
		title = firstLine(c.Content)
	}
	if key := metaString(c.Metadata, rag.MetaKey); key != "" {
		return fmt.Sprintf("[%s] %s", key, title)
	}
	return title
}

const summaryLineLimit = 120

func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "Title:"))
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > summaryLineLimit {
			line = string(runes[:summaryLineLimit]) + "..."
		}
		return line
	}
	return "(no content)"
}

// extractTickets pulls (key, title) references out of context metadata,
// deduplicated by key in order of appearance. Titles fall back to the
// "Title:" line of the content, then to a placeholder.
func extractTickets(contexts []rag.Context) []rag.TicketRef {
	refs := []rag.TicketRef{}
	seen := make(map[string]bool)
	for _, c := range contexts {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		key := metaString(c.Metadata, rag.MetaKey)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		title := metaString(c.Metadata, rag.MetaTitle)
		if title == "" && strings.HasPrefix(c.Content, "Title: ") {
			title = firstLine(c.Content)
		}
		if title == "" {
			title = "No title available"
		}
		refs = append(refs, rag.TicketRef{Key: key, Title: title})
	}
	return refs
}

// ensureCitedKeys appends a placeholder reference for any ticket key cited
// in the answer prose that the reference list does not already carry.
func ensureCitedKeys(answer string, refs []rag.TicketRef) []rag.TicketRef {
	known := make(map[string]bool, len(refs))
	for _, r := range refs {
		known[r.Key] = true
	}
	for _, key := range rag.ExtractKeys(answer) {
		if known[key] {
			continue
		}
		known[key] = true
		refs = append(refs, rag.TicketRef{Key: key, Title: "No title available"})
	}
	return refs
}

func metaString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
