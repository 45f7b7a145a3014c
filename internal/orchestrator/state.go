// Package orchestrator drives a query through the multi-agent pipeline:
// the supervisor picks a strategy, the strategy retrieves, the responder
// composes. The workflow owns all request state, enforces per-stage
// budgets, and degrades instead of failing: a dead strategy triggers one
// degraded Compression pass, and a dead fallback still yields a
// zero-context answer with HTTP 200.
package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/triaged/internal/rag"
)

// Stage identifies a step of the request state machine.
type Stage string

const (
	// StageSupervisorDecide picks the retrieval strategy.
	StageSupervisorDecide Stage = "supervisor_decide"

	// StageRetrieve runs the chosen strategy, falling back once on failure.
	StageRetrieve Stage = "retrieve"

	// StageCompose writes the final answer.
	StageCompose Stage = "compose"

	// StageDone is the successful terminal stage.
	StageDone Stage = "done"

	// StageCancelled and StageTimeout are the terminal stages for a dead
	// client context; no response is assembled.
	StageCancelled Stage = "cancelled"
	StageTimeout   Stage = "timeout"
)

// Message is one entry of the conversational trace echoed in responses.
type Message struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

const (
	messageHuman = "human"
	messageAI    = "ai"
)

// Request is one query with its caller hints.
type Request struct {
	Query              string `json:"query"`
	UserCanWait        bool   `json:"user_can_wait"`
	ProductionIncident bool   `json:"production_incident"`
}

// AgentState accumulates everything one request produces while moving
// through the stages. It is owned exclusively by the workflow; strategies
// and the responder only ever see the pieces they need.
type AgentState struct {
	ID                 string
	Query              string
	UserCanWait        bool
	ProductionIncident bool

	Plan     rag.QueryPlan
	Contexts []rag.Context
	Method   string
	Metadata map[string]interface{}
	Answer   string
	Tickets  []rag.TicketRef
	Messages []Message

	Stage   Stage
	Outcome string
	Timings map[Stage]time.Duration
	Errors  []string
}

func newAgentState(req Request) *AgentState {
	return &AgentState{
		ID:                 uuid.NewString(),
		Query:              req.Query,
		UserCanWait:        req.UserCanWait,
		ProductionIncident: req.ProductionIncident,
		Contexts:           []rag.Context{},
		Metadata:           map[string]interface{}{},
		Tickets:            []rag.TicketRef{},
		Messages:           []Message{{Content: req.Query, Type: messageHuman}},
		Stage:              StageSupervisorDecide,
		Outcome:            outcomeSuccess,
		Timings:            make(map[Stage]time.Duration),
	}
}

// say appends an assistant entry to the conversational trace.
func (s *AgentState) say(content string) {
	s.Messages = append(s.Messages, Message{Content: content, Type: messageAI})
}

func (s *AgentState) recordError(err error) {
	s.Errors = append(s.Errors, err.Error())
}

// Response is the wire shape of a processed query.
type Response struct {
	Query               string                 `json:"query"`
	FinalAnswer         string                 `json:"final_answer"`
	RelevantTickets     []rag.TicketRef        `json:"relevant_tickets"`
	RoutingDecision     string                 `json:"routing_decision"`
	RoutingReasoning    string                 `json:"routing_reasoning"`
	RetrievalMethod     string                 `json:"retrieval_method"`
	RetrievedContexts   []rag.Context          `json:"retrieved_contexts"`
	RetrievalMetadata   map[string]interface{} `json:"retrieval_metadata"`
	UserCanWait         bool                   `json:"user_can_wait"`
	ProductionIncident  bool                   `json:"production_incident"`
	Messages            []Message              `json:"messages"`
	Timestamp           string                 `json:"timestamp"`
	TotalProcessingTime float64                `json:"total_processing_time"`
}
