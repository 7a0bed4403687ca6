// Package specialist provides the three logical model handles (coding,
// reasoning, analysis) every phase consumes. The actual
// LLM transport is a pluggable dependency satisfying the Client
// interface; this package owns the role configuration, the concurrency
// cap on outbound calls, and the whitelist-validated parsing of tool
// calls out of model output.
package specialist

import (
	"context"
	"fmt"
	"io"
	"time"

	"autodev/internal/pipelineconfig"
	"autodev/internal/pipelog"

	"golang.org/x/sync/semaphore"
)

// Role names a logical specialist.
type Role string

const (
	RoleCoding    Role = "coding"
	RoleReasoning Role = "reasoning"
	RoleAnalysis  Role = "analysis"
)

// ChatMessage is one turn handed to the transport.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// ToolCall is a structured request the model emitted. Arguments are the
// parsed JSON object; Name has already passed whitelist validation by
// the time a phase sees it.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage mirrors the transport's token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatRequest is the transport-facing request shape.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []string // names the model may call; also the parse whitelist
	Temperature float64
}

// ChatResponse is the transport's reply before tool-call validation.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall // structured calls, if the transport parsed them itself
	Usage     Usage
}

// Stream yields text chunks from a streaming completion. Next returns
// io.EOF when the stream is done. Tool calls may be parsed incrementally
// by the caller or from the accumulated text at stream end; both modes
// are supported because real models do both.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Client is the pluggable LLM transport. A Client must honor ctx cancellation.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// ClientFactory builds a Client for a configured (model, endpoint) pair.
type ClientFactory func(model, endpoint string, timeout time.Duration) (Client, error)

// Response is what a phase receives from Ask: free text plus the
// whitelist-validated tool calls in issue order.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Specialist wraps one configured role.
type Specialist struct {
	role    Role
	model   string
	timeout time.Duration
	client  Client
	sem     *semaphore.Weighted
	log     *pipelog.Logger
}

// Ask sends prompt (with optional allowed tool names and temperature)
// and returns the reply with parsed, whitelist-validated tool calls.
// Calls block when the role's concurrency cap is saturated.
func (s *Specialist) Ask(ctx context.Context, prompt string, tools []string, temperature float64) (*Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("specialist %s: acquire slot: %w", s.role, err)
	}
	defer s.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	timer := pipelog.StartTimer(pipelog.CategorySpecialist, string(s.role)+" ask")
	defer timer.Stop()

	resp, err := s.client.Chat(callCtx, ChatRequest{
		Model:       s.model,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Tools:       tools,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("specialist %s: chat: %w", s.role, err)
	}
	return s.validated(resp, tools), nil
}

// AskMessages is Ask with a full message history, used by phases that
// drive multi-turn conversations through their pruned threads.
func (s *Specialist) AskMessages(ctx context.Context, messages []ChatMessage, tools []string, temperature float64) (*Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("specialist %s: acquire slot: %w", s.role, err)
	}
	defer s.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Chat(callCtx, ChatRequest{
		Model:       s.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("specialist %s: chat: %w", s.role, err)
	}
	return s.validated(resp, tools), nil
}

// AskStream streams the completion, accumulating text chunks, then
// parses tool calls from the full accumulated output at stream end.
func (s *Specialist) AskStream(ctx context.Context, prompt string, tools []string, temperature float64, onChunk func(string)) (*Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("specialist %s: acquire slot: %w", s.role, err)
	}
	defer s.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.ChatStream(callCtx, ChatRequest{
		Model:       s.model,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Tools:       tools,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("specialist %s: open stream: %w", s.role, err)
	}
	defer stream.Close()

	var content string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("specialist %s: stream: %w", s.role, err)
		}
		content += chunk
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	return s.validated(&ChatResponse{Content: content}, tools), nil
}

// validated merges transport-parsed tool calls with calls extracted from
// free text, dropping any whose name is not in the whitelist. A prior
// defect accepted any function-call-shaped text including string
// literals; the whitelist check closes that hole.
func (s *Specialist) validated(resp *ChatResponse, whitelist []string) *Response {
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}

	var calls []ToolCall
	for _, tc := range resp.ToolCalls {
		if allowed[tc.Name] {
			calls = append(calls, tc)
		} else {
			s.log.Warn("dropped non-whitelisted tool call %q from transport", tc.Name)
		}
	}
	for _, tc := range ExtractToolCalls(resp.Content, allowed) {
		calls = append(calls, tc)
	}

	return &Response{Content: resp.Content, ToolCalls: calls, Usage: resp.Usage}
}

// Set bundles the three specialists for injection into phases.
type Set struct {
	Coding    *Specialist
	Reasoning *Specialist
	Analysis  *Specialist
}

// maxConcurrentCalls caps in-flight requests per role so a burst of
// phase activity cannot flood a backend.
const maxConcurrentCalls = 4

// NewSet builds the three specialists from config using factory. Every
// role must be present in the config mapping; a missing role is a
// construction error rather than a nil handle discovered mid-phase.
func NewSet(cfg map[string]pipelineconfig.SpecialistConfig, factory ClientFactory) (*Set, error) {
	build := func(role Role) (*Specialist, error) {
		sc, ok := cfg[string(role)]
		if !ok {
			return nil, fmt.Errorf("specialist: role %q missing from config", role)
		}
		client, err := factory(sc.Model, sc.Endpoint, sc.TimeoutDuration())
		if err != nil {
			return nil, fmt.Errorf("specialist: build client for %q: %w", role, err)
		}
		return &Specialist{
			role:    role,
			model:   sc.Model,
			timeout: sc.TimeoutDuration(),
			client:  client,
			sem:     semaphore.NewWeighted(maxConcurrentCalls),
			log:     pipelog.Get(pipelog.CategorySpecialist),
		}, nil
	}

	coding, err := build(RoleCoding)
	if err != nil {
		return nil, err
	}
	reasoning, err := build(RoleReasoning)
	if err != nil {
		return nil, err
	}
	analysis, err := build(RoleAnalysis)
	if err != nil {
		return nil, err
	}
	return &Set{Coding: coding, Reasoning: reasoning, Analysis: analysis}, nil
}

// ByRole returns the handle for a role name, defaulting to analysis for
// unknown names since that is the cheapest model.
func (s *Set) ByRole(role Role) *Specialist {
	switch role {
	case RoleCoding:
		return s.Coding
	case RoleReasoning:
		return s.Reasoning
	default:
		return s.Analysis
	}
}
