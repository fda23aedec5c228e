// Package mcpserver exposes intake turns and provider resolution as MCP
// tools over stdio.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zen-systems/referralgate/pkg/identity"
	"github.com/zen-systems/referralgate/pkg/intake"
	"github.com/zen-systems/referralgate/pkg/referral"
)

// Controller is the intake surface the tools drive.
type Controller interface {
	HandleTurn(ctx context.Context, conversationID, text string) (*intake.TurnResult, error)
	Cancel(ctx context.Context, conversationID string) (*intake.TurnResult, error)
	Get(ctx context.Context, conversationID string) (*referral.Case, error)
}

// Server wraps an MCP server with the referral tools registered.
type Server struct {
	server   *gomcp.Server
	ctrl     Controller
	resolver intake.Resolver
}

// NewServer registers the tools. Either dependency may be nil, in which
// case the tools that need it report an error result.
func NewServer(ctrl Controller, resolver intake.Resolver, version string) *Server {
	s := &Server{
		server: gomcp.NewServer(&gomcp.Implementation{
			Name:    "referralgate",
			Version: version,
		}, nil),
		ctrl:     ctrl,
		resolver: resolver,
	}
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server, for in-memory transports.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type resolveProviderInput struct {
	FirstName  string `json:"first_name" jsonschema:"required,the provider's first name"`
	LastName   string `json:"last_name" jsonschema:"required,the provider's last name"`
	City       string `json:"city,omitempty" jsonschema:"practice city"`
	State      string `json:"state,omitempty" jsonschema:"two-letter practice state"`
	Identifier string `json:"identifier,omitempty" jsonschema:"the 10-digit NPI the user claimed"`
}

type candidateOutput struct {
	Identifier  string `json:"identifier"`
	DisplayName string `json:"display_name"`
	Credential  string `json:"credential,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Active      bool   `json:"active"`
}

type resolveProviderOutput struct {
	Status               string            `json:"status"`
	ResultCount          int               `json:"result_count"`
	Candidates           []candidateOutput `json:"candidates"`
	SuggestedRefinements []string          `json:"suggested_refinements,omitempty"`
	Message              string            `json:"message"`
}

type sendTurnInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation to continue; omit to start a new one"`
	Text           string `json:"text" jsonschema:"required,what the user said"`
}

type turnOutput struct {
	ConversationID string            `json:"conversation_id"`
	CaseID         string            `json:"case_id"`
	TaskState      string            `json:"task_state"`
	SubState       string            `json:"sub_state"`
	TerminalReason string            `json:"terminal_reason,omitempty"`
	ResponseText   string            `json:"response_text"`
	TurnCount      int               `json:"turn_count"`
	Checklist      map[string]string `json:"checklist"`
}

type conversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,the conversation ID"`
}

type caseOutput struct {
	ConversationID string            `json:"conversation_id"`
	CaseID         string            `json:"case_id"`
	TaskState      string            `json:"task_state"`
	SubState       string            `json:"sub_state"`
	TerminalReason string            `json:"terminal_reason,omitempty"`
	TurnCount      int               `json:"turn_count"`
	Checklist      map[string]string `json:"checklist"`
	Provider       *candidateOutput  `json:"provider,omitempty"`
	Collected      map[string]string `json:"collected,omitempty"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "resolve_provider",
		Description: "Look up a referring provider in the national registry and classify the match: resolved, not-found, ambiguous, too-broad or identifier-mismatch.",
	}, s.handleResolveProvider)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "send_turn",
		Description: "Send one user message to a referral intake conversation and get the reply and updated case status.",
	}, s.handleSendTurn)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_case",
		Description: "Get the current status, checklist and collected fields of a referral case.",
	}, s.handleGetCase)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "cancel_case",
		Description: "Cancel a referral case. Terminal cases are left unchanged.",
	}, s.handleCancelCase)
}

// --- Tool handlers ---

func (s *Server) handleResolveProvider(ctx context.Context, _ *gomcp.CallToolRequest, input resolveProviderInput) (*gomcp.CallToolResult, resolveProviderOutput, error) {
	if s.resolver == nil {
		return errorResult("provider resolution is not configured"), resolveProviderOutput{}, nil
	}
	if strings.TrimSpace(input.FirstName) == "" || strings.TrimSpace(input.LastName) == "" {
		return errorResult("first_name and last_name are required"), resolveProviderOutput{}, nil
	}

	outcome, err := s.resolver.Resolve(ctx, identity.Request{
		FirstName:         input.FirstName,
		LastName:          input.LastName,
		City:              input.City,
		State:             input.State,
		ClaimedIdentifier: input.Identifier,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("resolving provider: %s", err)), resolveProviderOutput{}, nil
	}

	out := resolveProviderOutput{
		Status:               string(outcome.Kind),
		ResultCount:          outcome.ResultCount,
		Candidates:           make([]candidateOutput, len(outcome.Candidates)),
		SuggestedRefinements: outcome.SuggestedRefinements,
		Message:              outcome.Message,
	}
	for i, c := range outcome.Candidates {
		out.Candidates[i] = candidateToOutput(c)
	}
	return nil, out, nil
}

func (s *Server) handleSendTurn(ctx context.Context, _ *gomcp.CallToolRequest, input sendTurnInput) (*gomcp.CallToolResult, turnOutput, error) {
	if s.ctrl == nil {
		return turnError("intake is not configured")
	}
	if strings.TrimSpace(input.Text) == "" {
		return turnError("text is required")
	}

	res, err := s.ctrl.HandleTurn(ctx, input.ConversationID, input.Text)
	if err != nil {
		return turnError(fmt.Sprintf("handling turn: %s", err))
	}
	return nil, turnToOutput(res), nil
}

func (s *Server) handleGetCase(ctx context.Context, _ *gomcp.CallToolRequest, input conversationInput) (*gomcp.CallToolResult, caseOutput, error) {
	if s.ctrl == nil {
		return caseError("intake is not configured")
	}
	if input.ConversationID == "" {
		return caseError("conversation_id is required")
	}

	c, err := s.ctrl.Get(ctx, input.ConversationID)
	if err != nil {
		if errors.Is(err, intake.ErrCaseNotFound) {
			return caseError(fmt.Sprintf("conversation %s not found", input.ConversationID))
		}
		return caseError(fmt.Sprintf("getting case %s: %s", input.ConversationID, err))
	}

	out := caseOutput{
		ConversationID: c.ConversationID,
		CaseID:         c.ID,
		TaskState:      string(c.TaskState),
		SubState:       string(c.SubState),
		TerminalReason: string(c.TerminalReason),
		TurnCount:      c.TurnCount,
		Checklist:      checklistToOutput(c.Checklist),
		Collected:      c.Fields,
	}
	if c.Provider != nil {
		p := candidateToOutput(*c.Provider)
		out.Provider = &p
	}
	return nil, out, nil
}

func (s *Server) handleCancelCase(ctx context.Context, _ *gomcp.CallToolRequest, input conversationInput) (*gomcp.CallToolResult, turnOutput, error) {
	if s.ctrl == nil {
		return turnError("intake is not configured")
	}
	if input.ConversationID == "" {
		return turnError("conversation_id is required")
	}

	res, err := s.ctrl.Cancel(ctx, input.ConversationID)
	if err != nil {
		return turnError(fmt.Sprintf("canceling %s: %s", input.ConversationID, err))
	}
	return nil, turnToOutput(res), nil
}

// --- Helpers ---

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{
			&gomcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// turnError and caseError carry an empty checklist so the structured
// output still matches the tool's schema.
func turnError(msg string) (*gomcp.CallToolResult, turnOutput, error) {
	return errorResult(msg), turnOutput{Checklist: map[string]string{}}, nil
}

func caseError(msg string) (*gomcp.CallToolResult, caseOutput, error) {
	return errorResult(msg), caseOutput{Checklist: map[string]string{}}, nil
}

func candidateToOutput(c referral.ProviderCandidate) candidateOutput {
	return candidateOutput{
		Identifier:  c.Identifier,
		DisplayName: c.DisplayName,
		Credential:  c.CredentialTag,
		City:        c.City,
		State:       c.State,
		Active:      c.Active,
	}
}

func turnToOutput(r *intake.TurnResult) turnOutput {
	return turnOutput{
		ConversationID: r.ConversationID,
		CaseID:         r.CaseID,
		TaskState:      string(r.TaskState),
		SubState:       string(r.SubState),
		TerminalReason: string(r.TerminalReason),
		ResponseText:   r.ResponseText,
		TurnCount:      r.TurnCount,
		Checklist:      checklistToOutput(r.Checklist),
	}
}

func checklistToOutput(cl referral.Checklist) map[string]string {
	out := make(map[string]string, len(cl))
	for _, e := range cl {
		out[string(e.Category)] = string(e.Status)
	}
	return out
}
