package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/rs/zerolog"
)

// ConfirmationRequest describes a pending call that needs a human decision
type ConfirmationRequest struct {
	CallID      string                 `json:"call_id"`
	ToolName    string                 `json:"tool_name"`
	Args        map[string]interface{} `json:"args"`
	Description string                 `json:"description"`
	Category    ToolCategory           `json:"category"`
	SessionKey  string                 `json:"session_key,omitempty"`
}

// ConfirmationResponse is the human decision
type ConfirmationResponse struct {
	Approved          bool   `json:"approved"`
	SkipFuture        bool   `json:"skip_future"`
	RejectionGuidance string `json:"rejection_guidance,omitempty"`
}

// ApprovalHandler asks someone to approve a call
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error)
}

// ApprovalManager runs a handler without letting it block cancellation
type ApprovalManager struct {
	handler ApprovalHandler
	timeout time.Duration
	logger  zerolog.Logger
}

// NewApprovalManager creates an approval manager. A zero timeout waits until ctx is done.
func NewApprovalManager(handler ApprovalHandler, timeout time.Duration, logger zerolog.Logger) *ApprovalManager {
	return &ApprovalManager{
		handler: handler,
		timeout: timeout,
		logger:  logger.With().Str("component", "approval").Logger(),
	}
}

// RequestApproval asks the handler and returns ctx.Err() as soon as ctx is done.
// A handler timeout is reported as a rejection, not an error.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	if am.handler == nil {
		return ConfirmationResponse{}, fmt.Errorf("no approval handler configured")
	}

	waitCtx := ctx
	if am.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, am.timeout)
		defer cancel()
	}

	am.logger.Info().
		Str("tool", req.ToolName).
		Str("call_id", req.CallID).
		Msg("Requesting approval")

	responseChan := make(chan ConfirmationResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := am.handler.RequestApproval(waitCtx, req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		decision := "rejected"
		if response.Approved {
			decision = "approved"
		}
		observability.RecordApproval(decision)
		observability.RecordAuthorizationAudit(ctx, req.ToolName, req.SessionKey, decision, map[string]interface{}{
			"call_id":     req.CallID,
			"skip_future": response.SkipFuture,
		})
		am.logger.Info().
			Str("tool", req.ToolName).
			Str("decision", decision).
			Bool("skip_future", response.SkipFuture).
			Msg("Approval answered")
		return response, nil

	case err := <-errorChan:
		if ctx.Err() != nil {
			return ConfirmationResponse{}, ctx.Err()
		}
		am.logger.Error().Err(err).Str("tool", req.ToolName).Msg("Approval request failed")
		return ConfirmationResponse{}, fmt.Errorf("approval request failed: %w", err)

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ConfirmationResponse{}, ctx.Err()
		}
		am.logger.Warn().
			Str("tool", req.ToolName).
			Dur("timeout", am.timeout).
			Msg("Approval request timed out")
		observability.RecordApproval("timeout")
		return ConfirmationResponse{
			Approved:          false,
			RejectionGuidance: fmt.Sprintf("No answer within %v.", am.timeout),
		}, nil
	}
}

// SetHandler replaces the approval handler
func (am *ApprovalManager) SetHandler(handler ApprovalHandler) {
	am.handler = handler
}

// Timeout returns the approval timeout, zero meaning none
func (am *ApprovalManager) Timeout() time.Duration {
	return am.timeout
}

// MockApprovalHandler is a scripted handler for tests
type MockApprovalHandler struct {
	Response ConfirmationResponse
	Delay    time.Duration
	Error    error
	// Block waits for ctx to be done before returning.
	Block bool

	mu       sync.Mutex
	requests []ConfirmationRequest
}

// RequestApproval implements ApprovalHandler
func (m *MockApprovalHandler) RequestApproval(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Block {
		<-ctx.Done()
		return ConfirmationResponse{}, ctx.Err()
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ConfirmationResponse{}, ctx.Err()
		}
	}

	if m.Error != nil {
		return ConfirmationResponse{}, m.Error
	}

	return m.Response, nil
}

// Requests returns the requests seen so far
func (m *MockApprovalHandler) Requests() []ConfirmationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConfirmationRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
