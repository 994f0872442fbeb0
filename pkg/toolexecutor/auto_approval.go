package toolexecutor

import "context"

// AutoApproveHandler approves every request without user interaction.
type AutoApproveHandler struct{}

// RequestApproval implements ApprovalHandler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ConfirmationRequest) (ConfirmationResponse, error) {
	return ConfirmationResponse{Approved: true}, nil
}
