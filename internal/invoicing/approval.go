package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalProvider obtains the authority code that makes a document valid.
type ApprovalProvider interface {
	Approve(ctx context.Context, req ApprovalRequest) (Approval, error)
}

// ApprovalFunc adapts a function to ApprovalProvider.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (Approval, error)

// Approve implements ApprovalProvider.
func (f ApprovalFunc) Approve(ctx context.Context, req ApprovalRequest) (Approval, error) {
	return f(ctx, req)
}

// LocalApprover issues deterministic 14 digit codes without a network call.
type LocalApprover struct {
	Validity time.Duration
}

// Approve implements ApprovalProvider.
func (l LocalApprover) Approve(ctx context.Context, req ApprovalRequest) (Approval, error) {
	if err := ctx.Err(); err != nil {
		return Approval{}, err
	}
	validity := l.Validity
	if validity <= 0 {
		validity = 10 * 24 * time.Hour
	}
	typeDigits := 1
	if req.Type == TypeCreditNote {
		typeDigits = 3
	}
	return Approval{
		Code:      fmt.Sprintf("7%03d%02d%08d", req.PointOfSale%1000, typeDigits, req.Sequence%100000000),
		Reference: uuid.NewString(),
		ExpiresAt: req.IssueDate.Add(validity),
	}, nil
}

type timeoutProvider struct {
	next    ApprovalProvider
	timeout time.Duration
}

// WithTimeout bounds every call to next, even when next ignores its context.
func WithTimeout(next ApprovalProvider, timeout time.Duration) ApprovalProvider {
	if timeout <= 0 {
		return next
	}
	return timeoutProvider{next: next, timeout: timeout}
}

func (t timeoutProvider) Approve(ctx context.Context, req ApprovalRequest) (Approval, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		approval Approval
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := t.next.Approve(ctx, req)
		ch <- result{approval: a, err: err}
	}()
	select {
	case res := <-ch:
		return res.approval, res.err
	case <-ctx.Done():
		return Approval{}, ctx.Err()
	}
}
