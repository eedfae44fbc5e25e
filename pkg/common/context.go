// pkg/common/context.go
package common

import (
	"context"
	"time"
)

// DefaultTimeout is the default timeout for operations
const DefaultTimeout = 30 * time.Second

// EnsureTimeout ensures a context has a timeout
func EnsureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) > 0 {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, timeout)
}

// CollaboratorTimeout derives the budget for one collaborator round trip:
// the request (connect and send) budget plus the response budget.
func CollaboratorTimeout(ctx context.Context, request, response time.Duration) (context.Context, context.CancelFunc) {
	return EnsureTimeout(ctx, request+response)
}

// QuickTimeout creates a context with a short timeout
func QuickTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return EnsureTimeout(parent, 5*time.Second)
}
