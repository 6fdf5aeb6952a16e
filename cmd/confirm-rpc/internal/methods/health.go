package methods

import (
	"context"
	"fmt"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
)

type HealthCheckResult struct {
	Status string `json:"status"`
}

type HealthGetter interface {
	GetHealth(ctx context.Context) error
}

// NewHealthCheck returns a health check json rpc handler. The proxy is as
// healthy as the node it observes.
func NewHealthCheck(node HealthGetter) jrpc2.Handler {
	return handler.New(func(ctx context.Context) (HealthCheckResult, error) {
		if err := node.GetHealth(ctx); err != nil {
			return HealthCheckResult{}, &jrpc2.Error{
				Code:    jrpc2.InternalError,
				Message: fmt.Sprintf("node is unhealthy: %v", err),
			}
		}
		return HealthCheckResult{Status: "healthy"}, nil
	})
}
