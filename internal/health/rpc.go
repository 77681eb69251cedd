package health

import (
	"context"

	"github.com/devblac/bridge-relay/internal/chain"
)

// ChainPing probes a connector by asking for its latest height. A connector
// that was never connected, or whose node stopped answering, fails the probe.
func ChainPing(c chain.Connector) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.LatestHeight(ctx)
		return err
	}
}
