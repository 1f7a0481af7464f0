package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name for one-shot cycles.
const PushJob = "rainwatch_cycle"

// Push sends the current metric values to a Pushgateway. One-shot runs exit
// before a scrape could happen, so they push instead.
func Push(ctx context.Context, gatewayURL string, m *Metrics) error {
	pusher := push.New(gatewayURL, PushJob)
	for _, c := range m.Collectors() {
		pusher = pusher.Collector(c)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
