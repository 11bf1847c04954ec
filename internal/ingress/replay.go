package ingress

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/transfa/transfer-orchestrator/internal/app"
	"github.com/transfa/transfer-orchestrator/pkg/rabbitmq"
)

// ReplayRoutingPrefix prefixes routing keys of replayed callbacks:
// callback.replay.<provider>.<phase>.
const ReplayRoutingPrefix = "callback.replay."

// ReplayBindings are the routing patterns the replay queue is bound with.
var ReplayBindings = []string{ReplayRoutingPrefix + "#"}

// ReplayRoutingKey builds the routing key for a replayed callback.
func ReplayRoutingKey(provider, phase string) string {
	return ReplayRoutingPrefix + provider + "." + phase
}

func parseReplayKey(routingKey string) (string, string, bool) {
	rest := strings.TrimPrefix(routingKey, ReplayRoutingPrefix)
	if rest == routingKey {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ReplayHandler adapts the ingress to a broker consumer. Deliveries that can never
// succeed are acknowledged and logged; only retryable failures are re-queued.
func (i *Ingress) ReplayHandler(ctx context.Context) rabbitmq.Handler {
	return func(routingKey string, body []byte) bool {
		provider, phase, ok := parseReplayKey(routingKey)
		if !ok {
			log.Printf("level=error component=ingress msg=\"dropping replay with unparseable routing key\" routing_key=%s", routingKey)
			return true
		}

		res, err := i.Replay(ctx, provider, phase, body)
		if err == nil {
			log.Printf("level=info component=ingress msg=\"callback replayed\" reference=%s status=%s duplicate=%t", res.Reference, res.Status, res.Duplicate)
			return true
		}
		if isPermanent(err) {
			log.Printf("level=error component=ingress msg=\"dropping replayed callback\" routing_key=%s err=%v", routingKey, err)
			return true
		}
		log.Printf("level=warn component=ingress msg=\"replayed callback failed; will retry\" routing_key=%s err=%v", routingKey, err)
		return false
	}
}

func isPermanent(err error) bool {
	for _, permanent := range []error{
		ErrMalformedCallback,
		ErrUnknownProvider,
		app.ErrValidation,
		app.ErrNotFound,
		app.ErrUnrecognizedOutcome,
		app.ErrInvalidState,
	} {
		if errors.Is(err, permanent) {
			return true
		}
	}
	return false
}
