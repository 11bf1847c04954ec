/**
 * @description
 * This package turns inbound aggregator callbacks into orchestrator events. Each provider
 * names its correlation token and status fields differently; a per-provider Profile maps
 * them onto the closed outcome vocabulary before the orchestrator sees anything.
 *
 * Key features:
 * - Optional HMAC-SHA256 verification of the raw body.
 * - Redelivery short-circuit through a DeliveryGuard (Redis or in-memory).
 * - Replay of operator-injected callbacks from RabbitMQ.
 *
 * @notes
 * - The ingress never touches the transfer store.
 */
package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/transfer-orchestrator/internal/domain"
)

var (
	ErrMalformedCallback = errors.New("malformed callback")
	ErrUnknownProvider   = errors.New("unknown callback provider")
	ErrInvalidSignature  = errors.New("invalid callback signature")
)

// Orchestrator is the part of the transfer service the ingress drives.
type Orchestrator interface {
	HandleCallback(ctx context.Context, event domain.CallbackEvent) (*domain.CallbackResult, error)
}

// Ingress normalizes and dispatches callbacks.
type Ingress struct {
	orchestrator Orchestrator
	profiles     map[string]Profile
	guard        DeliveryGuard
	secret       string
	now          func() time.Time
}

// New creates an Ingress. A nil guard disables redelivery short-circuiting; an empty
// secret disables signature checks.
func New(orchestrator Orchestrator, guard DeliveryGuard, secret string) *Ingress {
	return &Ingress{
		orchestrator: orchestrator,
		profiles:     DefaultProfiles(),
		guard:        guard,
		secret:       strings.TrimSpace(secret),
		now:          time.Now,
	}
}

// SignatureHeader returns the header a provider signs its callbacks in.
func (i *Ingress) SignatureHeader(provider string) string {
	if profile, ok := i.profiles[strings.ToLower(strings.TrimSpace(provider))]; ok && profile.SignatureHeader != "" {
		return profile.SignatureHeader
	}
	return defaultSignatureHeader
}

// Handle processes one callback delivered over HTTP.
func (i *Ingress) Handle(ctx context.Context, provider, phase string, body []byte, signature string) (*domain.CallbackResult, error) {
	return i.process(ctx, provider, phase, body, signature, true)
}

// Replay processes a callback re-injected by an operator through the message broker.
// The broker is trusted, so no signature is required.
func (i *Ingress) Replay(ctx context.Context, provider, phase string, body []byte) (*domain.CallbackResult, error) {
	return i.process(ctx, provider, phase, body, "", false)
}

func (i *Ingress) process(ctx context.Context, rawProvider, rawPhase string, body []byte, signature string, verify bool) (*domain.CallbackResult, error) {
	providerName := strings.ToLower(strings.TrimSpace(rawProvider))
	profile, ok := i.profiles[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, rawProvider)
	}
	phase, ok := domain.ParsePhase(strings.ToLower(strings.TrimSpace(rawPhase)))
	if !ok {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrMalformedCallback, rawPhase)
	}

	if verify && i.secret != "" {
		if strings.TrimSpace(signature) == "" || !VerifySignature(i.secret, body, signature) {
			log.Printf("level=warn component=ingress msg=\"callback signature rejected\" provider=%s phase=%s", providerName, phase)
			return nil, ErrInvalidSignature
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedCallback)
	}

	event, err := profile.Normalize(phase, payload)
	if err != nil {
		return nil, err
	}
	event.ReceivedAt = i.now().UTC()

	key := deliveryKey(providerName, phase, event.Token, body)
	if i.guard != nil {
		cached, seen, err := i.guard.Lookup(ctx, key)
		if err != nil {
			log.Printf("level=warn component=ingress msg=\"delivery guard lookup failed\" provider=%s token=%s err=%v", providerName, event.Token, err)
		} else if seen {
			log.Printf("level=info component=ingress msg=\"redelivered callback acknowledged\" provider=%s phase=%s token=%s", providerName, phase, event.Token)
			cached.Duplicate = true
			return cached, nil
		}
	}

	log.Printf("level=info component=ingress msg=\"callback received\" provider=%s phase=%s token=%s status=%q outcome=%s", providerName, phase, event.Token, event.ProviderStatus, event.Outcome)
	result, err := i.orchestrator.HandleCallback(ctx, event)
	if err != nil {
		return nil, err
	}

	if i.guard != nil {
		if err := i.guard.Remember(ctx, key, *result); err != nil {
			log.Printf("level=warn component=ingress msg=\"delivery guard write failed\" provider=%s token=%s err=%v", providerName, event.Token, err)
		}
	}
	return result, nil
}

// deliveryKey identifies a delivery by its content, so a provider that reports a new
// status for the same token is never mistaken for a redelivery.
func deliveryKey(provider string, phase domain.Phase, token string, body []byte) string {
	digest := sha256.Sum256(body)
	return fmt.Sprintf("%s:%s:%s:%s", provider, phase, token, hex.EncodeToString(digest[:8]))
}
