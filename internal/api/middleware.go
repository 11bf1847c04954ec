/**
 * @description
 * Authentication middleware for the client routes. Server-to-server callers present the
 * shared X-Internal-API-Key; other callers present an RS256 bearer JWT signed by a key
 * from the configured JWKS endpoint.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and claim validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerContextKey contextKey = "caller"

const internalCaller = "internal"

// AuthConfig configures the client route authentication.
type AuthConfig struct {
	InternalAPIKey string
	JWKSURL        string
	Audience       string
	Issuer         string
}

// AuthMiddleware accepts either the internal API key or, when a JWKS URL is configured, a
// valid bearer JWT. With neither configured every request is let through.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	internalKey := strings.TrimSpace(cfg.InternalAPIKey)
	var keys *jwksCache
	if url := strings.TrimSpace(cfg.JWKSURL); url != "" {
		keys = newJWKSCache(url, 10*time.Minute)
	}

	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if cfg.Audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalKey == "" && keys == nil {
				next.ServeHTTP(w, r)
				return
			}

			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" && internalKey != "" {
				if subtle.ConstantTimeCompare([]byte(provided), []byte(internalKey)) != 1 {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerContextKey, internalCaller)))
				return
			}

			if keys == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			}, parserOptions...)
			if err != nil || !token.Valid {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), callerContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller returns the authenticated caller: the JWT subject, or "internal" for API key callers.
func GetCaller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerContextKey).(string)
	return caller, ok
}

// jwksCache keeps the signing keys of a JWKS endpoint and refetches them when they are older
// than ttl or an unknown kid shows up. Fetches are at least minRefresh apart, so a stream of
// tokens with unknown kids cannot drive one fetch per request.
type jwksCache struct {
	url         string
	ttl         time.Duration
	minRefresh  time.Duration
	client      *http.Client
	now         func() time.Time
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

const jwksMinRefresh = 30 * time.Second

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:        url,
		ttl:        ttl,
		minRefresh: jwksMinRefresh,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		keys:       map[string]*rsa.PublicKey{},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if !c.claimRefresh() {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			// Serve the stale key rather than lock every caller out.
			return key, nil
		}
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// claimRefresh reports whether the caller may fetch the JWKS now and, if so, records the
// attempt. Failed fetches count too.
func (c *jwksCache) claimRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minRefresh {
		return false
	}
	c.lastAttempt = now
	return true
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
