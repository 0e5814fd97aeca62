// Package authx verifies operator tokens for the ops console. Tokens come
// from the tenant's OIDC provider; signing keys are fetched from its JWKS
// endpoint and cached with a TTL.
package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// AuthContext is the verified operator identity carried on the request.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Claims  map[string]any
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(AuthContext)
	return auth, ok
}

type JWTVerifier struct {
	parser *jwt.Parser
	keys   *jwksCache
}

// NewJWTVerifier builds a verifier pinned to one issuer and audience. An
// empty jwksURL falls back to the issuer's well-known location.
func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: issuer and audience are required", ErrInvalidToken)
	}
	if strings.TrimSpace(jwksURL) == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	skew := time.Duration(clockSkewSeconds) * time.Second
	if skew < 0 {
		skew = 0
	}

	return &JWTVerifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithLeeway(skew),
		),
		keys: newJWKSCache(jwksURL, time.Duration(ttlSeconds)*time.Second),
	}, nil
}

// Verify checks signature, issuer, audience and lifetime. Every rejection
// collapses to ErrInvalidToken so callers cannot leak the cause.
func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, ErrUnknownKID
		}
		return v.keys.lookup(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, ErrInvalidToken
	}

	// exp/nbf are only validated by the parser when present, so require them.
	for _, required := range []string{"exp", "nbf", "iss", "aud", "sub"} {
		if claims[required] == nil {
			return AuthContext{}, ErrInvalidToken
		}
	}
	subject := strings.TrimSpace(fmt.Sprint(claims["sub"]))
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}

	name := strings.TrimSpace(fmt.Sprint(claims["name"]))
	if name == "" {
		name = strings.TrimSpace(fmt.Sprint(claims["preferred_username"]))
	}

	return AuthContext{
		Subject: subject,
		Email:   strings.TrimSpace(fmt.Sprint(claims["email"])),
		Name:    name,
		Roles:   parseRoles(claims),
		Claims:  map[string]any(claims),
	}, nil
}

type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.RWMutex
	byKID   map[string]any
	staleAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
		byKID:  map[string]any{},
	}
}

func (c *jwksCache) lookup(ctx context.Context, kid string) (any, error) {
	if key, ok := c.cached(kid); ok {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// A fetch failure keeps serving cached keys until they expire.
		if key, ok := c.cached(kid); ok {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key := c.byKID[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *jwksCache) cached(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := c.byKID[kid]
	if key == nil || time.Now().After(c.staleAt) {
		return nil, false
	}
	return key, true
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return err
	}
	fresh := make(map[string]any, set.Len())
	iter := set.Iterate(ctx)
	for iter.Next(ctx) {
		key, ok := iter.Pair().Value.(jwk.Key)
		if !ok || strings.TrimSpace(key.KeyID()) == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		fresh[strings.TrimSpace(key.KeyID())] = raw
	}
	if len(fresh) == 0 {
		return errors.New("jwks fetch: no usable keys")
	}

	c.mu.Lock()
	c.byKID = fresh
	c.staleAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// parseRoles flattens role claims in document order, first occurrence wins.
// Space-separated scp scopes are treated as roles too so access can be
// granted either way.
func parseRoles(claims map[string]any) []string {
	var roles []string
	seen := map[string]struct{}{}
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}

	for _, key := range []string{"roles", "role"} {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			for _, role := range t {
				add(role)
			}
		case []any:
			for _, role := range t {
				add(fmt.Sprint(role))
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		default:
			add(fmt.Sprint(t))
		}
	}
	if s, ok := claims["scp"].(string); ok {
		for _, scope := range strings.Fields(s) {
			add(scope)
		}
	}
	return roles
}
