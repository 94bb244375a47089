/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Pluggable identity resolution. The shipped resolver
             trusts the caller-presented credential as an opaque
             identity token — no network call to a real identity
             service — leaving a seam (the Resolver interface) for
             a production identity-service client to be swapped in.
Root Cause:  Sprint task T060 — request identity extraction feeding
             the request pipeline's Admitted transition.
Context:     Identity/credential validation proper is an out-of-scope
             external collaborator; this package only extracts what
             the pipeline needs to key a run and apply limits.
Suitability: L2 — header/query extraction, no business logic.
──────────────────────────────────────────────────────────────
*/

package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoCredential is returned when a request carries no bearer token,
// X-API-Key header, or api_key query parameter.
var ErrNoCredential = errors.New("identity: no credential presented")

// Limits are the per-team governance overrides an identity service
// would normally return alongside identity; the shipped resolver
// falls back to the process-wide defaults (see runstate.DefaultCeilings)
// since it makes no network call.
type Limits struct {
	MaxSteps    int
	DailyBudget decimal.Decimal
}

// Identity is the resolved caller context threaded through the request
// pipeline: owning team, owning user, and the api-key identifier used
// for telemetry rows (never the raw key itself).
type Identity struct {
	UserID   string
	TeamID   string
	APIKeyID string
	Limits   Limits
}

// Resolver extracts an Identity from an incoming request. A production
// deployment would implement this against a real identity service;
// Resolve returning an error is always surfaced as HTTP 401 by the
// pipeline, matching §4.9's failure semantics.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// OpaqueResolver is the shipped implementation: it trusts whatever
// credential the caller presents as an identity token, hashes it to a
// stable, non-reversible api-key-id, and reads team/user from optional
// caller headers (defaulting both to the api-key-id when absent). It
// never calls out to the network.
type OpaqueResolver struct{}

// NewOpaqueResolver builds the no-network-call identity resolver.
func NewOpaqueResolver() *OpaqueResolver {
	return &OpaqueResolver{}
}

// Resolve implements Resolver.
func (o *OpaqueResolver) Resolve(r *http.Request) (Identity, error) {
	cred := extractCredential(r)
	if cred == "" {
		return Identity{}, ErrNoCredential
	}

	keyID := hashCredential(cred)
	teamID := r.Header.Get("X-AgentWall-Team-ID")
	userID := r.Header.Get("X-AgentWall-User-ID")
	if teamID == "" {
		teamID = keyID
	}
	if userID == "" {
		userID = keyID
	}

	return Identity{
		UserID:   userID,
		TeamID:   teamID,
		APIKeyID: keyID,
	}, nil
}

// extractCredential implements §6's request-identity header precedence:
// Authorization: Bearer, then X-API-Key, then the api_key query param.
func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("Bearer "):])
		}
		return strings.TrimSpace(auth)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// hashCredential derives a stable, non-reversible identifier from a raw
// credential so it can be logged and keyed on without persisting the
// secret itself.
func hashCredential(cred string) string {
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:])[:16]
}
