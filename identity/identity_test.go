package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveBearerTokenTakesPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-test-123")
	r.Header.Set("X-API-Key", "should-be-ignored")

	id, err := NewOpaqueResolver().Resolve(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.APIKeyID == "" {
		t.Fatalf("expected a derived api-key-id")
	}
}

func TestResolveFallsBackToAPIKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-API-Key", "sk-test-456")

	id, err := NewOpaqueResolver().Resolve(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.APIKeyID == "" {
		t.Fatalf("expected a derived api-key-id from X-API-Key")
	}
}

func TestResolveFallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions?api_key=sk-test-789", nil)

	id, err := NewOpaqueResolver().Resolve(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.APIKeyID == "" {
		t.Fatalf("expected a derived api-key-id from query param")
	}
}

func TestResolveNoCredentialErrors(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if _, err := NewOpaqueResolver().Resolve(r); err != ErrNoCredential {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodPost, "/", nil)
	r1.Header.Set("Authorization", "Bearer same-key")
	r2 := httptest.NewRequest(http.MethodPost, "/", nil)
	r2.Header.Set("Authorization", "Bearer same-key")

	id1, _ := NewOpaqueResolver().Resolve(r1)
	id2, _ := NewOpaqueResolver().Resolve(r2)
	if id1.APIKeyID != id2.APIKeyID {
		t.Fatalf("expected the same credential to hash to the same api-key-id, got %q vs %q", id1.APIKeyID, id2.APIKeyID)
	}
}

func TestResolveDefaultsTeamAndUserToAPIKeyID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer sk-test")

	id, _ := NewOpaqueResolver().Resolve(r)
	if id.TeamID != id.APIKeyID || id.UserID != id.APIKeyID {
		t.Fatalf("expected team/user to default to api-key-id when headers absent, got %+v", id)
	}
}

func TestResolveHonorsTeamAndUserHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer sk-test")
	r.Header.Set("X-AgentWall-Team-ID", "team-42")
	r.Header.Set("X-AgentWall-User-ID", "user-7")

	id, _ := NewOpaqueResolver().Resolve(r)
	if id.TeamID != "team-42" || id.UserID != "user-7" {
		t.Fatalf("expected caller headers to win, got %+v", id)
	}
}
