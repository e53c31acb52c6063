package credential

import (
	"testing"
	"time"

	"github.com/relaygate/core/internal/relayerr"
)

func TestValidate_APIKeyShape(t *testing.T) {
	now := time.Now()
	c := Credentials{APIKey: "sk-test", OAuthStatus: OAuthStatusCompleted, OAuthCompletedAt: &now}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid api key credentials, got %v", err)
	}
}

func TestValidate_OAuthClientPairShape(t *testing.T) {
	now := time.Now()
	c := Credentials{ClientID: "id", ClientSecret: "secret", OAuthStatus: OAuthStatusPending}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid oauth credentials, got %v", err)
	}
	_ = now
}

func TestValidate_BothShapesRejected(t *testing.T) {
	c := Credentials{APIKey: "sk-test", ClientID: "id", ClientSecret: "secret", OAuthStatus: OAuthStatusPending}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_NeitherShapeRejected(t *testing.T) {
	c := Credentials{OAuthStatus: OAuthStatusPending}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_APIKeyWithOAuthTokensRejected(t *testing.T) {
	c := Credentials{APIKey: "sk-test", AccessToken: "tok", OAuthStatus: OAuthStatusPending}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_OAuthTokensWithoutClientPairRejected(t *testing.T) {
	c := Credentials{AccessToken: "tok", OAuthStatus: OAuthStatusPending}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_PendingWithCompletionTimestampRejected(t *testing.T) {
	now := time.Now()
	c := Credentials{ClientID: "id", ClientSecret: "secret", OAuthStatus: OAuthStatusPending, OAuthCompletedAt: &now}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_CompletedWithoutTimestampRejected(t *testing.T) {
	c := Credentials{ClientID: "id", ClientSecret: "secret", OAuthStatus: OAuthStatusCompleted}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_FailedRequiresTimestamp(t *testing.T) {
	c := Credentials{ClientID: "id", ClientSecret: "secret", OAuthStatus: OAuthStatusFailed}
	assertInvalidShape(t, c.Validate())
}

func TestValidate_ExpiredRequiresTimestamp(t *testing.T) {
	c := Credentials{ClientID: "id", ClientSecret: "secret", OAuthStatus: OAuthStatusExpired}
	assertInvalidShape(t, c.Validate())
}

func assertInvalidShape(t *testing.T, err error) {
	t.Helper()
	rerr, ok := relayerr.As(err)
	if !ok {
		t.Fatalf("expected a relayerr.Error, got %v", err)
	}
	if rerr.Kind != relayerr.KindInvalidCredentialsShape {
		t.Errorf("expected kind %q, got %q", relayerr.KindInvalidCredentialsShape, rerr.Kind)
	}
}

func TestTokenSet_ExpiresAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := TokenSet{ExpiresIn: 3600}
	got := ts.ExpiresAt(now)
	want := now.Add(time.Hour)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestIsAPIKeyShape(t *testing.T) {
	c := Credentials{APIKey: "sk-test"}
	if !c.IsAPIKeyShape() {
		t.Error("expected api key shape")
	}
	c = Credentials{ClientID: "id", ClientSecret: "secret"}
	if c.IsAPIKeyShape() {
		t.Error("expected non api key shape")
	}
}

func TestHasOAuthClientPair(t *testing.T) {
	c := Credentials{ClientID: "id", ClientSecret: "secret"}
	if !c.HasOAuthClientPair() {
		t.Error("expected client pair present")
	}
	c = Credentials{ClientID: "id"}
	if c.HasOAuthClientPair() {
		t.Error("expected client pair absent when secret is missing")
	}
}
