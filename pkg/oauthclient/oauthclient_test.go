package oauthclient

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonServer(t *testing.T, status int, body map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestExchange_ViaService_Success(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, map[string]any{
		"access_token": "tok-1", "refresh_token": "refresh-1", "expires_in": 3600, "scope": "read",
	})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	ts, method, err := c.Exchange(t.Context(), ProviderEndpoints{}, "client", "secret", []string{"read", "write"})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if method != MethodOAuthService {
		t.Errorf("method = %q, want %q", method, MethodOAuthService)
	}
	if ts.AccessToken != "tok-1" {
		t.Errorf("access token = %q, want %q", ts.AccessToken, "tok-1")
	}
}

func TestExchange_ViaService_RateLimited(t *testing.T) {
	srv := jsonServer(t, http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	_, _, err := c.Exchange(t.Context(), ProviderEndpoints{}, "client", "secret", nil)

	if err == nil {
		t.Fatal("expected an error")
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oerr.Kind != ErrProviderRateLimit {
		t.Errorf("kind = %q, want %q", oerr.Kind, ErrProviderRateLimit)
	}
}

func TestExchange_ViaService_InvalidClient(t *testing.T) {
	srv := jsonServer(t, http.StatusBadRequest, map[string]any{"error": "invalid_client"})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	_, _, err := c.Exchange(t.Context(), ProviderEndpoints{}, "client", "secret", nil)

	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oerr.Kind != ErrInvalidClient {
		t.Errorf("kind = %q, want %q", oerr.Kind, ErrInvalidClient)
	}
}

func TestExchange_ServiceUnavailableFallsBackToDirect(t *testing.T) {
	svcSrv := jsonServer(t, http.StatusBadGateway, map[string]any{"error": "upstream_down"})
	defer svcSrv.Close()

	tokenSrv := jsonServer(t, http.StatusOK, map[string]any{
		"access_token": "tok-direct", "expires_in": 1800,
	})
	defer tokenSrv.Close()

	c := New(svcSrv.URL, 5*time.Second, testLogger())
	ts, method, err := c.Exchange(t.Context(), ProviderEndpoints{TokenURL: tokenSrv.URL}, "client", "secret", nil)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if method != MethodDirectOAuth {
		t.Errorf("method = %q, want %q", method, MethodDirectOAuth)
	}
	if ts.AccessToken != "tok-direct" {
		t.Errorf("access token = %q, want %q", ts.AccessToken, "tok-direct")
	}
}

func TestRefresh_ViaService_InvalidGrant(t *testing.T) {
	srv := jsonServer(t, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, testLogger())
	_, _, err := c.Refresh(t.Context(), ProviderEndpoints{}, "client", "secret", "stale-refresh")

	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oerr.Kind != ErrInvalidRefreshToken {
		t.Errorf("kind = %q, want %q", oerr.Kind, ErrInvalidRefreshToken)
	}
}

func TestExchange_NoServiceConfiguredGoesDirect(t *testing.T) {
	tokenSrv := jsonServer(t, http.StatusOK, map[string]any{"access_token": "tok-direct-only", "expires_in": 60})
	defer tokenSrv.Close()

	c := New("", 5*time.Second, testLogger())
	ts, method, err := c.Exchange(t.Context(), ProviderEndpoints{TokenURL: tokenSrv.URL}, "client", "secret", nil)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if method != MethodDirectOAuth {
		t.Errorf("method = %q, want %q", method, MethodDirectOAuth)
	}
	if ts.AccessToken != "tok-direct-only" {
		t.Errorf("access token = %q, want %q", ts.AccessToken, "tok-direct-only")
	}
}
