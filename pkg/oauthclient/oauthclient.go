// Package oauthclient implements the OAuth Client (C3): token acquisition
// against an internal OAuth helper service, with a fallback to the
// provider's public token endpoint when the helper is unavailable.
package oauthclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/relaygate/core/pkg/credential"
)

// ErrKind classifies a failed exchange/refresh attempt.
type ErrKind string

const (
	ErrInvalidRefreshToken ErrKind = "invalid_refresh_token"
	ErrInvalidClient       ErrKind = "invalid_client"
	ErrNetwork             ErrKind = "network_error"
	ErrProviderRateLimit   ErrKind = "provider_rate_limit"
	ErrServiceUnavailable  ErrKind = "service_unavailable"
	ErrUnknown             ErrKind = "unknown"
)

// Method tags which path produced a result — mirrors audit.MethodOAuthService
// and audit.MethodDirectOAuth without importing the audit package.
type Method string

const (
	MethodOAuthService Method = "oauth_service"
	MethodDirectOAuth  Method = "direct_oauth"
)

// Error is a typed OAuth client failure.
type Error struct {
	Kind   ErrKind
	Method Method
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("oauth %s via %s: %v", e.Kind, e.Method, e.cause)
	}
	return fmt.Sprintf("oauth %s via %s", e.Kind, e.Method)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind ErrKind, method Method, cause error) *Error {
	return &Error{Kind: kind, Method: method, cause: cause}
}

// ProviderEndpoints carries the direct-provider fallback endpoints for one
// service type. AuthURL/TokenURL come from the registry; they are empty
// for api-key service types.
type ProviderEndpoints struct {
	AuthURL  string
	TokenURL string
}

// Client is the C3 contract: exchange and refresh, each attempted first
// against the internal OAuth service and, on a distinguishable
// service-unavailable failure, against the provider directly.
type Client struct {
	httpClient      *http.Client
	oauthServiceURL string
	logger          *slog.Logger
}

// New builds a Client. oauthServiceURL may be empty to force direct calls
// for every service type (no internal helper configured).
func New(oauthServiceURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: timeout},
		oauthServiceURL: oauthServiceURL,
		logger:          logger,
	}
}

// Exchange acquires a first access token for a client pair with a
// client-credentials grant; it takes no authorization code.
func (c *Client) Exchange(ctx context.Context, endpoints ProviderEndpoints, clientID, clientSecret string, scopes []string) (credential.TokenSet, Method, error) {
	if c.oauthServiceURL != "" {
		ts, err := c.exchangeViaService(ctx, clientID, clientSecret, scopes)
		if err == nil {
			return ts, MethodOAuthService, nil
		}
		var oerr *Error
		if !errors.As(err, &oerr) || oerr.Kind != ErrServiceUnavailable {
			return credential.TokenSet{}, MethodOAuthService, err
		}
		c.logger.Warn("oauth service unavailable for exchange, falling back to direct provider")
	}

	ts, err := c.exchangeDirect(ctx, endpoints, clientID, clientSecret, scopes)
	return ts, MethodDirectOAuth, err
}

// Refresh renews an access token using a stored refresh token.
func (c *Client) Refresh(ctx context.Context, endpoints ProviderEndpoints, clientID, clientSecret, refreshToken string) (credential.TokenSet, Method, error) {
	if c.oauthServiceURL != "" {
		ts, err := c.refreshViaService(ctx, clientID, clientSecret, refreshToken)
		if err == nil {
			return ts, MethodOAuthService, nil
		}
		var oerr *Error
		if !errors.As(err, &oerr) || oerr.Kind != ErrServiceUnavailable {
			return credential.TokenSet{}, MethodOAuthService, err
		}
		c.logger.Warn("oauth service unavailable for refresh, falling back to direct provider")
	}

	ts, err := c.refreshDirect(ctx, endpoints, clientID, clientSecret, refreshToken)
	return ts, MethodDirectOAuth, err
}

// --- internal OAuth service path ---

func (c *Client) exchangeViaService(ctx context.Context, clientID, clientSecret string, scopes []string) (credential.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	if len(scopes) > 0 {
		form.Set("scope", joinScopes(scopes))
	}
	return c.callService(ctx, form)
}

func (c *Client) refreshViaService(ctx context.Context, clientID, clientSecret, refreshToken string) (credential.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	return c.callService(ctx, form)
}

func (c *Client) callService(ctx context.Context, form url.Values) (credential.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthServiceURL, nil)
	if err != nil {
		return credential.TokenSet{}, newErr(ErrUnknown, MethodOAuthService, err)
	}
	req.Body = newFormBody(form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return credential.TokenSet{}, newErr(ErrServiceUnavailable, MethodOAuthService, err)
	}
	defer resp.Body.Close()

	return parseTokenResponse(resp, MethodOAuthService)
}

// --- direct provider path ---

func (c *Client) exchangeDirect(ctx context.Context, endpoints ProviderEndpoints, clientID, clientSecret string, scopes []string) (credential.TokenSet, error) {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     endpoints.TokenURL,
		Scopes:       scopes,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return credential.TokenSet{}, classifyOAuth2Error(err, MethodDirectOAuth)
	}
	return tokenSetFromOAuth2(tok), nil
}

func (c *Client) refreshDirect(ctx context.Context, endpoints ProviderEndpoints, clientID, clientSecret, refreshToken string) (credential.TokenSet, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.AuthURL,
			TokenURL: endpoints.TokenURL,
		},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return credential.TokenSet{}, classifyOAuth2Error(err, MethodDirectOAuth)
	}
	return tokenSetFromOAuth2(tok), nil
}

func tokenSetFromOAuth2(tok *oauth2.Token) credential.TokenSet {
	ts := credential.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}

func classifyOAuth2Error(err error, method Method) *Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch {
		case rerr.Response != nil && rerr.Response.StatusCode == http.StatusTooManyRequests:
			return newErr(ErrProviderRateLimit, method, err)
		case rerr.ErrorCode == "invalid_grant":
			return newErr(ErrInvalidRefreshToken, method, err)
		case rerr.ErrorCode == "invalid_client":
			return newErr(ErrInvalidClient, method, err)
		case rerr.Response != nil && rerr.Response.StatusCode >= 500:
			return newErr(ErrServiceUnavailable, method, err)
		}
		return newErr(ErrUnknown, method, err)
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return newErr(ErrNetwork, method, err)
	}

	return newErr(ErrNetwork, method, err)
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
