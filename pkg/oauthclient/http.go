package oauthclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaygate/core/pkg/credential"
)

// newFormBody wraps an RFC 6749 application/x-www-form-urlencoded body.
func newFormBody(form url.Values) io.ReadCloser {
	return io.NopCloser(strings.NewReader(form.Encode()))
}

// tokenResponse is the JSON shape both the internal OAuth service and
// RFC 6749-compliant token endpoints return.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// parseTokenResponse maps an HTTP response from the internal OAuth service
// into a TokenSet or a classified *Error.
func parseTokenResponse(resp *http.Response, method Method) (credential.TokenSet, error) {
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return credential.TokenSet{}, newErr(ErrUnknown, method, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return credential.TokenSet{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			ExpiresIn:    body.ExpiresIn,
			Scope:        body.Scope,
		}, nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return credential.TokenSet{}, newErr(ErrProviderRateLimit, method, errFromBody(body))
	case resp.StatusCode >= 500:
		return credential.TokenSet{}, newErr(ErrServiceUnavailable, method, errFromBody(body))
	case body.Error == "invalid_grant":
		return credential.TokenSet{}, newErr(ErrInvalidRefreshToken, method, errFromBody(body))
	case body.Error == "invalid_client":
		return credential.TokenSet{}, newErr(ErrInvalidClient, method, errFromBody(body))
	default:
		return credential.TokenSet{}, newErr(ErrUnknown, method, errFromBody(body))
	}
}

func errFromBody(body tokenResponse) error {
	if body.ErrorDesc != "" {
		return errString(body.Error + ": " + body.ErrorDesc)
	}
	return errString(body.Error)
}

type errString string

func (e errString) Error() string { return string(e) }
