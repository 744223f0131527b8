// Package auth exchanges a resolved credential for an authorised token source
// that the storage backends use to talk to Google APIs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/credential"
)

// DefaultScopes grants read/write access to Drive. Service accounts always use
// this scope.
var DefaultScopes = []string{drive.DriveScope}

// Handle is an authenticated session with Google.
type Handle struct {
	Kind     credential.Kind
	Identity string

	// TokenSource yields valid access tokens, refreshing them as needed.
	TokenSource oauth2.TokenSource

	// Refreshed is true when Authenticate had to refresh an expired OAuth
	// access token.
	Refreshed bool
}

// ClientOptions returns the options that authorise a Google API client.
func (h *Handle) ClientOptions() []option.ClientOption {
	return []option.ClientOption{option.WithTokenSource(h.TokenSource)}
}

// Authenticate exchanges cred for a Handle. ctx is retained by the returned
// token source for later refreshes, so it should live as long as the process;
// an *http.Client stored under oauth2.HTTPClient is used for token requests.
//
// A service account key is exchanged for a token immediately so that a
// rejected key fails here. An OAuth token that is present and unexpired is
// used without any network call; otherwise exactly one refresh is attempted.
func Authenticate(ctx context.Context, cred *credential.Credential) (*Handle, error) {
	switch cred.Kind() {
	case credential.KindServiceAccount:
		return authenticateServiceAccount(ctx, cred)
	case credential.KindOAuth:
		return authenticateOAuth(ctx, cred)
	}
	return nil, apperr.Config("authenticate", fmt.Errorf("unsupported credential kind %q", cred.Kind()))
}

func authenticateServiceAccount(ctx context.Context, cred *credential.Credential) (*Handle, error) {
	sa := cred.ServiceAccount
	conf, err := google.JWTConfigFromJSON(sa.JSON, DefaultScopes...)
	if err != nil {
		return nil, apperr.Config("service account", err, "google.SERVICE_ACCOUNT")
	}

	ts := conf.TokenSource(ctx)
	tok, err := ts.Token()
	if err != nil {
		return nil, classify("service account token exchange", err, "google.SERVICE_ACCOUNT")
	}

	return &Handle{
		Kind:        credential.KindServiceAccount,
		Identity:    sa.ClientEmail,
		TokenSource: oauth2.ReuseTokenSource(tok, ts),
	}, nil
}

func authenticateOAuth(ctx context.Context, cred *credential.Credential) (*Handle, error) {
	o := cred.OAuth
	conf := o.Config(DefaultScopes...)
	stored := o.Token()

	// conf.TokenSource only contacts the token endpoint when the stored token
	// is invalid, and then only once.
	ts := &notifyingSource{
		base:     conf.TokenSource(ctx, stored),
		onChange: o.Update,
		last:     stored.AccessToken,
	}

	refreshed := !stored.Valid()
	if _, err := ts.Token(); err != nil {
		return nil, classify("oauth token refresh", err, "google.refresh_token")
	}

	return &Handle{
		Kind:        credential.KindOAuth,
		Identity:    credential.Mask(o.ClientID),
		TokenSource: ts,
		Refreshed:   refreshed,
	}, nil
}

// classify turns a token endpoint failure into an auth error. Rejections of
// the grant itself name the secret that needs replacing.
func classify(op string, err error, field string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code, description := retrieveError(re)
		detail := code
		if description != "" {
			detail = code + ": " + description
		}
		switch code {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return apperr.Auth(op, errors.New(detail), field)
		}
		return apperr.Auth(op, errors.New(detail))
	}
	if strings.Contains(err.Error(), "private key") {
		return apperr.Auth(op, err, field+".private_key")
	}
	return apperr.Auth(op, err)
}

// retrieveError returns the OAuth error code and description of re. The
// service account flow leaves them unparsed, so they are read from the body
// when missing.
func retrieveError(re *oauth2.RetrieveError) (code, description string) {
	code, description = re.ErrorCode, re.ErrorDescription
	if code == "" && len(re.Body) > 0 {
		var body struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(re.Body, &body) == nil {
			code, description = body.Error, body.ErrorDescription
		}
	}
	if code == "" && re.Response != nil {
		code = fmt.Sprintf("HTTP %d", re.Response.StatusCode)
	}
	if code == "" {
		code = "token request rejected"
	}
	return code, description
}

// notifyingSource reports every newly minted token to onChange so the
// in-memory credential mirrors the live token.
type notifyingSource struct {
	base     oauth2.TokenSource
	onChange func(*oauth2.Token)

	mu   sync.Mutex
	last string
}

func (s *notifyingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		s.onChange(tok)
	}
	return tok, nil
}
