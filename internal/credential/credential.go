// Package credential turns the google namespace of a secrets bundle into the
// single credential variant a deployment authenticates with: a service
// account key, or an OAuth client configuration paired with a user token.
//
// Resolution is a pure function over the bundle; nothing is written to disk
// and the secret store is never updated.
package credential

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/secrets"
)

// Secret keys recognised in the google namespace.
const (
	KeyServiceAccount = "SERVICE_ACCOUNT"
	KeyCredentials    = "CREDENTIALS"
	KeyToken          = "TOKEN"
	KeyClientID       = "client_id"
	KeyClientSecret   = "client_secret"
	KeyAuthURI        = "auth_uri"
	KeyTokenURI       = "token_uri"
	KeyRefreshToken   = "refresh_token"
)

// Kind identifies the active credential variant.
type Kind string

const (
	KindServiceAccount Kind = "service_account"
	KindOAuth          Kind = "oauth"
)

// Credential is a tagged variant: exactly one of ServiceAccount and OAuth is
// set.
type Credential struct {
	ServiceAccount *ServiceAccountKey
	OAuth          *OAuthToken

	// Source records which secret keys the credential was built from.
	Source []string
}

// Kind reports the active variant.
func (c *Credential) Kind() Kind {
	if c.ServiceAccount != nil {
		return KindServiceAccount
	}
	return KindOAuth
}

// Identity is a loggable, non-secret description of the principal.
func (c *Credential) Identity() string {
	switch {
	case c.ServiceAccount != nil:
		return c.ServiceAccount.ClientEmail
	case c.OAuth != nil:
		return Mask(c.OAuth.ClientID)
	}
	return ""
}

// ServiceAccountKey is a Google service account JSON key.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
	TokenURI     string `json:"token_uri"`

	// JSON is the key exactly as stored, handed to the oauth2 library.
	JSON []byte `json:"-"`
}

// OAuthToken couples an OAuth client configuration with a user token. The
// token fields are updated in memory when the access token is refreshed.
type OAuthToken struct {
	ClientID     string
	ClientSecret string
	AuthURI      string
	TokenURI     string
	RedirectURIs []string

	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Config returns the oauth2 client configuration for the given scopes.
func (t *OAuthToken) Config(scopes ...string) *oauth2.Config {
	endpoint := google.Endpoint
	if t.AuthURI != "" {
		endpoint.AuthURL = t.AuthURI
	}
	if t.TokenURI != "" {
		endpoint.TokenURL = t.TokenURI
	}
	redirect := ""
	if len(t.RedirectURIs) > 0 {
		redirect = t.RedirectURIs[0]
	}
	return &oauth2.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
		RedirectURL:  redirect,
	}
}

// Token returns the stored token in oauth2 form.
func (t *OAuthToken) Token() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    tokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

// Update records a refreshed token. A refresh response without a refresh
// token keeps the existing one.
func (t *OAuthToken) Update(tok *oauth2.Token) {
	if tok == nil {
		return
	}
	t.AccessToken = tok.AccessToken
	if tok.TokenType != "" {
		t.TokenType = tok.TokenType
	}
	if tok.RefreshToken != "" {
		t.RefreshToken = tok.RefreshToken
	}
	t.Expiry = tok.Expiry
}

// Load resolves the credential held in the google namespace of b.
//
// Variants are considered in a fixed order: SERVICE_ACCOUNT, then
// CREDENTIALS with TOKEN, then the flat client_id/client_secret/
// refresh_token keys. The first variant whose keys are present is used and
// must be complete; a partially present variant is a configuration error
// rather than a reason to fall through.
func Load(b secrets.Bundle) (*Credential, error) {
	get := func(k string) (string, bool) { return b.Get(secrets.Namespace, k) }

	if raw, ok := get(KeyServiceAccount); ok {
		sa, err := parseServiceAccount(raw)
		if err != nil {
			return nil, err
		}
		return &Credential{ServiceAccount: sa, Source: []string{KeyServiceAccount}}, nil
	}

	creds, hasCreds := get(KeyCredentials)
	token, hasToken := get(KeyToken)
	if hasCreds || hasToken {
		if !hasCreds {
			return nil, apperr.Config("load oauth credential", fmt.Errorf("%s is set but %s is missing", KeyToken, KeyCredentials), key(KeyCredentials))
		}
		if !hasToken {
			return nil, apperr.Config("load oauth credential", fmt.Errorf("%s is set but %s is missing", KeyCredentials, KeyToken), key(KeyToken))
		}
		tok, err := parseOAuth(creds, token)
		if err != nil {
			return nil, err
		}
		return &Credential{OAuth: tok, Source: []string{KeyCredentials, KeyToken}}, nil
	}

	flat := []string{KeyClientID, KeyClientSecret, KeyAuthURI, KeyTokenURI, KeyRefreshToken}
	var present []string
	for _, k := range flat {
		if _, ok := get(k); ok {
			present = append(present, k)
		}
	}
	if len(present) > 0 {
		tok := &OAuthToken{}
		tok.ClientID, _ = get(KeyClientID)
		tok.ClientSecret, _ = get(KeyClientSecret)
		tok.AuthURI, _ = get(KeyAuthURI)
		tok.TokenURI, _ = get(KeyTokenURI)
		tok.RefreshToken, _ = get(KeyRefreshToken)
		if err := tok.validate(); err != nil {
			return nil, err
		}
		return &Credential{OAuth: tok, Source: present}, nil
	}

	return nil, apperr.Config("load credential",
		fmt.Errorf("no credential found in the %q secret namespace", secrets.Namespace),
		key(KeyServiceAccount), key(KeyCredentials)+" + "+key(KeyToken), key(KeyRefreshToken))
}

func (t *OAuthToken) validate() error {
	var missing []string
	if strings.TrimSpace(t.ClientID) == "" {
		missing = append(missing, key(KeyClientID))
	}
	if strings.TrimSpace(t.ClientSecret) == "" {
		missing = append(missing, key(KeyClientSecret))
	}
	if strings.TrimSpace(t.RefreshToken) == "" {
		missing = append(missing, key(KeyRefreshToken))
	}
	if len(missing) > 0 {
		return apperr.Config("load oauth credential", fmt.Errorf("required fields are empty"), missing...)
	}
	return nil
}

func key(k string) string {
	return secrets.Namespace + "." + k
}

// Mask hides all but the first and last four characters of s.
func Mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
