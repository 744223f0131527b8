package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
)

func parseServiceAccount(raw string) (*ServiceAccountKey, error) {
	var sa ServiceAccountKey
	if err := decodeJSON(KeyServiceAccount, []byte(raw), &sa); err != nil {
		return nil, err
	}
	sa.JSON = []byte(raw)

	if sa.Type != "" && sa.Type != "service_account" {
		return nil, apperr.Config("load service account",
			fmt.Errorf("type is %q, want \"service_account\"", sa.Type), key(KeyServiceAccount)+".type")
	}

	var missing []string
	if strings.TrimSpace(sa.ClientEmail) == "" {
		missing = append(missing, key(KeyServiceAccount)+".client_email")
	}
	if strings.TrimSpace(sa.PrivateKey) == "" {
		missing = append(missing, key(KeyServiceAccount)+".private_key")
	}
	if len(missing) > 0 {
		return nil, apperr.Config("load service account", errors.New("required fields are empty"), missing...)
	}
	return &sa, nil
}

// clientConfig accepts the Google console download ({"installed": {...}} or
// {"web": {...}}) as well as the flat form printed by older bootstrap tools.
type clientConfig struct {
	Installed *clientSecrets `json:"installed"`
	Web       *clientSecrets `json:"web"`
	clientSecrets
}

type clientSecrets struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	RedirectURIs []string `json:"redirect_uris"`
	RedirectURI  string   `json:"redirect_uri"`
}

// storedToken accepts both the oauth2 token form ("expiry") and the
// oauth2client form ("token_expiry" plus embedded client fields).
type storedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
	TokenExpiry  string `json:"token_expiry"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURI     string `json:"token_uri"`
}

func parseOAuth(rawCreds, rawToken string) (*OAuthToken, error) {
	var cc clientConfig
	if err := decodeJSON(KeyCredentials, []byte(rawCreds), &cc); err != nil {
		return nil, err
	}
	var st storedToken
	if err := decodeJSON(KeyToken, []byte(rawToken), &st); err != nil {
		return nil, err
	}

	cs := cc.clientSecrets
	switch {
	case cc.Installed != nil:
		cs = *cc.Installed
	case cc.Web != nil:
		cs = *cc.Web
	}
	if len(cs.RedirectURIs) == 0 && cs.RedirectURI != "" {
		cs.RedirectURIs = []string{cs.RedirectURI}
	}

	tok := &OAuthToken{
		ClientID:     firstNonEmpty(cs.ClientID, st.ClientID),
		ClientSecret: firstNonEmpty(cs.ClientSecret, st.ClientSecret),
		AuthURI:      cs.AuthURI,
		TokenURI:     firstNonEmpty(cs.TokenURI, st.TokenURI),
		RedirectURIs: cs.RedirectURIs,
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
	}

	if expiry := firstNonEmpty(st.Expiry, st.TokenExpiry); expiry != "" {
		t, err := ParseExpiry(expiry)
		if err != nil {
			return nil, apperr.Config("load oauth token", err, key(KeyToken)+".token_expiry")
		}
		tok.Expiry = t
	}

	if err := tok.validate(); err != nil {
		return nil, err
	}
	return tok, nil
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseExpiry parses a token expiry timestamp. Values without a zone are
// taken as UTC.
func ParseExpiry(s string) (time.Time, error) {
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse expiry %q", s)
}

// decodeJSON unmarshals data into v. Syntax errors are reported with the
// line and column of the offending byte so the operator can fix the secret.
func decodeJSON(name string, data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := position(data, syntaxErr.Offset)
		return apperr.Config("parse "+name,
			fmt.Errorf("malformed JSON at line %d, column %d: %s", line, col, syntaxErr.Error()), key(name))
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := position(data, typeErr.Offset)
		return apperr.Config("parse "+name,
			fmt.Errorf("field %q has the wrong type at line %d, column %d", typeErr.Field, line, col), key(name))
	}
	return apperr.Config("parse "+name, err, key(name))
}

// position converts a byte offset into a 1-based line and column.
func position(data []byte, offset int64) (line, col int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	before := data[:offset]
	line = bytes.Count(before, []byte("\n")) + 1
	col = int(offset) - bytes.LastIndexByte(before, '\n')
	return line, col - 1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
