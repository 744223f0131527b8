package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/credential"
)

// tokenServer fakes the Google token endpoint. Each request increments calls
// and is answered by respond.
type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		_ = r.ParseForm()
		respond(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func grant(accessToken string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}
}

func reject(code, description string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             code,
			"error_description": description,
		})
	}
}

func serviceAccount(t *testing.T, tokenURI string) *credential.Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	raw, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "apples",
		"private_key_id": "kid",
		"private_key":    string(pemKey),
		"client_email":   "uploader@apples.iam.gserviceaccount.com",
		"token_uri":      tokenURI,
	})
	require.NoError(t, err)

	return &credential.Credential{ServiceAccount: &credential.ServiceAccountKey{
		Type:        "service_account",
		PrivateKey:  string(pemKey),
		ClientEmail: "uploader@apples.iam.gserviceaccount.com",
		TokenURI:    tokenURI,
		JSON:        raw,
	}}
}

func oauthCredential(tokenURI string, accessToken string, expiry time.Time) *credential.Credential {
	return &credential.Credential{OAuth: &credential.OAuthToken{
		ClientID:     "client-id-123456",
		ClientSecret: "secret",
		TokenURI:     tokenURI,
		AccessToken:  accessToken,
		RefreshToken: "refresh",
		Expiry:       expiry,
	}}
}

func TestAuthenticate_ServiceAccount(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("assertion"))
		grant("sa-token")(w, r)
	})

	h, err := Authenticate(context.Background(), serviceAccount(t, srv.URL))
	require.NoError(t, err)

	assert.Equal(t, credential.KindServiceAccount, h.Kind)
	assert.Equal(t, "uploader@apples.iam.gserviceaccount.com", h.Identity)
	assert.EqualValues(t, 1, srv.calls.Load())

	tok, err := h.TokenSource.Token()
	require.NoError(t, err)
	assert.Equal(t, "sa-token", tok.AccessToken)
	assert.EqualValues(t, 1, srv.calls.Load(), "cached token must be reused")
}

func TestAuthenticate_ServiceAccountRejected(t *testing.T) {
	srv := newTokenServer(t, reject("invalid_grant", "Invalid JWT Signature."))

	h, err := Authenticate(context.Background(), serviceAccount(t, srv.URL))
	require.Error(t, err)
	assert.Nil(t, h)

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, apperr.KindAuth, e.Kind)
	assert.Equal(t, []string{"google.SERVICE_ACCOUNT"}, e.Fields)
	assert.Contains(t, e.Error(), "Invalid JWT Signature.")
}

func TestAuthenticate_ServiceAccountMalformedKey(t *testing.T) {
	srv := newTokenServer(t, grant("never"))
	cred := serviceAccount(t, srv.URL)

	raw := map[string]string{}
	require.NoError(t, json.Unmarshal(cred.ServiceAccount.JSON, &raw))
	raw["private_key"] = "not a key"
	cred.ServiceAccount.JSON, _ = json.Marshal(raw)

	_, err := Authenticate(context.Background(), cred)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	assert.EqualValues(t, 0, srv.calls.Load())
}

func TestAuthenticate_OAuthValidTokenNoNetwork(t *testing.T) {
	srv := newTokenServer(t, grant("unexpected"))
	cred := oauthCredential(srv.URL, "still-good", time.Now().Add(time.Hour))

	h, err := Authenticate(context.Background(), cred)
	require.NoError(t, err)

	assert.False(t, h.Refreshed)
	assert.EqualValues(t, 0, srv.calls.Load())
	tok, err := h.TokenSource.Token()
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok.AccessToken)
}

func TestAuthenticate_OAuthExpiredRefreshesOnce(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh", r.Form.Get("refresh_token"))
		grant("fresh")(w, r)
	})
	cred := oauthCredential(srv.URL, "stale", time.Now().Add(-time.Hour))

	h, err := Authenticate(context.Background(), cred)
	require.NoError(t, err)

	assert.True(t, h.Refreshed)
	assert.EqualValues(t, 1, srv.calls.Load())
	assert.Equal(t, "fresh", cred.OAuth.AccessToken, "credential is updated in place")
	assert.Equal(t, "refresh", cred.OAuth.RefreshToken)
	assert.True(t, cred.OAuth.Expiry.After(time.Now()))

	_, err = h.TokenSource.Token()
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.calls.Load())
}

func TestAuthenticate_OAuthNoAccessTokenRefreshes(t *testing.T) {
	srv := newTokenServer(t, grant("first"))
	cred := oauthCredential(srv.URL, "", time.Time{})

	h, err := Authenticate(context.Background(), cred)
	require.NoError(t, err)
	assert.True(t, h.Refreshed)
	assert.EqualValues(t, 1, srv.calls.Load())
}

func TestAuthenticate_OAuthRevokedRefreshToken(t *testing.T) {
	srv := newTokenServer(t, reject("invalid_grant", "Token has been expired or revoked."))
	cred := oauthCredential(srv.URL, "stale", time.Now().Add(-time.Hour))

	h, err := Authenticate(context.Background(), cred)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.EqualValues(t, 1, srv.calls.Load())

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, apperr.KindAuth, e.Kind)
	assert.Equal(t, []string{"google.refresh_token"}, e.Fields)

	msg := apperr.Message(err)
	assert.Contains(t, msg, "refresh_token")
	assert.Contains(t, msg, "apple authorize")
}

func TestAuthenticate_OAuthServerError(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	cred := oauthCredential(srv.URL, "", time.Time{})

	_, err := Authenticate(context.Background(), cred)
	require.Error(t, err)

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, apperr.KindAuth, e.Kind)
	assert.Empty(t, e.Fields)
}

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		err        error
		wantFields []string
		wantDetail string
	}{
		"parsed error code": {
			err:        &oauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "Bad Request"},
			wantFields: []string{"google.refresh_token"},
			wantDetail: "invalid_grant: Bad Request",
		},
		"error code only in body": {
			err: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusBadRequest},
				Body:     []byte(`{"error":"invalid_grant","error_description":"Invalid JWT Signature."}`),
			},
			wantFields: []string{"google.refresh_token"},
			wantDetail: "invalid_grant: Invalid JWT Signature.",
		},
		"unparseable body": {
			err: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusBadGateway},
				Body:     []byte("<html>bad gateway</html>"),
			},
			wantDetail: "HTTP 502",
		},
		"no response": {
			err:        &oauth2.RetrieveError{},
			wantDetail: "token request rejected",
		},
		"other error": {
			err:        errors.New("connection refused"),
			wantDetail: "connection refused",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := classify("refresh", tt.err, "google.refresh_token")

			var e *apperr.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, apperr.KindAuth, e.Kind)
			if tt.wantFields == nil {
				assert.Empty(t, e.Fields)
			} else {
				assert.Equal(t, tt.wantFields, e.Fields)
			}
			assert.Contains(t, err.Error(), tt.wantDetail)
		})
	}
}
