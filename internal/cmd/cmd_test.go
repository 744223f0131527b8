package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/cli-runtime/iooption"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/config"
	"github.com/tomasbasham/apple-dataset/internal/credential"
	"github.com/tomasbasham/apple-dataset/internal/secrets"
	"github.com/tomasbasham/apple-dataset/internal/storage"
)

func testStreams(in string) (iooption.IOStreams, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return iooption.IOStreams{In: strings.NewReader(in), Out: out, ErrOut: errOut}, out, errOut
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return writeFile(t, dir, name, buf.Bytes())
}

func TestServe_FlagsOverrideConfigFileOnlyWhenSet(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "apple.yaml", []byte("backend: local\nfolder: orchard_a\nlocal_dir: /srv/apples\ncapture_mode: single\n"))

	streams, _, _ := testStreams("")
	o := NewServeOptions(streams)
	cmd := NewServeCommand(o)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--folder", "orchard_b", "--listen", ":9999"}))
	require.NoError(t, o.Complete(cmd, nil))
	require.NoError(t, o.Validate())

	assert.Equal(t, config.BackendLocal, o.cfg.Backend)
	assert.Equal(t, "orchard_b", o.cfg.Folder)
	assert.Equal(t, "/srv/apples", o.cfg.LocalDir)
	assert.Equal(t, ":9999", o.cfg.Listen)
	assert.Equal(t, 1, o.cfg.ImagesPerSubmission())
}

func TestServe_InvalidSettingIsReported(t *testing.T) {
	streams, _, _ := testStreams("")
	o := NewServeOptions(streams)
	cmd := NewServeCommand(o)
	require.NoError(t, cmd.ParseFlags([]string{"--backend", "gcs"}))

	err := o.Complete(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Configuration error")
	assert.Contains(t, err.Error(), "`bucket`")
}

func TestUpload_LocalBackend(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png")
	b := writePNG(t, dir, "b.png")
	dataset := filepath.Join(dir, "dataset")

	streams, out, _ := testStreams("")
	cmd := NewUploadCommand(NewUploadOptions(streams))
	cmd.SetArgs([]string{
		"--backend", "local",
		"--local-dir", dataset,
		"--variety", "Royal Delicious",
		"--set", "ripeness=Ripe",
		"--rotation", "90",
		a, b,
	})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "All 2 files uploaded successfully!")

	images, err := filepath.Glob(filepath.Join(dataset, "apple_dataset", "apple_dataset_*_Royal Delicious_*.jpg"))
	require.NoError(t, err)
	require.Len(t, images, 2)

	meta, err := os.ReadFile(strings.TrimSuffix(images[0], ".jpg") + ".json")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(meta, &doc))
	assert.Equal(t, "Royal Delicious", doc["variety"])
	assert.Equal(t, "Ripe", doc["ripeness"])
	assert.EqualValues(t, 90, doc["rotation"])
}

func TestUpload_MissingVarietyStopsBeforeStorage(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png")
	dataset := filepath.Join(dir, "dataset")

	streams, _, _ := testStreams("")
	cmd := NewUploadCommand(NewUploadOptions(streams))
	cmd.SetArgs([]string{"--backend", "local", "--local-dir", dataset, a})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Please fill in: variety")

	_, statErr := os.Stat(dataset)
	assert.True(t, os.IsNotExist(statErr), "nothing is written")
}

func TestUpload_RequiresFiles(t *testing.T) {
	streams, _, _ := testStreams("")
	cmd := NewUploadCommand(NewUploadOptions(streams))
	cmd.SetArgs([]string{"--variety", "Fuji"})
	assert.Error(t, cmd.Execute())
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare code", input: "  4/0Abc-123\n", want: "4/0Abc-123"},
		{name: "redirect address", input: "http://127.0.0.1/?state=s1&code=4/xyz&scope=drive", want: "4/xyz"},
		{name: "query string", input: "state=s1&code=4/xyz", want: "4/xyz"},
		{name: "address without state", input: "http://127.0.0.1/?code=abc", want: "abc"},
		{name: "other state", input: "http://127.0.0.1/?state=s2&code=abc", wantErr: true},
		{name: "address without code", input: "http://127.0.0.1/?state=s1&code=", wantErr: true},
		{name: "empty", input: " \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCode(tt.input, "s1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallbackHandler(t *testing.T) {
	t.Run("delivers the code", func(t *testing.T) {
		results := make(chan callbackResult, 1)
		rec := httptest.NewRecorder()
		callbackHandler("s1", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?state=s1&code=abc", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, "abc", res.code)
	})

	t.Run("ignores other requests", func(t *testing.T) {
		results := make(chan callbackResult, 1)
		rec := httptest.NewRecorder()
		callbackHandler("s1", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, results)
	})

	t.Run("reports denial", func(t *testing.T) {
		results := make(chan callbackResult, 1)
		rec := httptest.NewRecorder()
		callbackHandler("s1", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?state=s1&error=access_denied", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		res := <-results
		assert.ErrorContains(t, res.err, "access_denied")
	})
}

func clientConfig(tokenURL string) []byte {
	return []byte(`{
  "installed": {
    "client_id": "1234567890-abcdef.apps.googleusercontent.com",
    "client_secret": "shh",
    "auth_uri": "https://accounts.google.com/o/oauth2/auth",
    "token_uri": "` + tokenURL + `",
    "redirect_uris": ["http://localhost"]
  }
}`)
}

func TestAuthorize_NoBrowserPrintsLoadableSecrets(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "4/the-code" || r.Form.Get("grant_type") != "authorization_code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"ya29.fresh","refresh_token":"1//refresh","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(tokenServer.Close)

	dir := t.TempDir()
	path := writeFile(t, dir, "credentials.json", clientConfig(tokenServer.URL+"/token"))

	streams, out, errOut := testStreams("http://127.0.0.1/?code=4/the-code&scope=https://www.googleapis.com/auth/drive\n")
	cmd := NewAuthorizeCommand(NewAuthorizeOptions(streams))
	cmd.SetArgs([]string{"--client-config", path, "--no-browser"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, errOut.String(), "access_type=offline")
	assert.Contains(t, errOut.String(), "prompt=consent")

	bundle, err := secrets.Parse(out.Bytes())
	require.NoError(t, err)
	cred, err := credential.Load(bundle)
	require.NoError(t, err)

	require.Equal(t, credential.KindOAuth, cred.Kind())
	assert.Equal(t, "1234567890-abcdef.apps.googleusercontent.com", cred.OAuth.ClientID)
	assert.Equal(t, "1//refresh", cred.OAuth.RefreshToken)
	assert.Equal(t, "ya29.fresh", cred.OAuth.AccessToken)
	assert.True(t, cred.OAuth.Expiry.After(time.Now()))
}

func TestAuthorize_RejectsServiceAccountKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "key.json", []byte(`{"type":"service_account","client_email":"a@b.iam.gserviceaccount.com"}`))

	streams, _, _ := testStreams("")
	cmd := NewAuthorizeCommand(NewAuthorizeOptions(streams))
	cmd.SetArgs([]string{"--client-config", path, "--no-browser"})
	assert.Error(t, cmd.Execute())
}

func TestDiagnose_ReportsFilesAndRecommendations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "credentials.json", clientConfig("https://oauth2.googleapis.com/token"))
	writeFile(t, dir, "token.json", []byte(`{"access_token":"ya29.old","refresh_token":"1//r","token_expiry":"2024-01-01T00:00:00Z"}`))

	streams, out, _ := testStreams("")
	o := NewDiagnoseOptions(streams)
	o.now = func() time.Time { return time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) }
	cmd := NewDiagnoseCommand(o)
	cmd.SetArgs([]string{"--dir", dir})
	require.NoError(t, cmd.Execute())

	report := out.String()
	assert.Contains(t, report, "✅ Found credentials.json (OAuth client credentials)")
	assert.Contains(t, report, "✅ Found token.json (OAuth access token)")
	assert.Contains(t, report, "❌ Missing service-account.json (Service account credentials)")
	assert.Contains(t, report, "OAuth credentials structure: Valid (installed application)")
	assert.Contains(t, report, "Client ID: 1234****.com")
	assert.Contains(t, report, "Token expiry: Expired 1h0m0s ago (but can be refreshed)")
	assert.Contains(t, report, "Common fixes for 'invalid_grant'")
	assert.NotContains(t, report, "AUTHENTICATION TESTS")
}

func TestDiagnose_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "service-account.json", []byte(`{"type": "service_account",`))

	streams, out, _ := testStreams("")
	cmd := NewDiagnoseCommand(NewDiagnoseOptions(streams))
	cmd.SetArgs([]string{"--dir", dir})

	assert.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "❌ Invalid JSON format")
}

func TestDiagnose_NoFiles(t *testing.T) {
	streams, out, _ := testStreams("")
	cmd := NewDiagnoseCommand(NewDiagnoseOptions(streams))
	cmd.SetArgs([]string{"--dir", t.TempDir()})

	assert.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "No credential files found!")
}

func TestSecretsBlockIsGoogleNamespace(t *testing.T) {
	block, err := secretsBlock([]byte("{\n  \"installed\": {}\n}"), nil)
	require.NoError(t, err)

	bundle, err := secrets.Parse(block)
	require.NoError(t, err)
	creds, ok := bundle.Get(secrets.Namespace, credential.KeyCredentials)
	require.True(t, ok)
	assert.Equal(t, `{"installed":{}}`, creds)
}

// folderBackend fails every folder lookup with err.
type folderBackend struct {
	err     error
	lookups int
}

func (b *folderBackend) Name() string { return "fake" }

func (b *folderBackend) FindOrCreateFolder(context.Context, string) (storage.FolderID, error) {
	b.lookups++
	if b.err != nil {
		return "", b.err
	}
	return "folder-1", nil
}

func (b *folderBackend) UploadFile(context.Context, *storage.UploadRequest) (*storage.UploadResult, error) {
	return nil, errors.New("not implemented")
}

func TestPrepareFolder(t *testing.T) {
	tests := map[string]struct {
		err     error
		wantErr bool
	}{
		"resolved":          {},
		"storage failure":   {err: apperr.Storage("find folder", errors.New("503 backend error"))},
		"rejected token":    {err: apperr.Auth("refresh token", errors.New("invalid_grant")), wantErr: true},
		"bad configuration": {err: apperr.Config("load secrets", errors.New("missing")), wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			backend := &folderBackend{err: tt.err}
			folders := storage.NewFolderCache(backend)
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))

			err := prepareFolder(context.Background(), folders, backend.Name(), "apple_dataset", logger)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.Fatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, backend.lookups)
		})
	}
}

func TestUpload_CameraRecordsSource(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png")
	dataset := filepath.Join(dir, "dataset")

	streams, _, _ := testStreams("")
	cmd := NewUploadCommand(NewUploadOptions(streams))
	cmd.SetArgs([]string{"--backend", "local", "--local-dir", dataset, "--variety", "Fuji", "--camera", a})
	require.NoError(t, cmd.Execute())

	metas, err := filepath.Glob(filepath.Join(dataset, "apple_dataset", "*.json"))
	require.NoError(t, err)
	require.Len(t, metas, 1)
	meta, err := os.ReadFile(metas[0])
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(meta, &doc))
	assert.Equal(t, "camera", doc["source"])
}

func TestUpload_CameraRequiresSingleImage(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png")
	b := writePNG(t, dir, "b.png")
	dataset := filepath.Join(dir, "dataset")

	streams, _, _ := testStreams("")
	cmd := NewUploadCommand(NewUploadOptions(streams))
	cmd.SetArgs([]string{"--backend", "local", "--local-dir", dataset, "--variety", "Fuji", "--camera", a, b})

	require.Error(t, cmd.Execute())
	_, statErr := os.Stat(dataset)
	assert.True(t, os.IsNotExist(statErr), "nothing is written")
}

func TestRoot_HelpDescribesLayeringAndGroups(t *testing.T) {
	streams, out, _ := testStreams("")
	cmd := NewRootCommandWithArgs(NewAppleOptions(streams))
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	help := out.String()
	assert.Contains(t, help, "--config")
	assert.Contains(t, help, "GOOGLE_SERVICE_ACCOUNT")
	assert.Contains(t, help, "Application")
	assert.Contains(t, help, "Collecting images:")
	assert.Contains(t, help, "Managing credentials:")
	assert.Regexp(t, `(?s)Collecting images:.*serve.*upload.*Managing credentials:.*authorize.*diagnose`, help)
}
