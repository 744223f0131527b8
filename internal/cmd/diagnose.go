package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/credential"
	"github.com/tomasbasham/apple-dataset/internal/logging"
	"github.com/tomasbasham/apple-dataset/internal/secrets"
	"github.com/tomasbasham/apple-dataset/internal/storage"
)

const (
	clientConfigFile   = "credentials.json"
	tokenFile          = "token.json"
	serviceAccountFile = "service-account.json"
)

type DiagnoseOptions struct {
	now func() time.Time

	Dir     string
	Test    bool
	Timeout time.Duration

	iooption.IOStreams
}

var (
	diagnoseLong = templates.LongDesc(`
		Check the Google credential files in a directory.

		The command looks for credentials.json (OAuth client), token.json
		(OAuth token) and service-account.json (service account key), reports
		whether each is well formed and whether the token has expired, and
		prints recommendations for the usual "invalid_grant" failures. With
		--test each credential is also used to list one file on Drive.`)

	diagnoseExample = templates.Examples(`
		# Check the files in the current directory
		apple diagnose

		# Check the files in ./secrets and try each credential against Drive
		apple diagnose --dir secrets --test`)
)

func NewDiagnoseOptions(streams iooption.IOStreams) *DiagnoseOptions {
	return &DiagnoseOptions{
		now:       time.Now,
		IOStreams: streams,
	}
}

func NewDiagnoseCommand(o *DiagnoseOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "diagnose",
		DisableFlagsInUseLine: true,
		Short:                 "Diagnose Google credential files",
		Long:                  diagnoseLong,
		Example:               diagnoseExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&o.Dir, "dir", "d", ".", "Directory holding the credential files")
	cmd.Flags().BoolVar(&o.Test, "test", false, "Authenticate with each credential and list one Drive file")
	cmd.Flags().DurationVarP(&o.Timeout, "timeout", "t", 30*time.Second, "Timeout of each authentication test")

	return cmd
}

func (o *DiagnoseOptions) Complete(cmd *cobra.Command, args []string) error {
	if o.now == nil {
		o.now = time.Now
	}
	return nil
}

func (o *DiagnoseOptions) Validate() error {
	info, err := os.Stat(o.Dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", o.Dir)
	}
	return nil
}

type credentialFile struct {
	name        string
	description string
	diagnose    func(data []byte) []credential.Finding
}

func (o *DiagnoseOptions) files() []credentialFile {
	return []credentialFile{
		{clientConfigFile, "OAuth client credentials", credential.DiagnoseClientConfig},
		{tokenFile, "OAuth access token", func(data []byte) []credential.Finding {
			return credential.DiagnoseToken(data, o.now())
		}},
		{serviceAccountFile, "Service account credentials", credential.DiagnoseServiceAccount},
	}
}

func (o *DiagnoseOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(o.Out, "🔍 Google Drive Token Diagnostic")
	rule(o.Out)

	found := make(map[string][]byte)
	for _, f := range o.files() {
		data, err := os.ReadFile(filepath.Join(o.Dir, f.name))
		switch {
		case err == nil:
			found[f.name] = data
			fmt.Fprintf(o.Out, "✅ Found %s (%s)\n", f.name, f.description)
		case errors.Is(err, fs.ErrNotExist):
			fmt.Fprintf(o.Out, "❌ Missing %s (%s)\n", f.name, f.description)
		default:
			fmt.Fprintf(o.Out, "❌ Cannot read %s: %v\n", f.name, err)
		}
	}
	if len(found) == 0 {
		fmt.Fprintln(o.Out, "\n❌ No credential files found!")
		fmt.Fprintln(o.Out, "Run `apple authorize` first, or download a service account key.")
		return errors.New("no credential files found")
	}

	failed := false

	section(o.Out, "📊 FILE ANALYSIS")
	for _, f := range o.files() {
		data, ok := found[f.name]
		if !ok {
			continue
		}
		fmt.Fprintf(o.Out, "\n🔍 Analyzing %s:\n", f.name)
		for _, finding := range f.diagnose(data) {
			fmt.Fprintf(o.Out, "%s %s\n", finding.Status.Symbol(), finding.Message)
			if finding.Status == credential.StatusFail {
				failed = true
			}
		}
	}

	if o.Test {
		section(o.Out, "🧪 AUTHENTICATION TESTS")
		if found[clientConfigFile] != nil && found[tokenFile] != nil {
			b := secrets.Bundle{}
			b.Set(secrets.Namespace, credential.KeyCredentials, string(found[clientConfigFile]))
			b.Set(secrets.Namespace, credential.KeyToken, string(found[tokenFile]))
			fmt.Fprintln(o.Out, "\n🔧 Testing OAuth method...")
			if !o.probe(ctx, b) {
				failed = true
			}
		}
		if data := found[serviceAccountFile]; data != nil {
			b := secrets.Bundle{}
			b.Set(secrets.Namespace, credential.KeyServiceAccount, string(data))
			fmt.Fprintln(o.Out, "\n🔧 Testing service account method...")
			if !o.probe(ctx, b) {
				failed = true
			}
		}
	}

	section(o.Out, "💡 RECOMMENDATIONS")
	fmt.Fprint(o.Out, recommendations)

	if failed {
		return errors.New("problems were found with the credentials")
	}
	return nil
}

// probe authenticates with the credential in b and lists one Drive file.
func (o *DiagnoseOptions) probe(ctx context.Context, b secrets.Bundle) bool {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	handle, err := authenticateBundle(ctx, b, logging.Discard())
	if err != nil {
		fmt.Fprintln(o.Out, apperr.Message(err))
		return false
	}
	if handle.Refreshed {
		fmt.Fprintln(o.Out, "✅ Token refreshed successfully")
	}

	backend, err := storage.NewDriveBackend(ctx, handle.ClientOptions()...)
	if err != nil {
		fmt.Fprintln(o.Out, apperr.Message(err))
		return false
	}
	n, err := backend.Probe(ctx)
	if err != nil {
		fmt.Fprintln(o.Out, apperr.Message(err))
		return false
	}
	fmt.Fprintf(o.Out, "✅ Authenticated as %s, can access %d file(s)\n", handle.Identity, n)
	return true
}

func rule(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w)
	rule(w)
	fmt.Fprintln(w, title)
	rule(w)
}

const recommendations = `
📋 For an immediate fix:
1. Delete the existing token files
2. Run ` + "`apple authorize`" + ` again
3. Use the same Google account consistently
4. Keep a stable internet connection during authorisation

🏭 For production deployment:
1. Prefer a service account over OAuth
2. Service account keys do not expire like OAuth tokens
3. Share the Drive folder with the service account email
4. Keep credentials in the secrets file or environment, never in version control

🔧 Common fixes for 'invalid_grant':
1. Generate the token on the same machine or environment
2. Check that the system clock is accurate
3. Make sure the OAuth consent screen is configured
4. Use the correct Google Cloud project
5. Don't mix tokens from different projects or accounts
`
