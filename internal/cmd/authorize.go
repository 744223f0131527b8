package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/term"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/apple-dataset/internal/auth"
	"github.com/tomasbasham/apple-dataset/internal/credential"
	"github.com/tomasbasham/apple-dataset/internal/secrets"
)

type AuthorizeOptions struct {
	clientJSON []byte
	conf       *oauth2.Config

	ClientConfig string
	Port         int
	NoBrowser    bool
	Timeout      time.Duration

	iooption.IOStreams
}

var (
	authorizeLong = templates.LongDesc(`
		Obtain an OAuth token with offline access to Google Drive.

		The command prints an address to open in a browser. After consent,
		Google redirects to a short-lived server on 127.0.0.1 which receives
		the authorisation code. The code is exchanged for a token and a
		"google" block for the secrets file is written to standard output.

		Use --no-browser when the browser runs on another machine: the
		redirect will fail to load, and the address it was sent to (or just
		its code) is pasted back into the terminal.`)

	authorizeExample = templates.Examples(`
		# Authorise with the client downloaded from the Google Cloud console
		apple authorize --client-config credentials.json > secrets.yaml

		# Authorise from a headless machine
		apple authorize --client-config credentials.json --no-browser`)
)

func NewAuthorizeOptions(streams iooption.IOStreams) *AuthorizeOptions {
	return &AuthorizeOptions{
		IOStreams: streams,
	}
}

func NewAuthorizeCommand(o *AuthorizeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "authorize",
		DisableFlagsInUseLine: true,
		Short:                 "Obtain an OAuth token for the secrets file",
		Long:                  authorizeLong,
		Example:               authorizeExample,
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

	cmd.Flags().StringVar(&o.ClientConfig, "client-config", "credentials.json", "OAuth client configuration downloaded from the Google Cloud console")
	cmd.Flags().IntVarP(&o.Port, "port", "p", 0, "Port of the loopback callback server (0 picks a free port)")
	cmd.Flags().BoolVar(&o.NoBrowser, "no-browser", false, "Paste the authorisation code instead of receiving it on 127.0.0.1")
	cmd.Flags().DurationVarP(&o.Timeout, "timeout", "t", 5*time.Minute, "How long to wait for consent")

	return cmd
}

func (o *AuthorizeOptions) Complete(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(o.ClientConfig)
	if err != nil {
		return fmt.Errorf("failed to read client configuration: %w", err)
	}
	o.clientJSON = data
	return nil
}

func (o *AuthorizeOptions) Validate() error {
	conf, err := google.ConfigFromJSON(o.clientJSON, auth.DefaultScopes...)
	if err != nil {
		return fmt.Errorf("invalid client configuration %s: %w", o.ClientConfig, err)
	}
	o.conf = conf

	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("port %d is out of range", o.Port)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (o *AuthorizeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	state := uuid.NewString()

	var code string
	var err error
	if o.NoBrowser {
		code, err = o.pasteCode(state)
	} else {
		code, err = o.receiveCode(ctx, state)
	}
	if err != nil {
		return err
	}

	tok, err := o.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorisation code: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("google returned no refresh token; remove the app's access at https://myaccount.google.com/permissions and authorise again")
	}

	block, err := secretsBlock(o.clientJSON, tok)
	if err != nil {
		return err
	}
	fmt.Fprintln(o.ErrOut, "✅ Authorised. Add the following to your secrets file:")
	_, err = o.Out.Write(block)
	return err
}

func (o *AuthorizeOptions) authCodeURL(state string) string {
	return o.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// receiveCode serves the OAuth redirect on 127.0.0.1 until a code arrives.
func (o *AuthorizeOptions) receiveCode(ctx context.Context, state string) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", o.Port))
	if err != nil {
		return "", fmt.Errorf("failed to start callback server: %w", err)
	}
	o.conf.RedirectURL = "http://" + ln.Addr().String() + "/"

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackHandler(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go srv.Serve(ln)
	defer srv.Close()

	fmt.Fprintf(o.ErrOut, "Open this address in a browser and grant access:\n\n  %s\n\nWaiting for consent...\n", o.authCodeURL(state))

	select {
	case res := <-results:
		return res.code, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("no authorisation received: %w", ctx.Err())
	}
}

// pasteCode reads the code, or the whole redirect address, from the
// terminal.
func (o *AuthorizeOptions) pasteCode(state string) (string, error) {
	o.conf.RedirectURL = "http://127.0.0.1/"
	fmt.Fprintf(o.ErrOut, "Open this address in a browser and grant access:\n\n  %s\n\n", o.authCodeURL(state))
	fmt.Fprint(o.ErrOut, "The browser will fail to load the final page. Paste its address (or the code) here: ")

	input, err := readLine(o.In)
	fmt.Fprintln(o.ErrOut)
	if err != nil {
		return "", fmt.Errorf("failed to read authorisation code: %w", err)
	}
	return parseCode(input, state)
}

// readLine reads one line from in, without echo when in is a terminal.
func readLine(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return line, nil
}

// parseCode extracts the authorisation code from a pasted redirect address.
// Input that is not an address is taken as the code itself.
func parseCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("no authorisation code given")
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect address: %w", err)
	}
	query := u.Query()
	if u.RawQuery == "" {
		// A bare query string such as "state=...&code=...".
		query, err = url.ParseQuery(input)
		if err != nil {
			return "", fmt.Errorf("failed to parse redirect address: %w", err)
		}
	}
	if got := query.Get("state"); got != "" && got != state {
		return "", errors.New("state does not match this authorisation request")
	}
	code := query.Get("code")
	if code == "" {
		return "", errors.New("redirect address has no code")
	}
	return code, nil
}

type callbackResult struct {
	code string
	err  error
}

// callbackHandler receives the OAuth redirect. Only the first result is
// delivered; results must have room for it.
func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	deliver := func(res callbackResult) {
		select {
		case results <- res:
		default:
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			// Stray requests, such as a favicon fetch, are ignored.
			http.Error(w, "unexpected request", http.StatusBadRequest)
		case q.Get("error") != "":
			http.Error(w, "authorisation was denied", http.StatusForbidden)
			deliver(callbackResult{err: fmt.Errorf("authorisation was denied: %s", q.Get("error"))})
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
		default:
			fmt.Fprintln(w, "Authorisation complete. You can close this window and return to the terminal.")
			deliver(callbackResult{code: q.Get("code")})
		}
	})
}

// secretsBlock renders the google namespace of a secrets file holding the
// client configuration and the token.
func secretsBlock(clientJSON []byte, tok *oauth2.Token) ([]byte, error) {
	var creds bytes.Buffer
	if err := json.Compact(&creds, clientJSON); err != nil {
		return nil, fmt.Errorf("failed to compact client configuration: %w", err)
	}
	token, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}

	doc := map[string]map[string]string{
		secrets.Namespace: {
			credential.KeyCredentials: creds.String(),
			credential.KeyToken:       string(token),
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render secrets: %w", err)
	}
	return out, nil
}
