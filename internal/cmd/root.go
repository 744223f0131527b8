package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		Collect photographs of apples, together with their variety, ripeness,
		colour and damage, into a shared dataset folder on Google Drive, Google
		Cloud Storage or a local directory.

		Settings are layered. Built-in defaults come first, then the YAML file
		named by --config, then any flag given on the command line. Only flags
		that are actually set override the file.

		The Google credential is read from the "google" namespace of the
		secrets store. Variables from .env are loaded into the environment
		without replacing ones already set, variables such as
		GOOGLE_SERVICE_ACCOUNT are read next, and the "google:" block of the
		secrets file (--secrets, default secrets.yaml) wins over both.

		A service account key (SERVICE_ACCOUNT) is preferred over an OAuth
		client and token (CREDENTIALS with TOKEN), which is preferred over the
		flat client_id, client_secret and refresh_token keys. The gcs backend
		uses Application Default Credentials instead.`)

	rootExamples = templates.Examples(`
		# Serve the upload form with settings from a file
		apple serve --config apple.yaml

		# Keep a single upload on disk instead of Drive
		apple upload --backend local --variety Fuji photo.jpg

		# Write an OAuth token to a new secrets file
		apple authorize --client-config credentials.json > secrets.yaml

		# Check the credential files in the current directory
		apple diagnose --test`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

const (
	groupCollect     = "collect"
	groupCredentials = "credentials"
)

// AppleOptions defines the options for the `apple` command.
type AppleOptions struct {
	iooption.IOStreams
}

// NewAppleOptions provides an initialised AppleOptions instance.
func NewAppleOptions(streams iooption.IOStreams) *AppleOptions {
	return &AppleOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `apple` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewAppleOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `apple` command and its nested
// children.
func NewRootCommandWithArgs(o *AppleOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "apple [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Apple image dataset collector",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddGroup(
		&cobra.Group{ID: groupCollect, Title: "Collecting images:"},
		&cobra.Group{ID: groupCredentials, Title: "Managing credentials:"},
	)
	addToGroup(cmd, groupCollect,
		NewServeCommand(NewServeOptions(o.IOStreams)),
		NewUploadCommand(NewUploadOptions(o.IOStreams)),
	)
	addToGroup(cmd, groupCredentials,
		NewAuthorizeCommand(NewAuthorizeOptions(o.IOStreams)),
		NewDiagnoseCommand(NewDiagnoseOptions(o.IOStreams)),
	)

	// The globlal normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func addToGroup(parent *cobra.Command, group string, cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.GroupID = group
		parent.AddCommand(c)
	}
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
