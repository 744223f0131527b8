// Package secrets reads the namespaced key/value bundle that holds the
// uploader's credentials. Two sources are merged: a YAML secrets file whose
// top-level keys are namespaces, and the process environment where a value
// for key K in namespace N is read from N_K (upper-cased), e.g.
// GOOGLE_SERVICE_ACCOUNT.
//
// A secrets file looks like:
//
//	google:
//	  SERVICE_ACCOUNT: |
//	    {"type": "service_account", ...}
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Namespace is the namespace holding every Google credential key.
const Namespace = "google"

// Bundle maps namespace -> key -> value.
type Bundle map[string]map[string]string

// Get returns the value stored under namespace/key. Blank values are reported
// as absent.
func (b Bundle) Get(namespace, key string) (string, bool) {
	ns, ok := b[namespace]
	if !ok {
		return "", false
	}
	v, ok := ns[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Set stores value under namespace/key.
func (b Bundle) Set(namespace, key, value string) {
	ns, ok := b[namespace]
	if !ok {
		ns = make(map[string]string)
		b[namespace] = ns
	}
	ns[key] = value
}

// Keys returns the sorted keys present in namespace.
func (b Bundle) Keys(namespace string) []string {
	keys := make([]string, 0, len(b[namespace]))
	for k := range b[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// merge copies every value of other into b, overwriting existing keys.
func (b Bundle) merge(other Bundle) {
	for ns, kv := range other {
		for k, v := range kv {
			b.Set(ns, k, v)
		}
	}
}

// Options selects where the bundle is read from.
type Options struct {
	// File is the YAML secrets file. Optional; a missing file is ignored
	// unless Required is set.
	File string

	// Required makes a missing File an error.
	Required bool

	// DotEnv lists .env files loaded into the environment before it is read.
	// Missing files are ignored; variables already set are not overridden.
	DotEnv []string

	// Keys lists the keys looked up in the environment for Namespace.
	Keys []string
}

// DefaultKeys are the credential keys recognised in the google namespace.
var DefaultKeys = []string{
	"SERVICE_ACCOUNT",
	"CREDENTIALS",
	"TOKEN",
	"client_id",
	"client_secret",
	"auth_uri",
	"token_uri",
	"refresh_token",
}

// Load builds a Bundle from the environment and then overlays the secrets
// file, so values in the file win.
func Load(opts Options) (Bundle, error) {
	for _, f := range opts.DotEnv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("secrets: failed to load %q: %w", f, err)
		}
	}

	keys := opts.Keys
	if len(keys) == 0 {
		keys = DefaultKeys
	}

	b := FromEnv(Namespace, keys, os.LookupEnv)

	if opts.File == "" {
		return b, nil
	}

	fileBundle, err := ReadFile(opts.File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !opts.Required {
			return b, nil
		}
		return nil, err
	}
	b.merge(fileBundle)
	return b, nil
}

// FromEnv reads namespace/key values through lookup using the NAMESPACE_KEY
// naming convention.
func FromEnv(namespace string, keys []string, lookup func(string) (string, bool)) Bundle {
	b := make(Bundle)
	for _, k := range keys {
		name := strings.ToUpper(namespace + "_" + k)
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			b.Set(namespace, k, v)
		}
	}
	return b
}

// ReadFile parses a YAML secrets file.
func ReadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML secrets. Every namespace must be a mapping of string
// values.
func Parse(data []byte) (Bundle, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("secrets: malformed secrets file: %w", err)
	}
	b := make(Bundle, len(raw))
	for ns, kv := range raw {
		for k, v := range kv {
			b.Set(ns, k, v)
		}
	}
	return b, nil
}
