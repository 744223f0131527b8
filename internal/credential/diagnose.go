package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status grades a single diagnostic finding.
type Status int

const (
	StatusOK Status = iota
	StatusWarn
	StatusFail
)

// Symbol returns the marker printed in front of a finding.
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✅"
	case StatusWarn:
		return "⚠️ "
	default:
		return "❌"
	}
}

// Finding is one line of a credential diagnosis.
type Finding struct {
	Status  Status
	Message string
}

func ok(format string, args ...any) Finding {
	return Finding{Status: StatusOK, Message: fmt.Sprintf(format, args...)}
}

func warn(format string, args ...any) Finding {
	return Finding{Status: StatusWarn, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Finding {
	return Finding{Status: StatusFail, Message: fmt.Sprintf(format, args...)}
}

// DiagnoseClientConfig inspects an OAuth client configuration
// (credentials.json).
func DiagnoseClientConfig(data []byte) []Finding {
	var cc clientConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		return []Finding{fail("Invalid JSON format: %v", err)}
	}

	var cs *clientSecrets
	kind := ""
	switch {
	case cc.Installed != nil:
		cs, kind = cc.Installed, "installed"
	case cc.Web != nil:
		cs, kind = cc.Web, "web"
	default:
		return []Finding{fail("OAuth credentials structure: Invalid (no \"installed\" or \"web\" section)")}
	}

	findings := []Finding{ok("OAuth credentials structure: Valid (%s application)", kind)}
	if cs.ClientID != "" {
		findings = append(findings, ok("Client ID: %s", Mask(cs.ClientID)))
	} else {
		findings = append(findings, fail("Client ID: Missing"))
	}
	if cs.ClientSecret != "" {
		findings = append(findings, ok("Client Secret: Present"))
	} else {
		findings = append(findings, fail("Client Secret: Missing"))
	}
	findings = append(findings, ok("Redirect URIs: %d configured", len(cs.RedirectURIs)))
	return findings
}

// DiagnoseToken inspects a stored OAuth token (token.json) against now.
func DiagnoseToken(data []byte, now time.Time) []Finding {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return []Finding{fail("Invalid JSON format: %v", err)}
	}

	var findings []Finding
	for _, name := range []string{"access_token", "refresh_token"} {
		if v, present := fields[name].(string); present && v != "" {
			findings = append(findings, ok("%s: Present", name))
		} else {
			findings = append(findings, fail("%s: Missing", name))
		}
	}

	raw, _ := fields["token_expiry"].(string)
	if raw == "" {
		raw, _ = fields["expiry"].(string)
	}
	if raw == "" {
		return append(findings, fail("Token expiry: Missing"))
	}

	expiry, err := ParseExpiry(raw)
	if err != nil {
		return append(findings, fail("Token expiry: Cannot parse (%v)", err))
	}
	if expiry.After(now) {
		return append(findings, ok("Token expiry: Valid (not expired, %s left)", expiry.Sub(now).Round(time.Second)))
	}
	return append(findings, warn("Token expiry: Expired %s ago (but can be refreshed)", now.Sub(expiry).Round(time.Second)))
}

// DiagnoseServiceAccount inspects a service account key
// (service-account.json).
func DiagnoseServiceAccount(data []byte) []Finding {
	var sa ServiceAccountKey
	if err := json.Unmarshal(data, &sa); err != nil {
		return []Finding{fail("Invalid JSON format: %v", err)}
	}
	if sa.Type != "service_account" {
		return []Finding{fail("Service account structure: Invalid (type %q)", sa.Type)}
	}

	findings := []Finding{ok("Service account structure: Valid")}
	if sa.ClientEmail != "" {
		findings = append(findings, ok("Client email: %s", sa.ClientEmail))
	} else {
		findings = append(findings, fail("Client email: Missing"))
	}
	if sa.ProjectID != "" {
		findings = append(findings, ok("Project ID: %s", sa.ProjectID))
	} else {
		findings = append(findings, warn("Project ID: Missing"))
	}
	if sa.PrivateKey != "" {
		findings = append(findings, ok("Private key: Present"))
	} else {
		findings = append(findings, fail("Private key: Missing"))
	}
	return findings
}
