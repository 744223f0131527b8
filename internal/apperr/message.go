package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Message converts err into the text shown to a human. It is the only place
// where error kinds are mapped to wording; handlers and commands must not
// format errors themselves.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return "❌ Unexpected error: " + err.Error()
	}

	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}

	switch e.Kind {
	case KindConfig:
		if len(e.Fields) > 0 {
			return fmt.Sprintf("❌ Configuration error: missing or invalid %s. %s Fix the secret and restart the service.",
				quoteAll(e.Fields), detail)
		}
		return fmt.Sprintf("❌ Configuration error: %s. Fix the secret and restart the service.", detail)
	case KindAuth:
		if len(e.Fields) > 0 {
			return fmt.Sprintf("❌ Authentication failed: %s was rejected (%s). Run `apple authorize` to obtain a new credential, update the secret and restart.",
				quoteAll(e.Fields), detail)
		}
		return fmt.Sprintf("❌ Authentication failed: %s", detail)
	case KindStorage:
		return fmt.Sprintf("❌ Upload failed: %s. Please try again.", detail)
	case KindImage:
		return fmt.Sprintf("❌ Could not read the image: %s", detail)
	case KindValidation:
		// Fields without a cause are blank required fields.
		if len(e.Fields) > 0 && e.Err == nil {
			return fmt.Sprintf("⚠️ Please fill in: %s / कृपया भरें", strings.Join(e.Fields, ", "))
		}
		return "⚠️ " + detail
	}
	return "❌ " + err.Error()
}

func quoteAll(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = "`" + f + "`"
	}
	return strings.Join(quoted, ", ")
}
