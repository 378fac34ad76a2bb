package core

import (
	"fmt"
	"strings"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
)

// Placeholder values shown in usage text. They are rejected as input.
var (
	tokenPlaceholders       = []string{"YOUR_ACCOUNT_TOKEN", "<ACCOUNT_TOKEN>", "ACCOUNT_TOKEN", "<token>"}
	descriptionPlaceholders = []string{"YOUR_SITE_DESCRIPTION", "<SITE_DESCRIPTION>", "SITE_DESCRIPTION", "<description>"}
)

// InstallRequest carries the operator input for an install. It is never
// persisted and the token is only logged redacted.
type InstallRequest struct {
	AccountToken    string
	SiteDescription string
}

// ValidationError represents invalid operator input or configuration
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Normalize trims surrounding whitespace.
func (r InstallRequest) Normalize() InstallRequest {
	return InstallRequest{
		AccountToken:    strings.TrimSpace(r.AccountToken),
		SiteDescription: strings.TrimSpace(r.SiteDescription),
	}
}

func (r InstallRequest) Validate() error {
	r = r.Normalize()
	if r.AccountToken == "" {
		return ValidationError{Field: "token", Value: "", Message: "account token is required"}
	}
	if isPlaceholder(r.AccountToken, tokenPlaceholders) {
		return ValidationError{Field: "token", Value: r.AccountToken, Message: "replace the example value with your account token"}
	}
	if r.SiteDescription == "" {
		return ValidationError{Field: "description", Value: "", Message: "site description is required"}
	}
	if isPlaceholder(r.SiteDescription, descriptionPlaceholders) {
		return ValidationError{Field: "description", Value: r.SiteDescription, Message: "replace the example value with a description of this site"}
	}
	return nil
}

// RedactedToken is safe to log.
func (r InstallRequest) RedactedToken() string { return host.Redact(r.AccountToken) }

func isPlaceholder(v string, placeholders []string) bool {
	for _, p := range placeholders {
		if strings.EqualFold(v, p) {
			return true
		}
	}
	return false
}
