// Package modelcfg validates and normalizes the tenant-chosen model and
// vendor API keys, using the same sentinel-error style as the rest of the
// core.
package modelcfg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
)

// deprecated maps a retired model name to its successor. Applied before any
// other check.
var deprecated = map[string]string{
	"google/gemini-2-pro":      "google/gemini-3-pro-preview",
	"anthropic/claude-3-opus":  "anthropic/claude-4-sonnet",
	"openai/gpt-4":             "openai/gpt-5",
}

var defaultModels = []string{
	"google/gemini-3-pro-preview",
	"anthropic/claude-4-sonnet",
	"openai/gpt-5",
}

var keyFormats = map[string]*regexp.Regexp{
	"google":    regexp.MustCompile(`^AIza[0-9A-Za-z\-_]{35}$`),
	"openai":    regexp.MustCompile(`^sk-[a-zA-Z0-9]{48,}$`),
	"anthropic": regexp.MustCompile(`^sk-ant-[a-zA-Z0-9\-_]{95,}$`),
}

var telegramKeyFormat = regexp.MustCompile(`^\d{8,10}:[a-zA-Z0-9_-]{35}$`)

func vendorOf(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	return ""
}

func availableKey(secrets domain.Secrets, vendor string) string {
	switch vendor {
	case "google":
		return secrets.GoogleAPIKey
	case "anthropic":
		return secrets.AnthropicAPIKey
	case "openai":
		return secrets.OpenAIAPIKey
	default:
		return ""
	}
}

// ValidateKeys checks each present vendor credential against its format
// regex; called before orchestration accepts the secrets.
func ValidateKeys(secrets domain.Secrets) error {
	checks := []struct {
		vendor string
		value  string
	}{
		{"google", secrets.GoogleAPIKey},
		{"openai", secrets.OpenAIAPIKey},
		{"anthropic", secrets.AnthropicAPIKey},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if !keyFormats[c.vendor].MatchString(c.value) {
			return fmt.Errorf("%w: malformed %s api key", apierr.ErrInvalidArgument, c.vendor)
		}
	}
	if secrets.TelegramBotToken != "" && !telegramKeyFormat.MatchString(secrets.TelegramBotToken) {
		return fmt.Errorf("%w: malformed telegram bot token", apierr.ErrInvalidArgument)
	}
	return nil
}

// Normalize applies the deprecated-model mapping, picks a default model when
// none was requested, and verifies the chosen model's vendor prefix matches
// an available key.
func Normalize(requested string, secrets domain.Secrets) (string, error) {
	model := requested
	if mapped, ok := deprecated[model]; ok {
		model = mapped
	}

	if model == "" {
		for _, candidate := range defaultModels {
			if availableKey(secrets, vendorOf(candidate)) != "" {
				return candidate, nil
			}
		}
		return "", apierr.ErrNoModel
	}

	vendor := vendorOf(model)
	if availableKey(secrets, vendor) == "" {
		return "", apierr.ErrModelKeyMismatch
	}
	return model, nil
}
