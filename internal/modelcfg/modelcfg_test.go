package modelcfg

import (
	"errors"
	"strings"
	"testing"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
)

func TestNormalizeNoModelPicksDefaultForPresentKey(t *testing.T) {
	secrets := domain.Secrets{GoogleAPIKey: "AIza" + strings.Repeat("a", 35)}
	model, err := Normalize("", secrets)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if model != "google/gemini-3-pro-preview" {
		t.Fatalf("model = %q, want google default", model)
	}
}

func TestNormalizeNoModelNoKeyFails(t *testing.T) {
	_, err := Normalize("", domain.Secrets{})
	if !errors.Is(err, apierr.ErrNoModel) {
		t.Fatalf("err = %v, want ErrNoModel", err)
	}
}

func TestNormalizeVendorKeyMismatch(t *testing.T) {
	secrets := domain.Secrets{GoogleAPIKey: "AIza" + strings.Repeat("a", 35)}
	_, err := Normalize("openai/gpt-5", secrets)
	if !errors.Is(err, apierr.ErrModelKeyMismatch) {
		t.Fatalf("err = %v, want ErrModelKeyMismatch", err)
	}
}

func TestNormalizeDeprecatedModelMapped(t *testing.T) {
	secrets := domain.Secrets{GoogleAPIKey: "AIza" + strings.Repeat("a", 35)}
	model, err := Normalize("google/gemini-2-pro", secrets)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if model != "google/gemini-3-pro-preview" {
		t.Fatalf("model = %q, want mapped successor", model)
	}
}

func TestValidateKeysRejectsMalformed(t *testing.T) {
	err := ValidateKeys(domain.Secrets{OpenAIAPIKey: "not-a-key"})
	if !errors.Is(err, apierr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestValidateKeysAcceptsWellFormed(t *testing.T) {
	err := ValidateKeys(domain.Secrets{
		OpenAIAPIKey:    "sk-" + strings.Repeat("a", 48),
		AnthropicAPIKey: "sk-ant-" + strings.Repeat("a", 95),
		GoogleAPIKey:    "AIza" + strings.Repeat("a", 35),
	})
	if err != nil {
		t.Fatalf("ValidateKeys: %v", err)
	}
}
