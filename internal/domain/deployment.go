package domain

import "time"

// DeploymentStatus is the lifecycle state of a tenant's agent instance.
type DeploymentStatus string

const (
	StatusIdle         DeploymentStatus = "idle"
	StatusConfiguring  DeploymentStatus = "configuring"
	StatusProvisioning DeploymentStatus = "provisioning"
	StatusStarting     DeploymentStatus = "starting"
	StatusHealthy      DeploymentStatus = "healthy"
	StatusStopped      DeploymentStatus = "stopped"
	StatusError        DeploymentStatus = "error"
	StatusRestarting   DeploymentStatus = "restarting"
)

// Secrets holds per-deployment vendor credentials. At rest every non-empty
// field is stored in the "iv:tag:ciphertext" hex triple form.
type Secrets struct {
	OpenAIAPIKey     string `json:"openaiApiKey,omitempty"`
	AnthropicAPIKey  string `json:"anthropicApiKey,omitempty"`
	GoogleAPIKey     string `json:"googleApiKey,omitempty"`
	TelegramBotToken string `json:"telegramBotToken,omitempty"`
	WebUIToken       string `json:"webUiToken,omitempty"`
}

// AgentConfig is the tenant-chosen model configuration.
type AgentConfig struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Deployment is a tenant's agent instance.
type Deployment struct {
	ID               string
	UserID           string
	Subdomain        string
	Status           DeploymentStatus
	ContainerID      *string
	InternalPort     *int
	Secrets          Secrets
	Config           AgentConfig
	LastHeartbeat    *time.Time
	LastRequestAt    *time.Time
	ErrorMessage     *string
	ProvisioningStep *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Running reports whether the deployment is expected to have a live
// container attached (per the Deployment invariants in the data model).
func (d *Deployment) Running() bool {
	switch d.Status {
	case StatusHealthy, StatusStarting, StatusRestarting:
		return true
	default:
		return false
	}
}

// Redact strips secret material before the record crosses an external
// boundary (API responses, logs).
func (d Deployment) Redact() Deployment {
	d.Secrets = Secrets{}
	return d
}
