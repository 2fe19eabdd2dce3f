// Package materializer writes the per-deployment on-host config files and
// workspace directories a spawned container consumes via bind mounts,
// using explicit os.MkdirAll/os.WriteFile calls and a logged best-effort
// chown.
package materializer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fleetctl/agentplane/internal/domain"
)

// Materializer writes per-deployment config under a shared data root.
type Materializer struct {
	dataPath string
	now      func() time.Time
	logger   *slog.Logger
}

// New constructs a Materializer rooted at dataPath (spec's DATA_PATH).
func New(dataPath string, logger *slog.Logger) *Materializer {
	if logger != nil {
		logger = logger.With("component", "materializer")
	}
	return &Materializer{dataPath: dataPath, now: time.Now, logger: logger}
}

// Paths returns the directory layout for a deployment id.
type Paths struct {
	Root        string
	Config      string
	Data        string
	Workspace   string
	AgentPath   string
	LegacyAgent string
}

// PathsFor computes the Paths for deployment id under dataPath.
func PathsFor(dataPath, id string) Paths {
	root := filepath.Join(dataPath, id)
	data := filepath.Join(root, "data")
	return Paths{
		Root:        root,
		Config:      filepath.Join(root, "config"),
		Data:        data,
		Workspace:   filepath.Join(data, "workspace", "memory"),
		AgentPath:   filepath.Join(data, "agents", "main", "agent"),
		LegacyAgent: filepath.Join(data, "agent"),
	}
}

type openclawDoc struct {
	Agents struct {
		Defaults struct {
			Model struct {
				Primary string `json:"primary"`
			} `json:"model"`
			Workspace string `json:"workspace"`
		} `json:"defaults"`
	} `json:"agents"`
	Gateway struct {
		Port int `json:"port"`
		Auth struct {
			Mode  string `json:"mode"`
			Token string `json:"token"`
		} `json:"auth"`
	} `json:"gateway"`
	Channels struct {
		Telegram struct {
			Enabled      bool     `json:"enabled"`
			BotToken     string   `json:"botToken,omitempty"`
			DMPolicy     string   `json:"dmPolicy"`
			GroupPolicy  string   `json:"groupPolicy"`
			AllowFrom    []string `json:"allowFrom"`
		} `json:"telegram"`
	} `json:"channels"`
	Plugins struct {
		Entries struct {
			Telegram struct {
				Enabled bool `json:"enabled"`
			} `json:"telegram"`
		} `json:"entries"`
	} `json:"plugins"`
}

type authProfile struct {
	Key string `json:"key"`
}

// Materialize writes the full config tree for deployment d at internalPort,
// gated by gatewayToken. It is idempotent: directories are created with
// MkdirAll and files overwritten.
func (m *Materializer) Materialize(d *domain.Deployment, internalPort int, gatewayToken string) error {
	p := PathsFor(m.dataPath, d.ID)
	for _, dir := range []string{p.Config, p.Data, p.Workspace, p.AgentPath, p.LegacyAgent} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("materialize: mkdir %s: %w", dir, err)
		}
	}

	var doc openclawDoc
	doc.Agents.Defaults.Model.Primary = d.Config.Model
	doc.Agents.Defaults.Workspace = p.Workspace
	doc.Gateway.Port = internalPort
	doc.Gateway.Auth.Mode = "token"
	doc.Gateway.Auth.Token = gatewayToken
	doc.Channels.Telegram.Enabled = d.Secrets.TelegramBotToken != ""
	doc.Channels.Telegram.BotToken = d.Secrets.TelegramBotToken
	doc.Channels.Telegram.DMPolicy = "open"
	doc.Channels.Telegram.GroupPolicy = "open"
	doc.Channels.Telegram.AllowFrom = []string{"*"}
	doc.Plugins.Entries.Telegram.Enabled = doc.Channels.Telegram.Enabled

	if err := writeJSONFile(filepath.Join(p.Config, "openclaw.json"), doc, 0o600); err != nil {
		return err
	}

	profiles := map[string]string{
		"google":    d.Secrets.GoogleAPIKey,
		"anthropic": d.Secrets.AnthropicAPIKey,
		"openai":    d.Secrets.OpenAIAPIKey,
	}
	for vendor, key := range profiles {
		if key == "" {
			continue
		}
		name := fmt.Sprintf("%s_default.json", vendor)
		profile := authProfile{Key: key}
		if err := writeJSONFile(filepath.Join(p.AgentPath, name), profile, 0o600); err != nil {
			return err
		}
		if err := writeJSONFile(filepath.Join(p.LegacyAgent, name), profile, 0o600); err != nil {
			return err
		}
	}

	memoryFile := filepath.Join(p.Workspace, m.now().UTC().Format("2006-01-02")+".md")
	header := fmt.Sprintf("# Memory — %s\n", d.ID)
	if err := os.WriteFile(memoryFile, []byte(header), 0o644); err != nil {
		return fmt.Errorf("materialize: write memory file: %w", err)
	}

	if runtime.GOOS != "windows" {
		for _, dir := range []string{p.Config, p.Data, p.Workspace, p.AgentPath, p.LegacyAgent} {
			if err := os.Chown(dir, 1000, 1000); err != nil && m.logger != nil {
				m.logger.Warn("chown failed, continuing", "dir", dir, "error", err)
			}
		}
	}
	return nil
}

func writeJSONFile(path string, v any, mode os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("materialize: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, mode); err != nil {
		return fmt.Errorf("materialize: write %s: %w", path, err)
	}
	return nil
}

// RemoveAll recursively deletes a deployment's data tree (used by remove).
func (m *Materializer) RemoveAll(id string) error {
	return os.RemoveAll(filepath.Join(m.dataPath, id))
}
