// Command agentctl is the CLI client for the control plane: flag-per-
// subcommand dispatch over an on-disk JSON config file, covering signup,
// login, device-login and deployment management.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apiclient "github.com/fleetctl/agentplane/pkg/api/client"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "signup":
		err = commandSignup(args)
	case "login":
		err = commandLogin(args)
	case "deploy":
		err = commandDeploy(args)
	case "device-approve":
		err = commandDeviceApprove(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandSignup(args []string) error {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:8080)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret := resolveSecret(*password)

	cfg, _ := loadConfig()
	applyAPIBase(&cfg, *apiBase)

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Signup(ctx, *email, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("signup successful")
	return nil
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:8080)")
	useDevice := fs.Bool("device", false, "Use the CLI device-authorization flow instead of a direct password login")
	fs.Parse(args)

	cfg, _ := loadConfig()
	applyAPIBase(&cfg, *apiBase)

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}

	if *useDevice {
		token, err := deviceLogin(context.Background(), client)
		if err != nil {
			return err
		}
		cfg.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("login successful")
		return nil
	}

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required (or pass --device for device-code login)")
	}
	secret := resolveSecret(*password)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// deviceLogin runs the CLI device-authorization challenge: start, print the
// user code and verification URL, then poll until approved. Approval itself
// happens out of band (the user visits the verification URL and signs in).
func deviceLogin(ctx context.Context, client *apiclient.Client) (string, error) {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	start, err := client.StartDeviceAuth(startCtx)
	cancel()
	if err != nil {
		return "", err
	}
	expires := time.Duration(start.ExpiresInSeconds) * time.Second
	if expires <= 0 {
		expires = 10 * time.Minute
	}
	interval := time.Duration(start.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(expires)

	fmt.Printf("Visit %s and enter code: %s\n", start.VerificationURL, start.UserCode)
	fmt.Println("Waiting for approval...")

	for {
		if time.Now().After(deadline) {
			return "", errors.New("device authorization timed out")
		}
		time.Sleep(interval)

		pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resp, err := client.PollDeviceAuth(pollCtx, start.DeviceCode)
		cancel()
		if err != nil {
			return "", err
		}
		switch strings.ToLower(resp.Status) {
		case "approved":
			if resp.AccessToken == "" {
				return "", errors.New("authorization approved but tokens unavailable")
			}
			return resp.AccessToken, nil
		case "pending":
			if resp.IntervalSeconds > 0 {
				interval = time.Duration(resp.IntervalSeconds) * time.Second
			}
		case "expired":
			return "", errors.New("device code expired")
		case "consumed":
			return "", errors.New("device code already used")
		default:
			return "", fmt.Errorf("unexpected device status: %s", resp.Status)
		}
	}
}

// commandDeviceApprove runs the credential-holding side of a device-auth
// handshake: a user who is already signed in on one machine approves the
// user code displayed on another machine's 'login --device' prompt.
func commandDeviceApprove(args []string) error {
	fs := flag.NewFlagSet("device-approve", flag.ExitOnError)
	userCode := fs.String("code", "", "User code displayed on the waiting device")
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:8080)")
	fs.Parse(args)

	if strings.TrimSpace(*userCode) == "" {
		return errors.New("--code is required")
	}
	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret := resolveSecret(*password)

	cfg, _ := loadConfig()
	applyAPIBase(&cfg, *apiBase)
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.VerifyDeviceAuth(ctx, *userCode, *email, secret)
	if err != nil {
		return err
	}
	fmt.Printf("device code %s: %s\n", *userCode, resp.Status)
	return nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: agentctl deploy [create|list|get|delete|spawn|stop|restart|logs]")
	}
	sub := args[0]
	rest := args[1:]
	switch sub {
	case "create":
		return deployCreate(rest)
	case "list":
		return deployList(rest)
	case "get":
		return deployGet(rest)
	case "delete":
		return deployDelete(rest)
	case "spawn":
		return deployAction(rest, (*apiclient.Client).SpawnDeployment)
	case "stop":
		return deployAction(rest, (*apiclient.Client).StopDeployment)
	case "restart":
		return deployAction(rest, (*apiclient.Client).RestartDeployment)
	case "logs":
		return deployLogs(rest)
	default:
		return fmt.Errorf("unknown deploy command: %s", sub)
	}
}

func deployCreate(args []string) error {
	fs := flag.NewFlagSet("deploy create", flag.ExitOnError)
	subdomain := fs.String("subdomain", "", "Desired subdomain")
	model := fs.String("model", "", "Agent model identifier")
	systemPrompt := fs.String("system-prompt", "", "Optional system prompt")
	fs.Parse(args)

	if strings.TrimSpace(*subdomain) == "" {
		return errors.New("--subdomain is required")
	}

	client, token, err := authenticatedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := client.CreateDeployment(ctx, token, apiclient.CreateDeploymentInput{
		Subdomain:    *subdomain,
		Model:        *model,
		SystemPrompt: *systemPrompt,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deployment created: %s status=%s\n", d.ID, d.Status)
	return nil
}

func deployList(args []string) error {
	client, token, err := authenticatedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, token)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\n", d.ID, d.Subdomain, d.Status, d.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func deployGet(args []string) error {
	fs := flag.NewFlagSet("deploy get", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, token, err := authenticatedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := client.GetDeployment(ctx, token, *id)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", d.ID, d.Subdomain, d.Status, d.Config.Model)
	return nil
}

func deployDelete(args []string) error {
	fs := flag.NewFlagSet("deploy delete", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, token, err := authenticatedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.DeleteDeployment(ctx, token, *id); err != nil {
		return err
	}
	fmt.Println("deployment deleted")
	return nil
}

func deployAction(args []string, action func(*apiclient.Client, context.Context, string, string) error) error {
	fs := flag.NewFlagSet("deploy action", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, token, err := authenticatedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := action(client, ctx, token, *id); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func deployLogs(args []string) error {
	fs := flag.NewFlagSet("deploy logs", flag.ExitOnError)
	id := fs.String("id", "", "Deployment identifier")
	tail := fs.Int("tail", 200, "Number of trailing lines to fetch")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, token, err := authenticatedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logs, err := client.FetchLogs(ctx, token, *id, *tail)
	if err != nil {
		return err
	}
	fmt.Print(logs)
	return nil
}

func authenticatedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'agentctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func resolveSecret(flagValue string) string {
	secret := strings.TrimSpace(flagValue)
	if secret != "" {
		return secret
	}
	fmt.Print("Password: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return ""
	}
	return string(bytes)
}

func applyAPIBase(cfg *cliConfig, flagValue string) {
	if strings.TrimSpace(flagValue) != "" {
		cfg.APIBaseURL = flagValue
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8080"
	}
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:8080"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8080"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "agentctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("agentctl CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	agentctl signup --email user@example.com [--password secret] [--api http://localhost:8080]
	agentctl login --email user@example.com [--password secret] [--api http://localhost:8080]
	agentctl login --device
	agentctl device-approve --code ABCD-1234 --email user@example.com [--password secret]
	agentctl deploy create --subdomain my-agent --model openai/gpt-5 [--system-prompt "..."]
	agentctl deploy list
	agentctl deploy get --id <deployment-id>
	agentctl deploy delete --id <deployment-id>
	agentctl deploy spawn|stop|restart --id <deployment-id>
	agentctl deploy logs --id <deployment-id> [--tail N]
	agentctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
