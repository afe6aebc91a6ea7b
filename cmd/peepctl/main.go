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

	"golang.org/x/term"

	"github.com/riftline/previewctl/pkg/apiclient"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	AdminToken string `json:"admin_token"`
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
	case "list":
		err = commandList(args)
	case "get":
		err = commandGet(args)
	case "cleanup":
		err = commandCleanup(args)
	case "queue-stats":
		err = commandQueueStats(args)
	case "job":
		err = commandJob(args)
	case "configure":
		err = commandConfigure(args)
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

func commandConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	apiBase := fs.String("api", "", "Controller base URL")
	token := fs.String("token", "", "Admin bearer token (omit to be prompted, hidden)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	secret := strings.TrimSpace(*token)
	if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Admin token (leave blank to keep unset): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret != "" {
		cfg.AdminToken = secret
	}

	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("configuration saved")
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		fmt.Printf("%d\t%s\t%s\t%s\n", dep.PRNumber, dep.Status, dep.Branch, dep.TunnelURL)
	}
	return nil
}

func commandGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peepctl get <pr>")
	}
	pr, err := parsePR(fs.Arg(0))
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.GetDeployment(ctx, pr)
	if err != nil {
		return err
	}
	return printJSON(dep)
}

func commandCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	maxAgeHours := fs.Int("max-age", 24, "Sweep deployments older than this many hours")
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := client.Cleanup(ctx, time.Duration(*maxAgeHours)*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d deployment(s)\n", swept)
	return nil
}

func commandQueueStats(args []string) error {
	fs := flag.NewFlagSet("queue-stats", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := client.GetQueueStats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func commandJob(args []string) error {
	fs := flag.NewFlagSet("job", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peepctl job <id>")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	job, err := client.GetJob(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(job)
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithAdminToken(cfg.AdminToken))
}

func parsePR(s string) (int, error) {
	var pr int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &pr); err != nil {
		return 0, fmt.Errorf("invalid pr number %q", s)
	}
	return pr, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:3000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:3000"
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
	return filepath.Join(base, "peepctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peepctl CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peepctl configure --api http://localhost:3000 --token <admin-token>
	peepctl list
	peepctl get <pr>
	peepctl cleanup [--max-age hours]
	peepctl queue-stats
	peepctl job <id>
	peepctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
