package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sjoeboo/relay/internal/agent"
	"github.com/sjoeboo/relay/internal/config"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		handleServe(nil)
		return
	}

	switch args[0] {
	case "serve", "run":
		handleServe(args[1:])
	case "models":
		handleModels(args[1:])
	case "config":
		handleConfig(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("relay v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	default:
		if strings.HasPrefix(args[0], "-") {
			// flags without a subcommand belong to serve
			handleServe(args)
			return
		}
		fmt.Printf("Error: unknown command %q\n", args[0])
		fmt.Println("Run 'relay help' for usage.")
		os.Exit(1)
	}
}

// loadConfig registers the shared -config flag on fs, parses args and loads
// the configuration.
func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	path := fs.String("config", "", "Path to config.toml (default: ~/.relay/config.toml)")
	fs.StringVar(path, "c", "", "Path to config.toml (short)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// executorConfig maps the agent settings onto the executor.
func executorConfig(cfg *config.Config) agent.Config {
	a := cfg.Agent
	return agent.Config{
		Command:            a.Command,
		Workdir:            a.Workdir,
		Env:                a.Env,
		MaxConcurrent:      a.MaxConcurrent,
		IdleTimeout:        a.IdleTimeout.Duration,
		HardTimeout:        a.HardTimeout.Duration,
		KillGrace:          a.KillGrace.Duration,
		StatusOnlyProgress: a.StatusOnlyProgress,
		ClassifyTimeout:    a.ClassifyTimeout.Duration,
		ListModelsTimeout:  a.ListModelsTimeout.Duration,
	}
}

// handleModels prints the models the agent reports.
func handleModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: relay models [options]")
		fmt.Println()
		fmt.Println("List the models the agent executable reports.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	cfg := loadConfig(fs, args)

	exec := agent.NewExecutor(executorConfig(cfg))
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ListModelsTimeout.Duration+time.Second)
	defer cancel()

	models := exec.ListModels(ctx)
	if len(models) == 0 {
		fmt.Printf("Error: %s reported no models\n", cfg.Agent.Command)
		os.Exit(1)
	}
	for _, m := range models {
		if m == cfg.Agent.Model {
			fmt.Printf("%s (configured)\n", m)
			continue
		}
		fmt.Println(m)
	}
}

// handleConfig prints the effective configuration as TOML.
func handleConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	showSecrets := fs.Bool("show-secrets", false, "Print tokens and secrets in clear text")
	fs.Usage = func() {
		fmt.Println("Usage: relay config [options]")
		fmt.Println()
		fmt.Println("Print the effective configuration after file, .env and RELAY_* overrides.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	cfg := loadConfig(fs, args)
	if !*showSecrets {
		redact(cfg)
	}
	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

const redacted = "********"

// redact masks every credential in cfg.
func redact(cfg *config.Config) {
	for _, s := range []*string{&cfg.Chat.Token, &cfg.Gateway.Token, &cfg.Gateway.JWTSecret} {
		if *s != "" {
			*s = redacted
		}
	}
}

func printHelp() {
	fmt.Printf("Relay v%s\n", Version)
	fmt.Println("Chat bridge for a local coding agent")
	fmt.Println()
	fmt.Println("Usage: relay [command] [-config path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), serve    Run the bridge")
	fmt.Println("  models           List the models the agent reports")
	fmt.Println("  config           Print the effective configuration")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  relay                                  # Serve with ~/.relay/config.toml")
	fmt.Println("  relay serve -config ./relay.toml       # Serve with a specific config")
	fmt.Println("  relay config                           # Show settings, secrets masked")
	fmt.Println("  relay models                           # Models for /model")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  RELAY_CONFIG            Config file path")
	fmt.Println("  RELAY_CHAT_TOKEN        Bot API token")
	fmt.Println("  RELAY_CHAT_API_BASE     Bot API base URL")
	fmt.Println("  RELAY_CHAT_STREAM_URL   Websocket event stream URL")
	fmt.Println("  RELAY_GATEWAY_LISTEN    Webhook listen address")
	fmt.Println("  RELAY_AGENT_COMMAND     Agent executable")
	fmt.Println("  RELAY_LOG_LEVEL         debug, info, warn, error")
	fmt.Println()
	fmt.Println("Chat commands:")
	fmt.Println("  !help !status !history !clear !stop !send <path>")
	fmt.Println("  /new [task]  /model list|current|reset|<id>  /notify quiet|normal|debug  /agent execute|guide")
}
