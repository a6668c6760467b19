// ABOUTME: Entry point for the tabpilot control plane
// ABOUTME: Serves the gateway and offers operator commands against a running instance

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/tabpilot/internal/config"
	"github.com/2389/tabpilot/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _        _           _ _       _
 | |_ __ _| |__  _ __ (_) | ___ | |_
 | __/ _' | '_ \| '_ \| | |/ _ \| __|
 | || (_| | |_) | |_) | | | (_) | |_
  \__\__,_|_.__/| .__/|_|_|\___/ \__|
                |_|
`

func usage() {
	fmt.Println("Usage: tabpilot <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the control plane")
	fmt.Println("  init                        Write a starter config file")
	fmt.Println("  health                      Check readiness of a running instance")
	fmt.Println("  daemons                     List supervised daemons")
	fmt.Println("  logs <daemon>               Show buffered daemon output")
	fmt.Println("  exec <payload>              Execute a payload through the relay")
	fmt.Println("  capture <daemon> [name]     Screenshot a browser daemon")
	fmt.Println("  token [subject]             Mint an API token from the configured secret")
	fmt.Println()
	fmt.Println("The config file is read from $TABPILOT_CONFIG or", config.DefaultPath())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "daemons":
		err = runDaemons(ctx)
	case "logs":
		err = runLogs(ctx, args)
	case "exec":
		err = runExec(ctx, args)
	case "capture":
		err = runCapture(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Relay:     %s\n", cfg.Relay.URL)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	for _, d := range cfg.Daemons {
		green.Print("    ▶ ")
		fmt.Printf("Daemon:    %s ", d.ID)
		gray.Printf("(%s, %s)", d.Kind, d.Command)
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: set auth.jwt_secret to require tokens")
	}
	fmt.Println()

	logger.Info("starting tabpilot",
		"config", configPath,
		"relay", cfg.Relay.URL,
		"http_addr", cfg.Server.HTTPAddr,
		"daemons", len(cfg.Daemons),
	)

	gw, err := gateway.New(cfg, logger, gateway.Options{})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit() error {
	path := config.DefaultPath()
	if err := config.WriteTemplate(path); err != nil {
		if errors.Is(err, config.ErrConfigExists) {
			color.Yellow("Config already exists at %s, leaving it alone.", path)
			return nil
		}
		return err
	}

	color.Green("  ✓ Created config: %s", path)
	fmt.Println()
	fmt.Println("  Edit the relay url and daemon commands, then:")
	fmt.Println("    export TABPILOT_JWT_SECRET=$(openssl rand -base64 32)")
	fmt.Println("    tabpilot serve")
	return nil
}
