// imbridge - IM platform connection gateway
// License: MIT
//
// Copyright (c) 2026 imbridge contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"imbridge/pkg/agent"
	"imbridge/pkg/bus"
	"imbridge/pkg/channels"
	"imbridge/pkg/config"
	"imbridge/pkg/logger"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	// a .env next to the binary is optional; process env always wins
	if err := loadEnvFile(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Error loading .env: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard":
		onboard()
	case "gateway":
		gatewayCmd()
	case "console":
		consoleCmd()
	case "status":
		statusCmd()
	case "version", "--version", "-v":
		fmt.Printf("imbridge v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("imbridge - IM platform connection gateway v%s\n\n", version)
	fmt.Println("Usage: imbridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Write a default config file")
	fmt.Println("  gateway     Start the gateway (all enabled channels)")
	fmt.Println("  console     Talk to the runtime from a local prompt")
	fmt.Println("  status      Show configuration status")
	fmt.Println("  version     Show version information")
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("imbridge is ready!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add channel credentials to", configPath)
	fmt.Println("  2. Point runtime.url at your message processor")
	fmt.Println("  3. Start the gateway: imbridge gateway")
}

func gatewayCmd() {
	applyDebugFlag()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(cfg)

	msgBus := bus.NewMessageBus()
	runtime := buildRuntime(cfg)
	dispatcher := agent.NewDispatcher(msgBus, runtime)

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", enabledChannels)
	} else {
		fmt.Println("⚠ Warning: No channels enabled")
	}

	fmt.Printf("✓ Gateway started on %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}

	go dispatcher.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	channelManager.StopAll(shutdownCtx)
	fmt.Println("✓ Gateway stopped")
}

// buildRuntime picks the external HTTP processor when configured, otherwise a
// local echo stand-in so the wiring can be exercised without one.
func buildRuntime(cfg *config.Config) agent.Runtime {
	if cfg.Runtime.URL != "" {
		logger.InfoCF("agent", "Using HTTP runtime", map[string]interface{}{
			"url": cfg.Runtime.URL,
		})
		return agent.NewHTTPRuntime(cfg.Runtime.URL, time.Duration(cfg.Runtime.TimeoutSeconds)*time.Second)
	}

	logger.WarnC("agent", "No runtime configured, echoing messages back")
	return agent.RuntimeFunc(func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		return "echo: " + msg.Content, nil
	})
}

func consoleCmd() {
	applyDebugFlag()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(cfg)

	runtime := buildRuntime(cfg)
	sessionKey := "console:local"

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".imbridge_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("Console mode (Ctrl+C to exit)")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		reply, err := runtime.Process(ctx, bus.InboundMessage{
			Channel:    "console",
			SenderID:   "local",
			ChatID:     "local",
			Content:    input,
			SessionKey: sessionKey,
		})
		cancel()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		fmt.Printf("\n%s\n\n", reply)
	}
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()

	fmt.Println("imbridge Status")
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗ (using defaults + env)")
	}

	if cfg.Runtime.URL != "" {
		fmt.Println("Runtime:", cfg.Runtime.URL)
	} else {
		fmt.Println("Runtime: not set (echo mode)")
	}

	status := func(enabled bool) string {
		if enabled {
			return "enabled"
		}
		return "disabled"
	}
	fmt.Println("DingTalk:", status(cfg.Channels.DingTalk.Enabled))
	fmt.Println("WeCom:", status(cfg.Channels.WeCom.Enabled))
	fmt.Println("QQ:", status(cfg.Channels.QQ.Enabled))
	fmt.Println("Feishu:", status(cfg.Channels.Feishu.Enabled))

	data, err := json.MarshalIndent(cfg.Channels, "", "  ")
	if err == nil && hasDebugFlag() {
		fmt.Println("\nChannels config:")
		fmt.Println(string(data))
	}
}

func applyDebugFlag() {
	if hasDebugFlag() {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}
}

func hasDebugFlag() bool {
	for _, arg := range os.Args[2:] {
		if arg == "--debug" || arg == "-d" {
			return true
		}
	}
	return false
}

func applyLogLevel(cfg *config.Config) {
	if hasDebugFlag() {
		return
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
}

func getConfigPath() string {
	if path := os.Getenv("IMBRIDGE_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imbridge", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}
