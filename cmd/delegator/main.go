package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/delegator/internal/config"
	"github.com/taskmesh/delegator/internal/engine"
)

const (
	colorGreen = "\033[32m"
	colorReset = "\033[0m"
)

func main() {
	configPath := flag.String("config", "configs/delegator.yaml", "Engine configuration file")
	statePath := flag.String("state", "data/state.json", "State snapshot file (use a .db suffix for SQLite)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	e, err := engine.New(cfg, *statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to construct engine: %v\n", err)
		os.Exit(1)
	}

	printBanner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(colorGreen)
	fmt.Printf("  Listening on :%d%s\n", cfg.WebSocket.Port, cfg.WebSocket.Path)
	fmt.Printf("  Embedded broker on port %d (jetStream=%v)\n", cfg.Broker.Port, cfg.Broker.JetStream)
	fmt.Print(colorReset)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	fmt.Println()
	fmt.Println("Shutting down (signal received)...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := e.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}

	fmt.Println("Goodbye!")
}

// loadConfig reads configPath if it exists, falling back to the
// documented defaults when no file has been provisioned yet, the way
// a first run of the engine should not require hand-authored YAML.
func loadConfig(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                 task delegation engine                 ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()
}
