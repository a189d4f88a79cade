// memkeep - durable user memory for conversational assistants
// License: MIT
//
// Copyright (c) 2026 memkeep contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/memkeep/memkeep/pkg/config"
	"github.com/memkeep/memkeep/pkg/knowledge"
	"github.com/memkeep/memkeep/pkg/logger"
	"github.com/memkeep/memkeep/pkg/providers"
	"github.com/memkeep/memkeep/pkg/schedule"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "memkeep"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	_ = godotenv.Load()

	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memkeep", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// engine bundles the wired subsystems behind the CLI commands.
type engine struct {
	cfg          *config.Config
	store        *knowledge.SQLiteStore
	facts        *knowledge.FactService
	orchestrator *knowledge.Orchestrator
}

func (e *engine) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func buildEngine(cfg *config.Config) (*engine, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	store, err := knowledge.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	detector := knowledge.NewDetector(provider, knowledge.DetectorConfig{
		Temperature:    cfg.Contradiction.Temperature,
		MaxTokens:      cfg.Contradiction.MaxTokens,
		BatchMaxTokens: cfg.Contradiction.BatchMaxTokens,
	})
	resolution := knowledge.NewResolution(store, detector, knowledge.ResolutionConfig{
		Threshold:  cfg.Contradiction.Threshold,
		ScopeLimit: cfg.Contradiction.ScopeLimit,
	})
	facts := knowledge.NewFactService(store, resolution)
	orchestrator := knowledge.NewOrchestrator(store, provider, facts, knowledge.OrchestratorConfig{
		KnowledgeContextLimit: cfg.Consolidation.KnowledgeContextLimit,
		Concurrency:           cfg.Consolidation.Concurrency,
		MaxTokens:             cfg.Consolidation.MaxTokens,
		Temperature:           cfg.Consolidation.Temperature,
		VersionRetries:        cfg.Consolidation.VersionRetries,
	})

	return &engine{cfg: cfg, store: store, facts: facts, orchestrator: orchestrator}, nil
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your API key to", configPath)
	fmt.Println("     Get one at: https://openrouter.ai/keys")
	fmt.Println("  2. Try the fact shell: memkeep shell --user me")
	fmt.Println("  3. Run a consolidation: memkeep consolidate --user me")
	fmt.Println("  4. Check readiness: memkeep status")
	return nil
}

func consolidateCmd(userID, timezone string, dateMS int64) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	summary, err := eng.orchestrator.Run(context.Background(), knowledge.ConsolidationTrigger{
		UserID:   userID,
		Timezone: timezone,
		DateMS:   dateMS,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Processed:    %d\n", summary.UsersProcessed)
	fmt.Printf("Consolidated: %d\n", summary.UsersConsolidated)
	fmt.Printf("Skipped:      %d\n", summary.UsersSkipped)
	if len(summary.Errors) > 0 {
		fmt.Printf("Errors:       %d\n", len(summary.Errors))
		for _, ue := range summary.Errors {
			fmt.Printf("  %s: %s\n", ue.UserID, ue.Err)
		}
	}
	return nil
}

func serveCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	scheduler, err := schedule.NewScheduler(eng.orchestrator, cfg.Scheduler.Cron, cfg.Scheduler.Timezones)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Start(ctx)
	fmt.Printf("%s scheduler running (cron %q). Ctrl+C to stop.\n", appName, cfg.Scheduler.Cron)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	fmt.Println("✓ Scheduler stopped")
	return nil
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗")
	}

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err == nil {
		fmt.Println("Knowledge DB:", dbPath, "✓")
	} else {
		fmt.Println("Knowledge DB:", dbPath, "not initialized")
	}

	fmt.Printf("Model: %s\n", cfg.Providers.OpenRouter.Model)

	ready := "not set"
	if strings.TrimSpace(cfg.GetAPIKey()) != "" {
		ready = "✓"
	}
	fmt.Println("OpenRouter API:", ready)
	fmt.Println("Scheduler enabled:", cfg.Scheduler.Enabled)
	return nil
}
