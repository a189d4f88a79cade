package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/memkeep/memkeep/pkg/knowledge"
)

func shellCmd(userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	if _, err := eng.store.EnsureUser(ctx, userID, "UTC"); err != nil {
		return err
	}

	fmt.Printf("%s shell for user %q. Type \"help\" for commands, Ctrl+C to exit.\n\n", appName, userID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".memkeep_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
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
			return nil
		}

		runShellCommand(ctx, eng, userID, input)
	}
}

func runShellCommand(ctx context.Context, eng *engine, userID, input string) {
	parts := strings.Fields(input)
	command := parts[0]

	switch command {
	case "help":
		shellHelp()
	case "add":
		shellAdd(ctx, eng, userID, parts[1:])
	case "search":
		shellSearch(ctx, eng, userID, strings.Join(parts[1:], " "))
	case "validate":
		if len(parts) < 2 {
			fmt.Println("Usage: validate <item-id>")
			return
		}
		shellValidate(ctx, eng, userID, parts[1])
	case "memory":
		shellMemory(ctx, eng, userID)
	case "stats":
		shellStats(ctx, eng, userID)
	case "logs":
		shellLogs(ctx, eng, userID)
	case "consolidate":
		shellConsolidate(ctx, eng, userID)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		shellHelp()
	}
}

func shellHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add <type> <area|-> <content...>   Add a fact (contradictions are resolved)")
	fmt.Println("  search <query>                     Search active knowledge items")
	fmt.Println("  validate <item-id>                 Mark an item as user-confirmed")
	fmt.Println("  memory                             Show the profile")
	fmt.Println("  stats                              Item counts by type and area")
	fmt.Println("  logs                               Recent consolidation runs")
	fmt.Println("  consolidate                        Consolidate this user now")
	fmt.Println("  exit                               Leave the shell")
}

func shellAdd(ctx context.Context, eng *engine, userID string, args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: add <type> <area|-> <content...>")
		fmt.Println("  e.g. add fact relationships got married last month")
		return
	}
	area := args[1]
	if area == "-" {
		area = ""
	}

	result := eng.facts.AddTool(ctx, userID, knowledge.AddFactInput{
		Type:    knowledge.ItemType(args[0]),
		Area:    knowledge.LifeArea(area),
		Content: strings.Join(args[2:], " "),
		Source:  knowledge.SourceUserInput,
	})
	if !result.Success {
		fmt.Printf("✗ %s\n", result.Error)
		return
	}
	fmt.Printf("✓ Added %s\n", result.Item.ID)
	if result.Superseded != nil {
		fmt.Printf("  superseded %s (%.2f): %s\n",
			result.Superseded.Item.ID, result.Superseded.Confidence, result.Superseded.Reason)
	}
}

func shellSearch(ctx context.Context, eng *engine, userID, query string) {
	result := eng.facts.SearchTool(ctx, userID, knowledge.SearchQuery{Query: query, Limit: 20})
	if !result.Success {
		fmt.Printf("✗ %s\n", result.Error)
		return
	}
	if len(result.Items) == 0 {
		fmt.Println("No matching items.")
		return
	}
	for _, item := range result.Items {
		area := string(item.Area)
		if area == "" {
			area = "general"
		}
		marker := " "
		if item.ValidatedByUser {
			marker = "✓"
		}
		fmt.Printf("%s [%s] (%s/%s, %.2f) %s\n", marker, item.ID, item.Type, area, item.Confidence, item.Content)
	}
}

func shellValidate(ctx context.Context, eng *engine, userID, itemID string) {
	item, err := eng.facts.Validate(ctx, userID, itemID)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	fmt.Printf("✓ Validated %s (confidence %.2f)\n", item.ID, item.Confidence)
}

func shellMemory(ctx context.Context, eng *engine, userID string) {
	m, err := eng.store.GetOrCreateMemory(ctx, userID)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	fmt.Printf("Profile v%d (last consolidated: %s)\n", m.Version, formatMS(m.LastConsolidatedAtMS))
	printIfSet("Bio", m.Bio)
	printIfSet("Occupation", m.Occupation)
	printIfSet("Family context", m.FamilyContext)
	printListIfSet("Current goals", m.CurrentGoals)
	printListIfSet("Current challenges", m.CurrentChallenges)
	printListIfSet("Top of mind", m.TopOfMind)
	printListIfSet("Values", m.Values)
	for _, p := range m.LearnedPatterns {
		fmt.Printf("  Pattern (%.2f): %s\n", p.Confidence, p.Pattern)
	}
	printIfSet("Communication style", m.CommunicationStyle)
	printIfSet("Feedback preferences", m.FeedbackPreferences)
}

func shellStats(ctx context.Context, eng *engine, userID string) {
	byType, err := eng.store.CountItemsByType(ctx, userID)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	byArea, err := eng.store.CountItemsByArea(ctx, userID)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	fmt.Println("By type:")
	for _, t := range knowledge.AllItemTypes {
		fmt.Printf("  %-12s %d\n", t, byType[t])
	}
	fmt.Println("By area:")
	for _, a := range knowledge.AllLifeAreas {
		fmt.Printf("  %-16s %d\n", a, byArea[a])
	}
}

func shellLogs(ctx context.Context, eng *engine, userID string) {
	logs, err := eng.store.ListConsolidationLogs(ctx, userID, 10)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	if len(logs) == 0 {
		fmt.Println("No consolidation runs yet.")
		return
	}
	for _, row := range logs {
		fmt.Printf("[%s] %s msgs=%d facts=%d updates=%d inferences=%d",
			formatMS(row.CreatedAtMS), row.Status, row.MessagesProcessed,
			row.FactsCreated, row.FactsUpdated, row.InferencesCreated)
		if row.ErrorMessage != "" {
			fmt.Printf(" error=%q", row.ErrorMessage)
		}
		fmt.Println()
	}
}

func shellConsolidate(ctx context.Context, eng *engine, userID string) {
	status, err := eng.orchestrator.ConsolidateUser(ctx, userID, time.Now().UnixMilli())
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}
	if status == knowledge.UserSkipped {
		fmt.Println("Nothing new to consolidate.")
		return
	}
	fmt.Println("✓ Consolidated.")
}

func formatMS(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}

func printIfSet(label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Printf("  %s: %s\n", label, value)
}

func printListIfSet(label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Printf("  %s: %s\n", label, strings.Join(values, "; "))
}
