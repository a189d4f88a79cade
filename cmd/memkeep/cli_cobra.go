package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "memkeep",
		Short: "Durable user memory: knowledge items, profile consolidation, contradiction resolution",
		Long: strings.TrimSpace(`memkeep maintains long-term knowledge about users of a conversational
assistant: granular knowledge items, a compact per-user profile, and a
scheduled consolidation pipeline that folds conversations into both.

Contradicting facts are detected on write and superseded instead of
duplicated, so the active view always reflects the latest truth.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newShellCommand())
	root.AddCommand(newConsolidateCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.memkeep config",
		Long:    "Create the default configuration file for a new memkeep installation.",
		Example: "  memkeep onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newShellCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive fact shell (add, search, validate, consolidate)",
		Long:  "Open an interactive shell against one user's knowledge store.",
		Example: strings.Join([]string{
			"  memkeep shell --user alice",
			"  memkeep shell -u alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shellCmd(user)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "default", "User id to operate on")
	return cmd
}

func newConsolidateCommand() *cobra.Command {
	var (
		user     string
		timezone string
		dateMS   int64
	)

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation batch now",
		Long:  "Consolidate a single user, or every user in a timezone cohort, immediately.",
		Example: strings.Join([]string{
			"  memkeep consolidate --user alice",
			"  memkeep consolidate --timezone Europe/Lisbon",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" && timezone == "" {
				return fmt.Errorf("either --user or --timezone is required")
			}
			return consolidateCmd(user, timezone, dateMS)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Consolidate only this user")
	cmd.Flags().StringVarP(&timezone, "timezone", "t", "", "Consolidate every user in this timezone")
	cmd.Flags().Int64Var(&dateMS, "date-ms", 0, "Window end as epoch milliseconds (default: now)")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the cron-driven consolidation scheduler",
		Long:    "Start the scheduler and fire consolidation batches per the configured cron expression.",
		Example: "  memkeep serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd()
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and readiness",
		Example: "  memkeep status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
