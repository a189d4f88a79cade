package main

import (
	"bytes"
	"strings"
	"testing"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIRootHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, want := range []string{"onboard", "shell", "consolidate", "serve", "status", "version"} {
		if !strings.Contains(output, want) {
			t.Fatalf("help missing %q:\n%s", want, output)
		}
	}
}

func TestCLIConsolidateRequiresTarget(t *testing.T) {
	_, err := runRootCommandForTest("consolidate")
	if err == nil || !strings.Contains(err.Error(), "--user or --timezone") {
		t.Fatalf("expected target requirement error, got %v", err)
	}
}

func TestCLIUnknownCommand(t *testing.T) {
	if _, err := runRootCommandForTest("bogus"); err == nil {
		t.Fatalf("expected error for unknown subcommand")
	}
}
