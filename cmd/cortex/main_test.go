package main

import (
	"strings"
	"testing"
)

func TestWorkerCommandRefusesWithoutSharedStore(t *testing.T) {
	cmd := newWorkerCommand()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil {
		t.Fatal("worker subcommand should refuse to start")
	}
	if !strings.Contains(err.Error(), "shared session store") {
		t.Fatalf("error %q does not explain the missing store", err)
	}
}
