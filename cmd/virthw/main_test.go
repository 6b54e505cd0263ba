package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestInitConfigWritesFile(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()
	configPath = ""

	output := captureOutput(t, func() {
		if err := runInitConfig(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runInitConfig returned error: %v", err)
		}
	})

	path := filepath.Join(workspace, "config.yaml")
	if !strings.Contains(output, path) {
		t.Fatalf("expected path in output, got: %s", output)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}

func TestTemplatesListsBuiltins(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()
	configPath = ""

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	output := captureOutput(t, func() {
		if err := runTemplates(cmd, nil); err != nil {
			t.Fatalf("runTemplates returned error: %v", err)
		}
	})

	for _, name := range []string{"inference_worker", "cognitive_kernel", "red_team_adversary"} {
		if !strings.Contains(output, name) {
			t.Fatalf("expected template %s in output, got: %s", name, output)
		}
	}
}

func TestStatusShowsHostCeilings(t *testing.T) {
	logger = zap.NewNop()
	workspace = t.TempDir()
	configPath = ""

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	output := captureOutput(t, func() {
		if err := runStatus(cmd, nil); err != nil {
			t.Fatalf("runStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "host ceilings") {
		t.Fatalf("expected host ceilings in output, got: %s", output)
	}
	if !strings.Contains(output, "bare_metal") {
		t.Fatalf("expected registered device types in output, got: %s", output)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
