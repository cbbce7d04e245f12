package main

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rpaflow/rpaflow/utils"
)

func captureOutput(f func()) string {
	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	utils.SetUserOutput(w)
	f()
	w.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		log.Printf("buf.ReadFrom failed: %v", err)
	}
	os.Stdout = orig
	utils.SetUserOutput(orig)
	return buf.String()
}

func captureStderrExit(f func()) (string, int) {
	origStderr := os.Stderr
	origExit := exit
	r, w, _ := os.Pipe()
	os.Stderr = w
	utils.SetInternalOutput(w)
	var buf bytes.Buffer
	exitCode := 0
	exit = func(code int) {
		exitCode = code
		w.Close()
		panic("exit")
	}
	func() {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("panic occurred: %v", err)
			}
		}()
		f()
	}()
	w.Close()
	if _, err := io.Copy(&buf, r); err != nil {
		log.Printf("io.Copy failed: %v", err)
	}
	os.Stderr = origStderr
	utils.SetInternalOutput(origStderr)
	exit = origExit
	return buf.String(), exitCode
}

func writeTempFlow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp flow: %v", err)
	}
	return path
}

const validFlow = `meta:
  name: smoke
steps:
  - id: hello
    action: log
    params:
      message: hi
`

func TestValidateCommand(t *testing.T) {
	path := writeTempFlow(t, validFlow)

	os.Args = []string{"rpaflow", "validate", path}
	out := captureOutput(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if !strings.Contains(out, "Validation OK") {
		t.Errorf("expected Validation OK, got %q", out)
	}
}

func TestValidateCommandMissingFile(t *testing.T) {
	os.Args = []string{"rpaflow", "validate", "/nonexistent/file.yaml"}
	stderr, code := captureStderrExit(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if code != 1 || !strings.Contains(stderr, "YAML parse error") {
		t.Errorf("expected exit 1 and YAML parse error, got code=%d, stderr=%q", code, stderr)
	}
}

func TestValidateCommandSchemaError(t *testing.T) {
	path := writeTempFlow(t, "meta:\n  desc: nameless\nsteps: []\n")

	os.Args = []string{"rpaflow", "validate", path}
	stderr, code := captureStderrExit(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if code != 2 || !strings.Contains(stderr, "Schema validation error") {
		t.Errorf("expected exit 2 and schema error, got code=%d, stderr=%q", code, stderr)
	}
}

func TestSignAndVerifyCommands(t *testing.T) {
	path := writeTempFlow(t, validFlow)
	t.Setenv("RPAFLOW_SIGN_KEY", "cli-test-key")

	os.Args = []string{"rpaflow", "sign", path}
	out := captureOutput(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if !strings.Contains(out, path+".sig") {
		t.Errorf("expected signature path in output, got %q", out)
	}

	os.Args = []string{"rpaflow", "verify", path}
	out = captureOutput(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if !strings.Contains(out, "signature OK") {
		t.Errorf("expected signature OK, got %q", out)
	}
}

func TestVerifyCommandBadKey(t *testing.T) {
	path := writeTempFlow(t, validFlow)
	t.Setenv("RPAFLOW_SIGN_KEY", "cli-test-key")
	os.Args = []string{"rpaflow", "sign", path}
	captureOutput(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})

	t.Setenv("RPAFLOW_SIGN_KEY", "another-key")
	os.Args = []string{"rpaflow", "verify", path}
	_, code := captureStderrExit(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if code != 2 {
		t.Errorf("expected exit 2 for bad key, got %d", code)
	}
}

func TestRunCommand(t *testing.T) {
	path := writeTempFlow(t, validFlow)
	base := t.TempDir()

	os.Args = []string{"rpaflow", "run", path, "--base-dir", base}
	out := captureOutput(func() {
		if err := NewRootCmd().Execute(); err != nil {
			log.Printf("Execute failed: %v", err)
		}
	})
	if !strings.Contains(out, "SUCCEEDED") {
		t.Errorf("expected SUCCEEDED run, got %q", out)
	}
}
