package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"astral-proxy/internal/infra/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigPath(t *testing.T) {
	t.Setenv("ASTRAL_CONFIG", "")
	c := &cli{cfgFile: "/etc/astral.yaml"}
	if got := c.configPath(); got != "/etc/astral.yaml" {
		t.Errorf("got %q", got)
	}

	c.cfgFile = ""
	t.Setenv("ASTRAL_CONFIG", "/env/config.yaml")
	if got := c.configPath(); got != "/env/config.yaml" {
		t.Errorf("got %q", got)
	}

	t.Setenv("ASTRAL_CONFIG", "")
	if got := c.configPath(); got != "config.yaml" {
		t.Errorf("got %q", got)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "lookup", "users", "encrypt", "doctor", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "astral version "+version) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCommandArgValidation(t *testing.T) {
	if _, err := execute(t, "lookup"); err == nil {
		t.Error("lookup without a player should fail")
	}
	if _, err := execute(t, "encrypt", "a", "b"); err == nil {
		t.Error("encrypt with two values should fail")
	}
	if _, err := execute(t, "nonsense"); err == nil {
		t.Error("unknown command should fail")
	}
}

func TestLookupNeedsCredential(t *testing.T) {
	t.Setenv("ASTRAL_LINK_CREDENTIAL", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, path, "logger:\n  level: warn\n"); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "--config", path, "lookup", "steve")
	if err == nil || !strings.Contains(err.Error(), "link.credential") {
		t.Errorf("expected credential error, got %v", err)
	}
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("ASTRAL_CONFIG_KEY", "")
	if _, err := execute(t, "encrypt", "secret"); err == nil {
		t.Fatal("expected error without ASTRAL_CONFIG_KEY")
	}

	t.Setenv("ASTRAL_CONFIG_KEY", "passphrase")
	out, err := execute(t, "encrypt", "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	out = strings.TrimSpace(out)
	if !strings.HasPrefix(out, "enc:") {
		t.Fatalf("missing enc: prefix: %q", out)
	}
	plain, err := config.DecryptValue(strings.TrimPrefix(out, "enc:"), "passphrase")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "secret" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestDoctorReportsFailures(t *testing.T) {
	t.Setenv("ASTRAL_LINK_CREDENTIAL", "")
	t.Setenv("ASTRAL_LINK_URL", "ws://127.0.0.1:1/socket")
	var out bytes.Buffer
	err := runDoctor(filepath.Join(t.TempDir(), "absent.yaml"), &out)
	if err == nil {
		t.Fatal("expected failing checks without a credential")
	}
	for _, want := range []string{"astral doctor", "[WARN] Config file", "[FAIL] Link credential", "Results:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
