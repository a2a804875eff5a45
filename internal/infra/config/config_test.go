package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"astral-proxy/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Link.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.Link.RequestTimeout)
	}
	if cfg.Cache.BatchSize != 60 {
		t.Errorf("BatchSize = %d, want 60", cfg.Cache.BatchSize)
	}
	if cfg.Cache.TagsTTL != 30*time.Minute {
		t.Errorf("TagsTTL = %v, want 30m", cfg.Cache.TagsTTL)
	}
	if cfg.Tags != domain.DefaultTagSettings() {
		t.Errorf("Tags = %+v, want defaults", cfg.Tags)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-astral-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Link.URL != "wss://astral.winstreak.ws/socket" {
		t.Errorf("expected defaults, got Link.URL=%q", cfg.Link.URL)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
link:
  url: "ws://127.0.0.1:9000/socket"
  credential: "00112233-4455-6677-8899-aabbccddeeff"
  request_timeout: 3s
  channel:
    join: true
    name: "lobby"
cache:
  batch_size: 20
tags:
  urchin: true
  gaps: false
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Link.URL != "ws://127.0.0.1:9000/socket" {
		t.Errorf("Link.URL = %q", cfg.Link.URL)
	}
	if cfg.Link.RequestTimeout != 3*time.Second {
		t.Errorf("RequestTimeout = %v, want 3s", cfg.Link.RequestTimeout)
	}
	if cfg.Link.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want default 5s", cfg.Link.ReconnectDelay)
	}
	if !cfg.Link.Channel.Join || cfg.Link.Channel.Name != "lobby" {
		t.Errorf("Channel = %+v", cfg.Link.Channel)
	}
	if cfg.Cache.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20", cfg.Cache.BatchSize)
	}
	if !cfg.Tags.Urchin || cfg.Tags.Gaps || !cfg.Tags.Blacklist {
		t.Errorf("Tags = %+v", cfg.Tags)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ASTRAL_LOGGER_LEVEL", "debug")
	t.Setenv("ASTRAL_LINK_CREDENTIAL", "env-cred")
	t.Setenv("ASTRAL_LINK_REQUEST_TIMEOUT", "2s")
	t.Setenv("ASTRAL_CACHE_BATCH_SIZE", "15")
	t.Setenv("ASTRAL_URCHIN_ENABLED", "true")
	t.Setenv("ASTRAL_TAGS_NACC", "true")
	t.Setenv("ASTRAL_TAGS_PING", "false")
	t.Setenv("ASTRAL_CONTROL_TOKENS", "a, b")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Link.Credential != "env-cred" {
		t.Errorf("Credential = %q", cfg.Link.Credential)
	}
	if cfg.Link.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Link.RequestTimeout)
	}
	if cfg.Cache.BatchSize != 15 {
		t.Errorf("BatchSize = %d", cfg.Cache.BatchSize)
	}
	if !cfg.Urchin.Enabled {
		t.Error("Urchin.Enabled should be true")
	}
	if !cfg.Tags.Nacc || cfg.Tags.Ping {
		t.Errorf("Tags = %+v", cfg.Tags)
	}
	if len(cfg.Control.Tokens) != 2 || cfg.Control.Tokens[1].Token != "b" {
		t.Errorf("Tokens = %+v", cfg.Control.Tokens)
	}
}

func TestEnvOverridesIgnoreInvalid(t *testing.T) {
	t.Setenv("ASTRAL_LINK_REQUEST_TIMEOUT", "soon")
	t.Setenv("ASTRAL_CACHE_BATCH_SIZE", "-3")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Link.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want default", cfg.Link.RequestTimeout)
	}
	if cfg.Cache.BatchSize != 60 {
		t.Errorf("BatchSize = %d, want default", cfg.Cache.BatchSize)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "00112233-4455-6677-8899-aabbccddeeff"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("err = %v, want ErrDecryption", err)
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "abcdef"},
		{"bad salt", "zz:abcd"},
		{"bad ciphertext", "abcd:zz"},
		{"too short", "abcd:ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptValue(tt.input, "pass"); !errors.Is(err, domain.ErrDecryption) {
				t.Errorf("err = %v, want ErrDecryption", err)
			}
		})
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encCred, err := EncryptValue("cred-plain", passphrase)
	if err != nil {
		t.Fatal(err)
	}
	encToken, err := EncryptValue("token-plain", passphrase)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.Link.Credential = "enc:" + encCred
	cfg.Hypixel.Key = "plain-key"
	cfg.Control.Tokens = []TokenConfig{{Name: "ops", Token: "enc:" + encToken}}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Link.Credential != "cred-plain" {
		t.Errorf("Credential = %q", cfg.Link.Credential)
	}
	if cfg.Hypixel.Key != "plain-key" {
		t.Errorf("Hypixel.Key = %q, should be untouched", cfg.Hypixel.Key)
	}
	if cfg.Control.Tokens[0].Token != "token-plain" {
		t.Errorf("Token = %q", cfg.Control.Tokens[0].Token)
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Link.Credential = "enc:not-valid"
	if err := decryptSecrets(cfg, "pass"); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	plainKey := "hypixel-plain"

	encrypted, err := EncryptValue(plainKey, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
hypixel:
  key: "enc:` + encrypted + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ASTRAL_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hypixel.Key != plainKey {
		t.Errorf("Hypixel.Key = %q, want %q", cfg.Hypixel.Key, plainKey)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("link: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadReadError(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Error("expected error reading a directory")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		mode    os.FileMode
		wantErr bool
	}{
		{0600, false},
		{0644, false},
		{0666, true},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.mode.String())
		if err := os.WriteFile(path, nil, 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, tt.mode); err != nil {
			t.Fatal(err)
		}
		err := validatePermissions(path)
		if (err != nil) != tt.wantErr {
			t.Errorf("mode %o: err = %v, wantErr %v", tt.mode, err, tt.wantErr)
		}
	}
}
