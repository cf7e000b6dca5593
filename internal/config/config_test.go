// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "floragate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 8086 {
		t.Errorf("server.port = %d, want 8086", cfg.Server.Port)
	}
	if cfg.Broker.URL != "nats://127.0.0.1:4222" {
		t.Errorf("broker.url = %q", cfg.Broker.URL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q", cfg.Logging.Format)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9000
broker:
  embedded: true
users:
  - id: alice
    email: alice@example.com
    username: alice-aio
    secret: hunter2
    topics:
      - alice-aio/feeds/zone1.temp/json
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if !cfg.Broker.Embedded {
		t.Error("broker.embedded not applied")
	}
	if len(cfg.Users) != 1 || cfg.Users[0].Username != "alice-aio" {
		t.Errorf("users = %+v", cfg.Users)
	}
	if len(cfg.Users[0].Topics) != 1 {
		t.Errorf("topics = %v", cfg.Users[0].Topics)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9000\n")
	t.Setenv("FLORAGATE_SERVER_PORT", "9100")
	t.Setenv("FLORAGATE_LOGGING_LEVEL", "debug")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("server.port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "invalid port",
			yaml: "server:\n  port: 0\n",
			want: "Port",
		},
		{
			name: "user without username",
			yaml: "users:\n  - id: alice\n    secret: s\n",
			want: "Username",
		},
		{
			name: "duplicate user ids",
			yaml: "users:\n  - id: a\n    username: u1\n    secret: s\n  - id: a\n    username: u2\n    secret: s\n",
			want: "duplicate user id",
		},
		{
			name: "encrypted secret without key",
			yaml: "users:\n  - id: a\n    username: u\n    secret: \"enc:AAAA\"\n",
			want: "credential_key",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(writeConfigFile(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("deployment-key")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, err := enc.Encrypt("aio-api-key-123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "enc:") {
		t.Errorf("ciphertext %q missing prefix", ciphertext)
	}

	plain, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "aio-api-key-123" {
		t.Errorf("plain = %q", plain)
	}
}

func TestEncryptorRejectsWrongKey(t *testing.T) {
	enc1, _ := NewEncryptor("key-one")
	enc2, _ := NewEncryptor("key-two")

	ciphertext, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptorEmptyKey(t *testing.T) {
	if _, err := NewEncryptor(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("err = %v, want ErrEmptyKey", err)
	}
}

func TestResolveUsersDecryptsSecrets(t *testing.T) {
	enc, err := NewEncryptor("deployment-key")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	ciphertext, err := enc.Encrypt("broker-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cfg := Default()
	cfg.Security.CredentialKey = "deployment-key"
	cfg.Users = []UserEntry{
		{ID: "alice", Email: "alice@example.com", Username: "alice-aio", Secret: ciphertext},
		{ID: "bob", Username: "bob-aio", Secret: "plaintext-ok"},
	}

	users, err := cfg.ResolveUsers()
	if err != nil {
		t.Fatalf("ResolveUsers: %v", err)
	}
	if users[0].Credential.Secret != "broker-secret" {
		t.Errorf("alice secret = %q", users[0].Credential.Secret)
	}
	if users[1].Credential.Secret != "plaintext-ok" {
		t.Errorf("bob secret = %q", users[1].Credential.Secret)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"abc":       "****",
		"abcdefgh":  "****efgh",
		"key-12345": "****2345",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
