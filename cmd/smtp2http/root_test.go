package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp2http/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "email_config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCheckConfig(t *testing.T) {
	path := writeConfig(t, `{
  "email_endpoints": {"Ops@Example.com": "https://hooks.example.com/ops"},
  "allowed_senders": ["boss@corp.com"]
}`)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ops@example.com -> https://hooks.example.com/ops")
	assert.Contains(t, out.String(), "  boss@corp.com")
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `{"email_endpoints": {"ops@example.com": "not a url"}}`)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestCheckConfig_MissingFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config", "--config", filepath.Join(t.TempDir(), "missing.json")})

	require.Error(t, cmd.Execute())
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `{"email_endpoints": {}, "allowed_senders": []}`)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	cfg.SMTP.Listen = "127.0.0.1:0"
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.TLS.Disabled = true
	cfg.Logging.KnownFile = filepath.Join(dir, "known.log")
	cfg.Logging.UnknownFile = filepath.Join(dir, "unknown.log")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	assert.FileExists(t, cfg.Logging.KnownFile)
	assert.FileExists(t, cfg.Logging.UnknownFile)
}

func TestRun_ListenError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `{}`)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	cfg.SMTP.Listen = "256.0.0.1:bad"
	cfg.TLS.Disabled = true
	cfg.Logging.KnownFile = filepath.Join(dir, "known.log")
	cfg.Logging.UnknownFile = filepath.Join(dir, "unknown.log")

	require.Error(t, run(context.Background(), cfg))
}
