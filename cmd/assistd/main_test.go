package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"scheduler":{"enabled":true}}`), 0o600))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"storage":{"driver":"mongo"}}`), 0o600))

	out, err := runCLI(t, "check", "--config", good, "--env-file", "")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	_, err = runCLI(t, "check", "--config", bad, "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestEnvFileFeedsConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("storage:\n  driver: ${ASSISTD_CLI_TEST_DRIVER}\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ASSISTD_CLI_TEST_DRIVER") })

	_, err := runCLI(t, "check", "--config", cfg, "--env-file", filepath.Join(dir, "missing.env"))
	require.NoError(t, err, "missing env files are skipped and an empty driver disables storage")

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("ASSISTD_CLI_TEST_DRIVER=mongo\n"), 0o600))
	_, err = runCLI(t, "check", "--config", cfg, "--env-file", envFile)
	require.Error(t, err, "value from the env file reaches the config")
}
