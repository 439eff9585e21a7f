package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"transfergov", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunDispatchesServe(t *testing.T) {
	called := false
	orig := startServe
	startServe = func(args []string, stdout, stderr io.Writer) int {
		called = true
		return 0
	}
	defer func() { startServe = orig }()

	code := Run([]string{"transfergov", "serve"}, io.Discard, io.Discard)
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func writeFixture(t *testing.T, propostas string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "propostas.csv"), []byte(propostas), 0o600))
	return dir
}

func TestDryRunCleanInputExitsZero(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := writeFixture(t, "ID_PROPOSTA;OBJETO;UF\nP-1;Escola;SP\n")

	var out, errOut bytes.Buffer
	code := Run([]string{"transfergov", "run", "--dry-run",
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--input", dir}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	entities := report["entities_found"].(map[string]any)
	assert.Equal(t, float64(1), entities["proposta"])
}

func TestDryRunValidationErrorsExitTwo(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := writeFixture(t, "ID_PROPOSTA;OBJETO;UF\nP-1;Escola;SP\n;Sem id;RJ\n")

	var out, errOut bytes.Buffer
	code := Run([]string{"transfergov", "run", "--dry-run",
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--input", dir}, &out, &errOut)
	assert.Equal(t, 2, code)

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.NotEmpty(t, report["validation_errors"])
}

func TestDryRunMissingInputExitsOne(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	var out, errOut bytes.Buffer
	code := Run([]string{"transfergov", "run", "--dry-run",
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--input", t.TempDir()}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "no input files")
}
