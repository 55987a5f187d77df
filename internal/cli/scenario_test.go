package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: claim_and_complete
description: "A claimed operation completes and is cleared"
steps:
  - action: enqueue
    data_type: check_in
    operation: create
    table: check_ins
    data: { attendee_id: "a-1" }
  - action: process_next
    expect: { id: op-1 }
  - action: update
    id: op-1
    status: completed
  - action: complete
  - action: clear_completed
    expect: { result: "removed:1" }
assertions:
  - type: total
    count: 0
`

const failingScenario = `
name: wrong_claim
description: "Expects the wrong id"
steps:
  - action: enqueue
    data_type: event
    operation: create
    table: events
  - action: process_next
    expect: { id: op-2 }
`

func writeScenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestScenario_UpdateThenCompare(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"claim.yaml": passingScenario})

	out, err := execute(t, "scenario", dir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ claim_and_complete (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "claim_and_complete.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"claim_and_complete"`)

	out, err = execute(t, "scenario", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ claim_and_complete")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenario_GoldenMismatch(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"claim.yaml": passingScenario})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "claim_and_complete.golden"), []byte(`{}`), 0644))

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "does not match golden file")
}

func TestScenario_FailuresAndFilter(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"claim.yaml":  passingScenario,
		"wrong.yaml":  failingScenario,
		"broken.yaml": "name: [",
	})

	out, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_claim")
	assert.Contains(t, out, `expected id "op-2", got "op-1"`)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "1 passed, 2 failed, 3 total")

	out, err = execute(t, "scenario", dir, "--filter", "cl*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenario_JSONOutput(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"wrong.yaml": failingScenario})

	out, err := execute(t, "scenario", dir, "--format", "json")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
	summary := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), summary["failed"])
}

func TestScenario_MissingDir(t *testing.T) {
	_, err := execute(t, "scenario", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenario_RepoScenarios(t *testing.T) {
	out, err := execute(t, "scenario", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ All scenarios passed")
}
