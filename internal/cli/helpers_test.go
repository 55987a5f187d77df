package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// useTempStore points the config at a fresh SQLite file shared by every
// command the test runs.
func useTempStore(t *testing.T) {
	t.Helper()
	t.Setenv("SYNCQ_STORE_DSN", "sqlite://"+filepath.Join(t.TempDir(), "queue.db"))
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// executeJSON runs a command with --format json and decodes the response.
func executeJSON(t *testing.T, args ...string) CLIResponse {
	t.Helper()
	out, err := execute(t, append(args, "--format", "json")...)
	require.NoError(t, err, out)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp
}

func enqueueID(t *testing.T, args ...string) string {
	t.Helper()
	resp := executeJSON(t, append([]string{"enqueue"}, args...)...)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func listStatuses(t *testing.T, args ...string) map[string]string {
	t.Helper()
	resp := executeJSON(t, append([]string{"list"}, args...)...)
	items, ok := resp.Data.([]any)
	require.True(t, ok)

	out := make(map[string]string, len(items))
	for _, item := range items {
		op := item.(map[string]any)
		out[op["id"].(string)] = op["status"].(string)
	}
	return out
}
