package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/gateway/gatewaytest"
)

// cliEnv is a config file pointing at a fake remote.
type cliEnv struct {
	remote  *gatewaytest.Server
	cfgPath string
	dbPath  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	remote := gatewaytest.New()
	t.Cleanup(remote.Close)

	dir := t.TempDir()
	env := &cliEnv{
		remote:  remote,
		cfgPath: filepath.Join(dir, "routinesync.yaml"),
		dbPath:  filepath.Join(dir, "routinesync.db"),
	}
	cfg := fmt.Sprintf(`database: %s
api:
  base_url: %s
  timeout: 5s
timezone: UTC
dispatcher:
  backoff_base: 5ms
  backoff_max: 50ms
  poll_interval: 0s
retry:
  base_delay: 1ms
cache:
  refresh_interval: 0s
log:
  level: error
`, env.dbPath, remote.URL())
	require.NoError(t, os.WriteFile(env.cfgPath, []byte(cfg), 0644))
	return env
}

// run executes the root command with the env's config.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(t, context.Background(), args...)
}

func (e *cliEnv) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// runJSON executes a command with --format json and decodes its data.
func (e *cliEnv) runJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	raw, err := e.run(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, raw)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &resp), raw)
	require.Equal(t, "ok", resp.Status)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
}
