package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "routinesync", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"whoami", "login", "logout", "routines", "complete", "today", "drain", "pending", "stats", "run", "test"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestRoutinesSubcommands(t *testing.T) {
	cmd, _, err := NewRootCommand().Find([]string{"routines"})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"list", "show", "create", "update", "delete", "refresh"} {
		assert.True(t, names[want], "missing routines subcommand %q", want)
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	flags := cmd.PersistentFlags()

	for _, name := range []string{"verbose", "format", "db", "config"} {
		assert.NotNil(t, flags.Lookup(name), "missing flag %q", name)
	}
	assert.Equal(t, "v", flags.Lookup("verbose").Shorthand)
	assert.Equal(t, "text", flags.Lookup("format").DefValue)
}

func TestCompleteCommandFlags(t *testing.T) {
	cmd := NewCompleteCommand(&RootOptions{})
	assert.NotNil(t, cmd.Flags().Lookup("undo"))
}

func TestStatsCommandFlags(t *testing.T) {
	cmd := NewStatsCommand(&RootOptions{})
	for _, name := range []string{"month", "tz", "remote"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %q", name)
	}
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewTestCommand(&RootOptions{})
	assert.NotNil(t, cmd.Flags().Lookup("update"))
	assert.NotNil(t, cmd.Flags().Lookup("filter"))
}

func TestCommandHelp(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "routinesync")
	assert.Contains(t, buf.String(), "routines")
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
}

func TestFormatValidationIntegration(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--format", "xml", "whoami"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestBadConfigIsCommandError(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--config", "/nonexistent/routinesync.yaml", "whoami"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestMain_ExitCodes(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	assert.Equal(t, ExitSuccess, Main([]string{"--help"}, out, errOut))

	errOut.Reset()
	code := Main([]string{"--config", "/nonexistent/routinesync.yaml", "whoami"}, out, errOut)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut.String(), "Error [COMMAND]: failed to load config")
}

func TestMain_JSONError(t *testing.T) {
	errOut := &bytes.Buffer{}
	code := Main([]string{"--format", "json", "--config", "/nonexistent/routinesync.yaml", "whoami"}, &bytes.Buffer{}, errOut)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut.String(), `"status":"error"`)
	assert.Contains(t, errOut.String(), `"code":"COMMAND"`)
}

func TestMain_JSONErrorDetails(t *testing.T) {
	env := newCLIEnv(t)
	errOut := &bytes.Buffer{}
	code := Main([]string{"--format", "json", "--config", env.cfgPath,
		"routines", "create", "--name", " ", "--start", "2025-01-01"}, &bytes.Buffer{}, errOut)
	assert.Equal(t, ExitFailure, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(errOut.Bytes(), &resp), errOut.String())
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
	require.NotNil(t, resp.Error.Details)
	assert.Equal(t, "routine.create", resp.Error.Details.Op)
	assert.Equal(t, "name", resp.Error.Details.Field)
	assert.False(t, resp.Error.Details.Retryable)
	assert.Equal(t, ExitFailure, resp.Error.Details.ExitCode)
}
