package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRoot_HasExpectedCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range GetRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "chat", "status"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestRoot_Version(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "remi version "+GetVersion())
}

func TestStatus_StoppedWhenNoDaemon(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfgPath := filepath.Join(t.TempDir(), "absent.json")
	out, err := execute(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")
}

func TestRoot_UnknownCommandFails(t *testing.T) {
	_, err := execute(t, "bogus")
	assert.Error(t, err)
}
