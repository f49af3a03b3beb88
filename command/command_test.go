package command

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"chanrpc/config"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	commandeer := NewRootCommandeer()

	output := &bytes.Buffer{}
	commandeer.cmd.SetOut(output)
	commandeer.cmd.SetErr(output)
	commandeer.cmd.SetArgs(args)

	err := commandeer.Execute()
	return output.String(), err
}

func writeConfig(t *testing.T, encoded string) string {
	path := filepath.Join(t.TempDir(), "chanrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0600))
	return path
}

func TestInvokeValidatesArguments(t *testing.T) {
	path := writeConfig(t, "service: {name: users}")

	_, err := execute(t, "invoke", "--config", path, "users")
	require.EqualError(t, err, "Invoke requires a service and a method")

	_, err = execute(t, "invoke", "--config", path, "users", "ping", "--params", "[1]")
	require.Error(t, err)
}

func TestMissingConfiguration(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestInvokePush(t *testing.T) {

	// nobody listens on the memory layer of a fresh process, a push still succeeds
	path := writeConfig(t, "service: {name: users}\nlog: {level: error}")

	_, err := execute(t, "invoke", "--config", path, "--push", "users", "notify", "--params", `{"value": 1}`)
	require.NoError(t, err)
}

func TestVerboseOverridesLogLevel(t *testing.T) {
	commandeer := NewRootCommandeer()
	commandeer.configPath = writeConfig(t, "service: {name: users}\nlog: {level: warn}")
	commandeer.verbose = true

	serviceConfig, err := commandeer.loadConfig()
	require.NoError(t, err)
	require.Equal(t, "debug", serviceConfig.Log.Level)

	_, err = commandeer.createLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
