package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBody(t *testing.T) {
	require.Equal(t, json.RawMessage(`{"a":1}`), parseBody(`{"a":1}`))
	require.Equal(t, json.RawMessage(`42`), parseBody(`42`))
	require.Equal(t, "hello world", parseBody("hello world"))
}

func TestRootCommand_Subcommands(t *testing.T) {
	for _, name := range []string{"publish", "send", "listen"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}

	require.Error(t, publishCmd.Args(publishCmd, []string{"only-address"}))
	require.Error(t, listenCmd.Args(listenCmd, nil))
}
