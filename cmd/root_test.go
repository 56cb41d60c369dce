package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"harvest", "runs", "sources", "serve", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "harvest-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestHarvestCommand_Flags(t *testing.T) {
	allFlag := harvestCmd.Flags().Lookup("all")
	require.NotNil(t, allFlag, "harvest command should have --all flag")
	assert.Equal(t, "false", allFlag.DefValue)

	forceFlag := harvestCmd.Flags().Lookup("force")
	require.NotNil(t, forceFlag, "harvest command should have --force flag")
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	cmds := runsCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"list", "show", "resume", "stats"}
	for _, name := range expected {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}
}

func TestSourcesCommand_HasSubcommands(t *testing.T) {
	cmds := sourcesCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"list", "load"}
	for _, name := range expected {
		assert.True(t, names[name], "expected sources subcommand %q not found", name)
	}
}
