package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlanCommand(t *testing.T) {
	out, err := runCLI(t, "plan", "/data/in.csv", "--records", "95", "--grid-size", "10")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, []string{"0", "2", "10", "9"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"9", "83", "96", "14"}, strings.Fields(lines[10]))
}

func TestPlanCommandRequiresRecords(t *testing.T) {
	_, err := runCLI(t, "plan", "/data/in.csv")
	assert.Error(t, err)
}

func TestPublishRejectsInvalidTrigger(t *testing.T) {
	_, err := runCLI(t, "publish", "--file-id", "f1")
	assert.Error(t, err)
}
