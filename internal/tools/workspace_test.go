package tools

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T, allowCommands bool) *Workspace {
	t.Helper()
	ws, err := New(Config{Dir: t.TempDir(), AllowCommands: allowCommands})
	require.NoError(t, err)
	require.NotNil(t, ws)
	return ws
}

func TestNewWithoutDirDisablesTools(t *testing.T) {
	ws, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, ws)
	assert.False(t, ws.CommandsEnabled())
	assert.Equal(t, map[string]any{"enabled": false}, ws.Info())
}

func TestWriteAndReadFile(t *testing.T) {
	ws := newTestWorkspace(t, false)

	result := ws.WriteFile("notes/hello.txt", "hi there")
	assert.Equal(t, true, result["success"])
	assert.Equal(t, filepath.Join("notes", "hello.txt"), result["path"])

	read := ws.ReadFile("notes/hello.txt")
	assert.Equal(t, true, read["success"])
	assert.Equal(t, "hi there", read["content"])
}

func TestAppendFile(t *testing.T) {
	ws := newTestWorkspace(t, false)

	ws.WriteFile("log.txt", "one\n")
	result := ws.AppendFile("log.txt", "two\n")
	assert.Equal(t, true, result["success"])

	read := ws.ReadFile("log.txt")
	assert.Equal(t, "one\ntwo\n", read["content"])
}

func TestWriteAndReadBytes(t *testing.T) {
	ws := newTestWorkspace(t, false)
	payload := base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0xff})

	result := ws.WriteBytes("bin.dat", payload)
	assert.Equal(t, true, result["success"])

	read := ws.ReadBytes("bin.dat")
	assert.Equal(t, true, read["success"])
	assert.Equal(t, payload, read["content"])

	bad := ws.WriteBytes("bin.dat", "not-base64!!")
	assert.Equal(t, false, bad["success"])
}

func TestDeleteFile(t *testing.T) {
	ws := newTestWorkspace(t, false)

	ws.WriteFile("gone.txt", "x")
	result := ws.DeleteFile("gone.txt")
	assert.Equal(t, true, result["success"])

	missing := ws.DeleteFile("gone.txt")
	assert.Equal(t, false, missing["success"])
	assert.Contains(t, missing["error"], "not found")
}

func TestListDirectory(t *testing.T) {
	ws := newTestWorkspace(t, false)

	ws.WriteFile("a.txt", "a")
	ws.WriteFile("sub/b.txt", "b")

	result := ws.ListDirectory(".")
	require.Equal(t, true, result["success"])
	entries := result["entries"].([]any)
	assert.Len(t, entries, 2)
}

func TestPathEscapeRejected(t *testing.T) {
	ws := newTestWorkspace(t, false)

	for _, path := range []string{"../outside.txt", "../../etc/passwd", "a/../../outside"} {
		result := ws.WriteFile(path, "x")
		assert.Equal(t, false, result["success"], path)
		assert.Contains(t, result["error"], "escapes sandbox", path)
	}

	// Absolute paths outside the root are rejected too.
	outside := filepath.Join(os.TempDir(), "flowrun-escape-test")
	result := ws.WriteFile(outside, "x")
	assert.Equal(t, false, result["success"])
	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteCommandDisabled(t *testing.T) {
	ws := newTestWorkspace(t, false)
	result := ws.ExecuteCommand(context.Background(), "echo hi", "")
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "disabled")
}

func TestExecuteCommandRejectsShellOperators(t *testing.T) {
	ws := newTestWorkspace(t, true)

	for _, command := range []string{
		"echo hi | cat",
		"echo hi > out.txt",
		"echo a && echo b",
		"echo a; echo b",
		"echo $HOME",
		"echo `id`",
	} {
		result := ws.ExecuteCommand(context.Background(), command, "")
		assert.Equal(t, false, result["success"], command)
		assert.Contains(t, result["error"], "not supported", command)
	}
}

func TestExecuteCommandRuns(t *testing.T) {
	ws := newTestWorkspace(t, true)

	result := ws.ExecuteCommand(context.Background(), "echo hello world", "")
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "hello world\n", result["stdout"])
	assert.Equal(t, 0, result["returncode"])
}

func TestExecuteCommandEmpty(t *testing.T) {
	ws := newTestWorkspace(t, true)
	result := ws.ExecuteCommand(context.Background(), "   ", "")
	assert.Equal(t, false, result["success"])
}

func TestSplitCommand(t *testing.T) {
	args, err := splitCommand(`prog -a "two words" 'single quoted'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"prog", "-a", "two words", "single quoted"}, args)

	_, err = splitCommand(`prog "unterminated`)
	assert.Error(t, err)
}

func TestMaxFileSize(t *testing.T) {
	ws, err := New(Config{Dir: t.TempDir(), MaxFileSize: 4})
	require.NoError(t, err)

	result := ws.WriteFile("big.txt", "12345")
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "max file size")
}
