package remotehost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseServiceStatus(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   ServiceStatus
	}{
		{"running", "Active: active (running) since Mon", ServiceStarting},
		{"dead", "Active: inactive (dead)", ServiceSuccess},
		{"failed", "Active: failed (Result: exit-code)", ServiceFailed},
		{"not found", "Unit foo.service could not be found.", ServiceError},
		{"unknown", "Active: activating (auto-restart)", ServiceError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, parseServiceStatus(c.output))
		})
	}
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/", parentDir("/file"))
	assert.Equal(t, "/a/b", parentDir("/a/b/c"))
	assert.Equal(t, "/", parentDir("file"))
}

func TestResolveLocalTarget(t *testing.T) {
	dir := t.TempDir()
	got := resolveLocalTarget(dir, "/remote/path/model.tar")
	assert.Equal(t, filepath.Join(dir, "model.tar"), got)

	file := filepath.Join(dir, "explicit.tar")
	got = resolveLocalTarget(file, "/remote/path/model.tar")
	assert.Equal(t, file, got)
}

func TestEnsureLocalDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.bin")
	assert.NoError(t, ensureLocalDir(target))
	info, err := os.Stat(filepath.Join(dir, "nested"))
	assert.NoError(t, err)
	assert.True(t, info.IsDir())
}
