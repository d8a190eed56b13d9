package remotehost

import (
	"os"
	"path/filepath"
	"strings"
)

// resolveLocalTarget appends the remote basename to localPath when
// localPath names an existing directory, matching download_file's
// directory-local convenience (§4.3).
func resolveLocalTarget(localPath, remotePath string) string {
	if info, err := os.Stat(localPath); err == nil && info.IsDir() {
		base := remotePath
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		return filepath.Join(localPath, base)
	}
	return localPath
}

func ensureLocalDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func createLocalFile(path string) (*os.File, error) {
	return os.Create(path)
}

func openLocalFile(path string) (*os.File, error) {
	return os.Open(path)
}
