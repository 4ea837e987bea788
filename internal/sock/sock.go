package sock

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempPath returns a fresh unix socket path in a private temp directory.
// Unix socket paths have a small length limit on some platforms, so the
// path is kept short.
func TempPath() (string, error) {
	dir, err := os.MkdirTemp("", "runnerd")
	if err != nil {
		return "", fmt.Errorf("creating socket dir: %w", err)
	}
	return filepath.Join(dir, "d.sock"), nil
}
