package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SQLite file locking is unreliable on these.
var networkFilesystems = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

type fsDetector func(path string) (string, error)

// checkLocalFilesystem rejects database paths that live on a network mount.
// Detection failures are not fatal: unknown platforms are assumed local.
func checkLocalFilesystem(path string, detect fsDetector) error {
	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return nil
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("database path %q is on network filesystem %q; point state.path at local disk", path, fsType)
	}
	return nil
}

func closestExisting(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent directory")
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	return slices.Contains(networkFilesystems, strings.ToLower(strings.TrimSpace(fsType)))
}
