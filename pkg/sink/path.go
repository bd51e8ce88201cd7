package sink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	fileStampLayout = "20060102_150405"
	fileExt         = ".csv"
	maxPathAttempts = 1000
)

// NextPath returns the file name for a sink created at t. Sessions that
// start within the same second get a numeric suffix.
func NextPath(dir, prefix string, t time.Time) (string, error) {
	base := fmt.Sprintf("%s_%s", prefix, t.Format(fileStampLayout))
	for n := 1; n <= maxPathAttempts; n++ {
		name := base + fileExt
		if n > 1 {
			name = fmt.Sprintf("%s_%d%s", base, n, fileExt)
		}
		path := filepath.Join(dir, name)
		_, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: checking %s: %w", ErrSinkUnavailable, path, err)
		}
	}
	return "", fmt.Errorf("%w: no free file name for %s", ErrSinkUnavailable, base)
}
