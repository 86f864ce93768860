package restyutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FilesystemOutput dumps each recorded exchange into its own file
// under a scratch directory, one file per message id.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput wipes and recreates the dump directory. The
// directory holds nothing but the previous run's exchanges.
func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	if err := os.RemoveAll(dir); err != nil {
		return FilesystemOutput{}, fmt.Errorf("clear dump directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FilesystemOutput{}, fmt.Errorf("create dump directory %q: %w", dir, err)
	}
	return FilesystemOutput{directory: dir}, nil
}

func (o FilesystemOutput) Write(id string, contents string) {
	err := os.WriteFile(filepath.Join(o.directory, id), []byte(contents), 0o600)
	if err != nil {
		slog.Warn("failed to write message dump file", "id", id, "err", err)
	}
}
