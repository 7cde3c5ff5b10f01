package cursor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zstore/zstore/pkg/errors"
)

// FileStore keeps the cursor in a local text file.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger.With("component", "cursor", "path", path)}
}

// Path returns the cursor file location.
func (f *FileStore) Path() string { return f.path }

// Load implements Store.
func (f *FileStore) Load(ctx context.Context) (uint64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		werr := errors.NewError(errors.ErrCodePersistenceWarning, "zone cursor file unreadable, starting at zone 0").
			WithComponent("cursor").WithOperation("load").WithContext("path", f.path).WithCause(err)
		f.logger.Warn("zone cursor unavailable", "error", err)
		return 0, werr
	}

	zone, err := Decode(data)
	if err != nil {
		f.logger.Warn("zone cursor unparsable, starting at zone 0", "error", err)
		return 0, err
	}
	f.logger.Debug("zone cursor loaded", "zone", zone)
	return zone, nil
}

// Save implements Store. The file is replaced through a rename so readers
// never see a partial write.
func (f *FileStore) Save(ctx context.Context, zone uint64) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return f.saveFailed(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(Encode(zone)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return f.saveFailed(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return f.saveFailed(err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return f.saveFailed(err)
	}

	f.logger.Debug("zone cursor saved", "zone", zone)
	return nil
}

func (f *FileStore) saveFailed(err error) error {
	f.logger.Warn("failed to save zone cursor", "error", err)
	return errors.NewError(errors.ErrCodePersistenceWarning, "failed to save zone cursor").
		WithComponent("cursor").WithOperation("save").WithContext("path", f.path).WithCause(err)
}
