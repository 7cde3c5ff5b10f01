package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	Filename string

	// MaxSize is the size in megabytes that triggers rotation (0 = never rotate)
	MaxSize int64

	// MaxBackups is the number of rotated files to keep (0 = keep all)
	MaxBackups int
}

// LogRotator is an io.WriteCloser that rotates its file by size. Long
// benchmark runs at debug level otherwise fill the disk with completion logs.
type LogRotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewLogRotator opens config.Filename for appending, creating its directory
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil || config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	lr := &LogRotator{config: *config, now: time.Now}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if limit := lr.config.MaxSize << 20; limit > 0 && lr.size > 0 && lr.size+int64(len(p)) > limit {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the current file. Further writes fail.
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces an immediate rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	if err := os.Rename(lr.config.Filename, lr.backupName(lr.now())); err != nil && !os.IsNotExist(err) {
		return err
	}
	lr.prune()
	return lr.open()
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.file, lr.size = file, info.Size()
	return nil
}

// backupName turns zstore.log into zstore-20240102T150405.000.log
func (lr *LogRotator) backupName(t time.Time) string {
	ext := filepath.Ext(lr.config.Filename)
	prefix := strings.TrimSuffix(lr.config.Filename, ext)
	return fmt.Sprintf("%s-%s%s", prefix, t.UTC().Format("20060102T150405.000"), ext)
}

// backups lists rotated files oldest first. The timestamp format sorts lexically.
func (lr *LogRotator) backups() []string {
	ext := filepath.Ext(lr.config.Filename)
	prefix := strings.TrimSuffix(lr.config.Filename, ext)
	matches, err := filepath.Glob(prefix + "-*" + ext)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

func (lr *LogRotator) prune() {
	if lr.config.MaxBackups <= 0 {
		return
	}
	backups := lr.backups()
	for len(backups) > lr.config.MaxBackups {
		if err := os.Remove(backups[0]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove old log %s: %v\n", backups[0], err)
		}
		backups = backups[1:]
	}
}
