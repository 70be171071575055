package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// Keys whose hex encoding exceeds this are stored under their hash.
const maxFileNameLen = 200

// FileBlob implements a blobstore using the local file system.
// Each key is stored in its own file named by the hex encoding of the key,
// fanned out over subdirectories named by the first two hex characters.
type FileBlob struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBlob creates a file blobstore rooted at baseDir, creating it if needed.
func NewFileBlob(baseDir string, log *slog.Logger) (*FileBlob, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBlob{
		baseDir: baseDir,
		log:     log,
	}, nil
}

// Get reads the file for key. A missing file means the key is absent.
func (b *FileBlob) Get(ctx context.Context, key string) ([]byte, error) {
	filePath := b.getFilePath(key)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched blob from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put writes value to a temporary file and renames it into place, so readers
// never observe a partially written blob.
func (b *FileBlob) Put(ctx context.Context, key string, value []byte) error {
	filePath := b.getFilePath(key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored blob in file",
		slog.String("path", filePath),
		slog.Int("size", len(value)))

	return nil
}

// IsPresent checks whether the file for key exists.
func (b *FileBlob) IsPresent(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.getFilePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Name returns a unique identifier for this blobstore.
func (b *FileBlob) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBlob) getFilePath(key string) string {
	name := hex.EncodeToString([]byte(key))
	if len(name) > maxFileNameLen {
		sum := blake2b.Sum256([]byte(key))
		name = hex.EncodeToString(sum[:]) + ".h"
	}
	if len(name) < 2 {
		// The empty key.
		return filepath.Join(b.baseDir, "__", "_")
	}
	return filepath.Join(b.baseDir, name[:2], name)
}
