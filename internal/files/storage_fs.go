package files

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FSStorage implements Storage on a filesystem.
type FSStorage struct {
	fs       afero.Fs
	basePath string
}

// NewFSStorage creates a new filesystem-based storage rooted at basePath.
func NewFSStorage(fs afero.Fs, basePath string) (*FSStorage, error) {
	basePath = filepath.Clean(basePath)
	if err := fs.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSStorage{fs: fs, basePath: basePath}, nil
}

func (s *FSStorage) BasePath() string { return s.basePath }

// checkLocation rejects locations outside basePath.
func (s *FSStorage) checkLocation(location string) error {
	rel, err := filepath.Rel(s.basePath, filepath.Clean(location))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return ErrInvalidID
	}
	return validateName(rel)
}

func (s *FSStorage) Save(ctx context.Context, name string, data io.Reader) (string, int64, error) {
	if err := validateName(name); err != nil {
		return "", 0, err
	}
	location := filepath.Join(s.basePath, name)
	// O_EXCL: an existing file belongs to another transfer.
	f, err := s.fs.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, err
	}

	n, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.fs.Remove(location)
		return "", 0, err
	}
	return location, n, nil
}

func (s *FSStorage) Open(ctx context.Context, location string) (*Object, error) {
	if err := s.checkLocation(location); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Object{ReadSeekCloser: f, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *FSStorage) Remove(ctx context.Context, location string) error {
	if err := s.checkLocation(location); err != nil {
		return err
	}
	err := s.fs.Remove(location)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
