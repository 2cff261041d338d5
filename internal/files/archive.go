package files

import (
	"context"
	"errors"
	"io"

	"github.com/klauspost/compress/zip"

	"pinrelay/internal/logging"
)

const archiveExt = ".zip"

// ZipArchiver decorates a Storage so every saved file also gets a zip
// archive stored next to it as <name>.zip. Removing the file removes the
// archive too. Archiving failures are logged and never fail the save.
type ZipArchiver struct {
	Storage
}

// NewZipArchiver wraps s.
func NewZipArchiver(s Storage) *ZipArchiver {
	return &ZipArchiver{Storage: s}
}

func (a *ZipArchiver) Save(ctx context.Context, name string, data io.Reader) (string, int64, error) {
	location, size, err := a.Storage.Save(ctx, name, data)
	if err != nil {
		return "", 0, err
	}
	if err := a.archive(ctx, name, location); err != nil {
		logging.Internal.Printf("failed to archive %s: %v", name, err)
	}
	return location, size, nil
}

func (a *ZipArchiver) archive(ctx context.Context, name, location string) error {
	obj, err := a.Storage.Open(ctx, location)
	if err != nil {
		return err
	}
	defer obj.Close()

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		zw := zip.NewWriter(pw)
		w, err := zw.Create(name)
		if err == nil {
			_, err = io.Copy(w, obj)
		}
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	_, _, err = a.Storage.Save(ctx, name+archiveExt, pr)
	// Unblocks the writer if Save returned before draining the pipe.
	pr.Close()
	<-done
	return err
}

func (a *ZipArchiver) Remove(ctx context.Context, location string) error {
	err := a.Storage.Remove(ctx, location)
	if zerr := a.Storage.Remove(ctx, location+archiveExt); zerr != nil && !errors.Is(zerr, ErrNotFound) {
		logging.Internal.Printf("failed to remove archive %s%s: %v", location, archiveExt, zerr)
		if err == nil {
			err = zerr
		}
	}
	return err
}
