package files

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipArchiver_SaveWritesArchive(t *testing.T) {
	inner, fs := newTestFSStorage(t)
	archiver := NewZipArchiver(inner)
	ctx := context.Background()
	payload := []byte("bowling data backup")

	location, n, err := archiver.Save(ctx, "K7M3Q", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	raw, err := afero.ReadFile(fs, location+".zip")
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "K7M3Q", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestZipArchiver_RemoveDeletesBoth(t *testing.T) {
	inner, fs := newTestFSStorage(t)
	archiver := NewZipArchiver(inner)
	ctx := context.Background()

	location, _, err := archiver.Save(ctx, "K7M3Q", bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	require.NoError(t, archiver.Remove(ctx, location))

	for _, p := range []string{location, location + ".zip"} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, "%s should be gone", p)
	}
}

func TestZipArchiver_RemoveWithoutArchive(t *testing.T) {
	inner, _ := newTestFSStorage(t)
	ctx := context.Background()

	location, _, err := inner.Save(ctx, "K7M3Q", bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	assert.NoError(t, NewZipArchiver(inner).Remove(ctx, location))
}
