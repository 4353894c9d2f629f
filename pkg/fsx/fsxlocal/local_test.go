package fsxlocal_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abraxas-365/jobq/pkg/errx"
	"github.com/Abraxas-365/jobq/pkg/fsx"
	"github.com/Abraxas-365/jobq/pkg/fsx/fsxlocal"
)

func TestLocalFileSystem_ReadWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := fsxlocal.NewLocalFileSystem(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile(ctx, fs.Join("completed", "1.json"), []byte(`{"id":"1"}`)))

	data, err := os.ReadFile(filepath.Join(dir, "archive", "completed", "1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(data))

	data, err = fs.ReadFile(ctx, "completed/1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(data))

	infos, err := fs.List(ctx, "completed")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "1.json", infos[0].Name)
	assert.Equal(t, "application/json", infos[0].ContentType)

	ok, err := fs.Exists(ctx, "completed/1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fs.DeleteFile(ctx, "completed/1.json"))
	require.NoError(t, fs.DeleteFile(ctx, "completed/1.json"))
	ok, err = fs.Exists(ctx, "completed/1.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalFileSystem_Overwrite(t *testing.T) {
	ctx := context.Background()
	fs, err := fsxlocal.NewLocalFileSystem(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile(ctx, "a.json", []byte(`1`)))
	require.NoError(t, fs.WriteFile(ctx, "a.json", []byte(`2`)))

	data, err := fs.ReadFile(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	infos, err := fs.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, infos, 1, "temporary files must not remain")
}

func TestLocalFileSystem_NotFound(t *testing.T) {
	fs, err := fsxlocal.NewLocalFileSystem(t.TempDir())
	require.NoError(t, err)

	_, err = fs.ReadFile(context.Background(), "missing.json")
	assert.True(t, fsx.IsNotFound(err))

	_, err = fs.List(context.Background(), "missing")
	assert.True(t, fsx.IsNotFound(err))
}

func TestLocalFileSystem_RejectsEscapingPaths(t *testing.T) {
	fs, err := fsxlocal.NewLocalFileSystem(t.TempDir())
	require.NoError(t, err)

	err = fs.WriteFile(context.Background(), "../outside.json", []byte(`{}`))
	assert.True(t, errx.IsCode(err, fsx.ErrInvalidPath))
}
