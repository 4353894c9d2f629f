package fsxlocal

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Abraxas-365/jobq/pkg/fsx"
)

// LocalFileSystem implements fsx.FileSystem using local disk
type LocalFileSystem struct {
	basePath string // Root directory for all files
}

var _ fsx.FileSystem = (*LocalFileSystem)(nil)

// NewLocalFileSystem creates a new local file system
// basePath: root directory (e.g., "./archive" or "/var/lib/jobq")
func NewLocalFileSystem(basePath string) (*LocalFileSystem, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fsx.IOError("mkdir", basePath, err)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fsx.IOError("abs", basePath, err)
	}

	return &LocalFileSystem{
		basePath: absPath,
	}, nil
}

// ============================================================================
// FileReader Implementation
// ============================================================================

func (fs *LocalFileSystem) ReadFile(ctx context.Context, p string) ([]byte, error) {
	fullPath, err := fs.fullPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fsx.NotFound(p)
		}
		return nil, fsx.IOError("read", p, err)
	}
	return data, nil
}

func (fs *LocalFileSystem) List(ctx context.Context, p string) ([]fsx.FileInfo, error) {
	fullPath, err := fs.fullPath(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fsx.NotFound(p)
		}
		return nil, fsx.IOError("list", p, err)
	}

	fileInfos := make([]fsx.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // removed while listing
		}

		fileInfos = append(fileInfos, fsx.FileInfo{
			Name:        info.Name(),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			IsDir:       info.IsDir(),
			ContentType: detectContentType(info.Name()),
		})
	}

	return fileInfos, nil
}

func (fs *LocalFileSystem) Exists(ctx context.Context, p string) (bool, error) {
	fullPath, err := fs.fullPath(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fsx.IOError("stat", p, err)
	}
	return true, nil
}

// ============================================================================
// FileWriter Implementation
// ============================================================================

// WriteFile writes through a temporary file and a rename, so readers never
// see a partial record.
func (fs *LocalFileSystem) WriteFile(ctx context.Context, p string, data []byte) error {
	fullPath, err := fs.fullPath(p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fsx.IOError("mkdir", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-*")
	if err != nil {
		return fsx.IOError("write", p, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fsx.IOError("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fsx.IOError("write", p, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fsx.IOError("write", p, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fsx.IOError("write", p, err)
	}
	return nil
}

// ============================================================================
// FileDeleter Implementation
// ============================================================================

func (fs *LocalFileSystem) DeleteFile(ctx context.Context, p string) error {
	fullPath, err := fs.fullPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fsx.IOError("delete", p, err)
	}
	return nil
}

// ============================================================================
// PathOperations Implementation
// ============================================================================

func (fs *LocalFileSystem) Join(elem ...string) string {
	return path.Join(elem...)
}

// ============================================================================
// Helper Methods
// ============================================================================

// fullPath resolves p under the base path and rejects paths that leave it.
func (fs *LocalFileSystem) fullPath(p string) (string, error) {
	full := filepath.Join(fs.basePath, filepath.FromSlash(p))
	if full != fs.basePath && !strings.HasPrefix(full, fs.basePath+string(filepath.Separator)) {
		return "", fsx.InvalidPath(p)
	}
	return full, nil
}

// detectContentType detects MIME type from file extension
func detectContentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// GetBasePath returns the base path
func (fs *LocalFileSystem) GetBasePath() string {
	return fs.basePath
}
