package backupfile

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	Ext           = ".asb"
	CompressedExt = ".asb.sz"
)

type (
	// FS is the directory a file set lives in.
	FS interface {
		CreateFile(name string) (File, error)
		OpenFile(name string) (File, error)
		// ReadDir lists the backup files of the directory, sorted by name.
		ReadDir() ([]string, error)
		Path(name string) string
	}
	File interface {
		io.Reader
		io.Writer
		io.Closer
	}
)

type posixFS struct {
	path string
}

// NewFS returns the FS rooted at dir, creating dir if necessary.
func NewFS(dir string) (FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &posixFS{path: dir}, nil
}

func (p *posixFS) Path(name string) string {
	return filepath.Join(p.path, name)
}

// CreateFile fails when name exists, existing backups are never overwritten.
func (p *posixFS) CreateFile(name string) (File, error) {
	return os.OpenFile(p.Path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

func (p *posixFS) OpenFile(name string) (File, error) {
	return os.Open(p.Path(name))
}

func (p *posixFS) ReadDir() ([]string, error) {
	entries, err := os.ReadDir(p.path)
	if err != nil {
		return nil, err
	}

	ret := make([]string, 0, len(entries))
	for i := range entries {
		if entries[i].IsDir() || !IsBackupFile(entries[i].Name()) {
			continue
		}
		ret = append(ret, entries[i].Name())
	}
	sort.Strings(ret)
	return ret, nil
}

func IsBackupFile(name string) bool {
	return strings.HasSuffix(name, Ext) || strings.HasSuffix(name, CompressedExt)
}

func IsCompressed(name string) bool {
	return strings.HasSuffix(name, CompressedExt)
}
