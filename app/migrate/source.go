package migrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/spf13/afero"
)

// Source is a flat key/value store holding legacy blobs
type Source interface {
	Read(key string) (data []byte, found bool, err error)
	Archive(key string, data []byte) error
	Delete(key string) error
}

// FileSource keeps legacy blobs as key.json files in a directory.
// Archived copies are key.json.<unixnano>-<seq>.bak next to it.
type FileSource struct {
	fs  afero.Fs
	dir string
	seq uint64
}

// NewFileSource makes FileSource for dir on given fs
func NewFileSource(fs afero.Fs, dir string) *FileSource {
	return &FileSource{fs: fs, dir: dir}
}

func (f *FileSource) fileName(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid legacy key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

// Read returns content of key.json, found=false if there is no such file
func (f *FileSource) Read(key string) ([]byte, bool, error) {
	fname, err := f.fileName(key)
	if err != nil {
		return nil, false, err
	}
	data, err := afero.ReadFile(f.fs, fname)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", fname, err)
	}
	return data, true, nil
}

// Archive writes a backup copy of the blob
func (f *FileSource) Archive(key string, data []byte) error {
	fname, err := f.fileName(key)
	if err != nil {
		return err
	}
	if err = f.fs.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to make %s: %w", f.dir, err)
	}
	seq := atomic.AddUint64(&f.seq, 1)
	bak := fmt.Sprintf("%s.%d-%d.bak", fname, time.Now().UnixNano(), seq)
	log.Printf("[DEBUG] archive legacy blob %s to %s", key, bak)
	if err = afero.WriteFile(f.fs, bak, data, 0o600); err != nil {
		return fmt.Errorf("failed to archive %s: %w", fname, err)
	}
	return nil
}

// Delete removes key.json, missing file is not an error
func (f *FileSource) Delete(key string) error {
	fname, err := f.fileName(key)
	if err != nil {
		return err
	}
	log.Printf("[DEBUG] delete legacy blob %s", fname)
	if err = f.fs.Remove(fname); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", fname, err)
	}
	return nil
}

// Archives lists archived copies of the key, oldest first
func (f *FileSource) Archives(key string) []string {
	fname, err := f.fileName(key)
	if err != nil {
		return []string{}
	}
	entries, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		log.Printf("[DEBUG] can't list archives in %s, %s", f.dir, err)
		return []string{}
	}

	prefix := filepath.Base(fname) + "."
	res := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".bak") {
			continue
		}
		res = append(res, filepath.Join(f.dir, entry.Name()))
	}
	sort.Strings(res)
	return res
}

func (f *FileSource) String() string {
	return "files in " + f.dir
}
