package fileutil

import (
	"os"
	"path/filepath"
	"strings"
)

// TmpPrefix is the name prefix of files that are being written and have not
// yet been renamed into place.
const TmpPrefix = "tmp"

// RemoveTmpFiles will remove all files in the root directory
// and its sub-directories with a name that has a 'tmp' prefix.
// A missing root directory is not an error.
func RemoveTmpFiles(rootDir string) error {
	if _, err := os.Stat(rootDir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !strings.HasPrefix(info.Name(), TmpPrefix) {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

// SyncDir flushes the directory entry table of dir so that renames and
// newly created files within it survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// WriteFileAtomic writes data to a temporary file in the same directory as
// path, syncs it, and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, TmpPrefix+"-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return SyncDir(dir)
}
