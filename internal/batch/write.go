package batch

import (
	"io/fs"
	"os"
	"path/filepath"
)

// writeContents is replaced in tests to simulate a failing disk.
var writeContents = func(f *os.File, data []byte) error {
	_, err := f.Write(data)
	return err
}

// writeAtomic replaces dest with data. The bytes go to a temporary file in
// the destination directory which is synced and renamed over dest; on any
// failure the temporary file is removed and dest is left untouched.
func writeAtomic(dest string, data []byte, perm fs.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = writeContents(f, data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}
