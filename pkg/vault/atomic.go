package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data so no reader ever observes a partial file. The
// bytes land in a sibling temp file which is synced, closed, and renamed over
// the target. The temp file is removed on any failure.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return WrapError(KindMoveFailed, err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error, what string) error {
		tmp.Close()
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, cause, "%s %s", what, path)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err, "writing")
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err, "syncing")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, err, "closing temp for %s", path)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, err, "setting mode on %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, err, "renaming temp over %s", path)
	}
	return nil
}

// Move relocates src to dst without ever exposing a partial file at dst and
// without a window where the file exists in neither place incompletely. The
// bytes are copied to dst+".tmp" on the same filesystem, synced, renamed to
// dst, and only then is src unlinked. On any failure the temp file is removed
// and src is left untouched.
//
// Move refuses to overwrite: an existing dst is a TargetExists failure, which
// the caller reports rather than resolving.
func Move(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return Errorf(KindTargetExists, "target %s already exists", dst)
	} else if !os.IsNotExist(err) {
		return WrapError(KindMoveFailed, err, "checking target %s", dst)
	}

	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return WrapError(KindFileNotFound, err, "source %s", src)
		}
		return WrapError(KindMoveFailed, err, "opening source %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return WrapError(KindMoveFailed, err, "inspecting source %s", src)
	}

	tmpName := dst + ".tmp"
	out, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return WrapError(KindMoveFailed, err, "creating temp %s", tmpName)
	}
	cleanup := func(cause error, what string) error {
		out.Close()
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, cause, "%s %s", what, tmpName)
	}
	if _, err := io.Copy(out, in); err != nil {
		return cleanup(err, "copying into")
	}
	if err := out.Sync(); err != nil {
		return cleanup(err, "syncing")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, err, "closing temp %s", tmpName)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return WrapError(KindMoveFailed, err, "renaming %s to %s", tmpName, dst)
	}
	if err := os.Remove(src); err != nil {
		// The file now exists at both paths. Report rather than guess;
		// the duplicate is visible and recoverable, silent loss is not.
		return WrapError(KindMoveFailed, err, "unlinking source %s after copy to %s", src, dst)
	}
	return nil
}

// SameFilesystem reports whether two paths sit on the same filesystem, which
// the move path requires for its rename step. Callers probe with the vault
// root and a temp file at startup and refuse to run across a mount boundary.
func SameFilesystem(a, b string) (bool, error) {
	da, err := deviceOf(a)
	if err != nil {
		return false, err
	}
	db, err := deviceOf(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, WrapError(KindMoveFailed, err, "inspecting %s", path)
	}
	dev, ok := deviceID(info)
	if !ok {
		return 0, fmt.Errorf("no device id available for %s", path)
	}
	return dev, nil
}
