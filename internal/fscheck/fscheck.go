// Package fscheck validates that a vault directory can support the pipeline's
// filesystem contract: atomic renames between folders and exclusive lock
// creation. Violations come back as multi-line errors telling the operator
// how to fix them.
package fscheck

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dyluth/warren/pkg/vault"
)

// Checker probes a vault's filesystem guarantees.
type Checker struct{}

// NewChecker creates a filesystem checker.
func NewChecker() *Checker {
	return &Checker{}
}

// deviceOf returns the filesystem device id for a path.
func (c *Checker) deviceOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("cannot read filesystem metadata for %s", path)
	}
	return uint64(stat.Dev), nil
}

// SameFilesystem reports whether every pipeline folder shares one device with
// the vault root. Cross-device folders would turn rename into copy+delete and
// break the atomic move guarantee.
func (c *Checker) SameFilesystem(root string) (bool, string, error) {
	rootDev, err := c.deviceOf(root)
	if err != nil {
		return false, "", err
	}
	for _, folder := range vault.PipelineFolders() {
		dir := filepath.Join(root, folder)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		dev, err := c.deviceOf(dir)
		if err != nil {
			return false, "", err
		}
		if dev != rootDev {
			return false, folder, nil
		}
	}
	return true, "", nil
}

// IsWritable reports whether we can create and remove a file in dir.
func (c *Checker) IsWritable(dir string) (bool, error) {
	probe, err := os.CreateTemp(dir, ".warren-probe-*")
	if err != nil {
		if os.IsPermission(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe %s: %w", dir, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return false, fmt.Errorf("failed to remove probe file %s: %w", name, err)
	}
	return true, nil
}

// SupportsExclusiveCreate reports whether O_EXCL behaves atomically in dir.
// Some network filesystems fake it, which would break lock acquisition.
func (c *Checker) SupportsExclusiveCreate(dir string) (bool, error) {
	name := filepath.Join(dir, ".warren-excl-probe")
	first, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to probe exclusive create in %s: %w", dir, err)
	}
	first.Close()
	defer os.Remove(name)

	// A second exclusive create of the same name must fail.
	second, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		second.Close()
		return false, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("unexpected error probing exclusive create: %w", err)
	}
	return true, nil
}

// ValidateVault validates that root can host a vault. Returns a user-friendly
// error naming the remediation when it cannot.
func (c *Checker) ValidateVault(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("vault directory does not exist: %s\n\nCreate it first, then run 'warren init'", root)
		}
		return fmt.Errorf("failed to inspect vault directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", root)
	}

	writable, err := c.IsWritable(root)
	if err != nil {
		return err
	}
	if !writable {
		return fmt.Errorf("vault directory is not writable: %s\n\nWarren needs write access to move files through the pipeline.\nFix the permissions and run 'warren init' again", root)
	}

	sameFS, offender, err := c.SameFilesystem(root)
	if err != nil {
		return err
	}
	if !sameFS {
		return fmt.Errorf("vault folder %s is on a different filesystem than the vault root\n\nWarren relies on atomic renames, which only work within one filesystem.\nMove the vault (or remove the mount at %s) so all folders share one device", offender, filepath.Join(root, offender))
	}

	exclusive, err := c.SupportsExclusiveCreate(root)
	if err != nil {
		return err
	}
	if !exclusive {
		return fmt.Errorf("filesystem at %s does not support exclusive file creation\n\nWarren's locks depend on O_EXCL semantics.\nNetwork filesystems without atomic create are not supported; use a local disk", root)
	}

	return nil
}
