package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckExisting refuses to initialize over a vault that already carries a
// configuration, so a stray init cannot silently reset a live setup.
func CheckExisting(vaultPath string) error {
	configPath := filepath.Join(vaultPath, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("vault already initialized\n\nFound existing: %s\n\nUse 'warren init --force' to reinitialize (this overwrites the configuration but keeps pipeline files)", configPath)
	}
	return nil
}
