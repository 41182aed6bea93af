package commands

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/credential"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/vault"
)

// newPassphraseEnv supplies the replacement passphrase for cred rotate.
const newPassphraseEnv = "WARREN_NEW_PASSPHRASE"

var credExpires string

var credCmd = &cobra.Command{
	Use:   "cred",
	Short: "Manage the encrypted credential store",
	Long: `Manage credentials in the age-encrypted store under .credentials/.
The store is sealed with a passphrase taken from the ` + credential.PassphraseEnv + `
environment variable; plaintext never touches the vault.

Every access is recorded in the audit log, so these commands require the
daemon to be stopped.`,
}

var credInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty credential store",
	RunE:  runCredInit,
}

var credSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Store or replace a credential",
	Long: `Store a credential. With no value argument the value is read from
stdin, which keeps it out of shell history.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCredSet,
}

var credGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print a credential value",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredGet,
}

var credListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential names and expiry",
	RunE:  runCredList,
}

var credDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredDelete,
}

var credRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt the store under a new passphrase",
	Long: `Re-encrypt the store under the passphrase in ` + newPassphraseEnv + `,
decrypting with the current one from ` + credential.PassphraseEnv + `.`,
	RunE: runCredRotate,
}

func init() {
	credSetCmd.Flags().StringVar(&credExpires, "expires", "", "Expiry time, RFC3339 (credential is refused after this)")
	credCmd.AddCommand(credInitCmd, credSetCmd, credGetCmd, credListCmd, credDeleteCmd, credRotateCmd)
	rootCmd.AddCommand(credCmd)
}

// openStore builds a credential store with its own audit handle. The single
// audit writer rule applies, so the daemon must be stopped.
func openStore() (*credential.Store, *audit.Log, error) {
	cfg, layout, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := requireDaemonStopped(layout, "Credential access"); err != nil {
		return nil, nil, err
	}

	passphrase := os.Getenv(credential.PassphraseEnv)
	if passphrase == "" {
		return nil, nil, printer.Error(
			"no passphrase",
			fmt.Sprintf("The %s environment variable is empty.", credential.PassphraseEnv),
			[]string{fmt.Sprintf("Export it first:\n  export %s='...'", credential.PassphraseEnv)},
		)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor, err := audit.Open(cfg.AuditPath(), layout.ChainSidecar(), log)
	if err != nil {
		return nil, nil, err
	}

	store, err := credential.Open(layout, passphrase, auditor, log)
	if err != nil {
		auditor.Close()
		return nil, nil, err
	}
	return store, auditor, nil
}

func runCredInit(cmd *cobra.Command, args []string) error {
	store, auditor, err := openStore()
	if err != nil {
		return err
	}
	defer auditor.Close()

	if err := store.Init(); err != nil {
		return err
	}
	printer.Success("credential store created\n")
	return nil
}

func runCredSet(cmd *cobra.Command, args []string) error {
	store, auditor, err := openStore()
	if err != nil {
		return err
	}
	defer auditor.Close()

	name := args[0]
	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		printer.Info("Reading value from stdin...\n")
		reader := bufio.NewReader(os.Stdin)
		raw, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		value = strings.TrimRight(string(raw), "\n")
	}
	if value == "" {
		return fmt.Errorf("credential value is empty")
	}

	var expires *time.Time
	if credExpires != "" {
		t, err := time.Parse(time.RFC3339, credExpires)
		if err != nil {
			return fmt.Errorf("invalid --expires: %w", err)
		}
		expires = &t
	}

	if err := store.Set(name, value, expires); err != nil {
		return err
	}
	printer.Success("stored credential %q\n", name)
	return nil
}

func runCredGet(cmd *cobra.Command, args []string) error {
	store, auditor, err := openStore()
	if err != nil {
		return err
	}
	defer auditor.Close()

	value, err := store.Get(args[0])
	if err != nil {
		if vault.IsKind(err, vault.KindCredentialMissing) {
			return printer.Error(
				fmt.Sprintf("credential %q not available", args[0]),
				"The credential is missing or expired.",
				[]string{"List what the store holds:\n  warren cred list"},
			)
		}
		return err
	}
	fmt.Println(value)
	return nil
}

func runCredList(cmd *cobra.Command, args []string) error {
	store, auditor, err := openStore()
	if err != nil {
		return err
	}
	defer auditor.Close()

	infos, err := store.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		printer.Println("Credential store is empty.")
		return nil
	}

	printer.Printf("%-24s %-20s %-20s %s\n", "NAME", "CREATED", "EXPIRES", "STATUS")
	for _, info := range infos {
		expires := "-"
		if info.ExpiresAt != nil {
			expires = info.ExpiresAt.Format("2006-01-02 15:04:05")
		}
		status := "ok"
		if info.Expired {
			status = "expired"
		}
		printer.Printf("%-24s %-20s %-20s %s\n",
			info.Name, info.CreatedAt.Format("2006-01-02 15:04:05"), expires, status)
	}
	return nil
}

func runCredDelete(cmd *cobra.Command, args []string) error {
	store, auditor, err := openStore()
	if err != nil {
		return err
	}
	defer auditor.Close()

	if err := store.Delete(args[0]); err != nil {
		return err
	}
	printer.Success("deleted credential %q\n", args[0])
	return nil
}

func runCredRotate(cmd *cobra.Command, args []string) error {
	store, auditor, err := openStore()
	if err != nil {
		return err
	}
	defer auditor.Close()

	next := os.Getenv(newPassphraseEnv)
	if next == "" {
		return printer.Error(
			"no replacement passphrase",
			fmt.Sprintf("The %s environment variable is empty.", newPassphraseEnv),
			[]string{fmt.Sprintf("Export the new passphrase:\n  export %s='...'", newPassphraseEnv)},
		)
	}

	if err := store.Rotate(next); err != nil {
		return err
	}
	printer.Success("credential store re-encrypted\n")
	printer.Info("Update %s to the new passphrase for future commands.\n", credential.PassphraseEnv)
	return nil
}
