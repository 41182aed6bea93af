package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scaffold"
)

var (
	forceInit bool
	initPath  string
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a new vault",
	Long: `Initialize a warren vault: the pipeline folder tree, a starter
configuration, and an example action file.

Creates:
  • Inbox/ through Archived/ - the pipeline folders
  • System_Log/ - audit log, approvals, and daemon state
  • warren.yml - configuration file
  • example.action.yaml - a sample action to copy into Inbox/

The path argument (or --path) defaults to the --vault directory, then
the current directory. Use --force to rewrite warren.yml in an existing
vault.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing warren.yml")
	initCmd.Flags().StringVar(&initPath, "path", "", "Vault directory to initialize")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	target := initPath
	if len(args) == 1 {
		target = args[0]
	}
	if target == "" {
		root, err := vaultPath()
		if err != nil {
			return err
		}
		target = root
	}

	created, err := scaffold.Initialize(target, forceInit)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Initialized vault at %s\n", target)
	printer.Println()
	printer.Println("Created:")
	for _, path := range created {
		printer.Printf("  ✓ %s\n", path)
	}
	printer.Println()
	printer.Println("Next steps:")
	printer.Println("  1. Review warren.yml, especially execution.mode and the approval rules")
	printer.Println("  2. Start the daemon: warren start --vault", target)
	printer.Println("  3. Copy example.action.yaml into Inbox/ to watch a file flow through")

	return nil
}
