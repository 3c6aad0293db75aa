package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/refacer/internal/utils"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (job history, uploads and results)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, os.Stdout, prompt)
		}

		if resetDB && ask("⚠️  Are you sure you want to DROP the job history?") {
			db, err := openStore(cmd.Context(), appCfg, true)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Println("🗑️  Clearing Database...")
			if err := db.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		if resetFiles && ask(fmt.Sprintf("⚠️  Are you sure you want to delete everything under %s?", appCfg.OutputDir)) {
			fmt.Println("🗑️  Clearing Uploads and Results...")
			removeDir(appCfg.OutputDir)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Clear the PostgreSQL job history")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear uploads, normalized copies and results")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
