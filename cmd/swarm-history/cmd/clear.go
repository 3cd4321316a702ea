package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// clearCmd represents the clear command
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached thumbnails and metadata",
	Long: `Removes every cached thumbnail, all stored image metadata, and the
prompt search index. User settings are preserved. The next 'history' run
rebuilds the cache from the server listing.`,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
}

func runClear(cmd *cobra.Command, args []string) error {
	skipConfirm, _ := cmd.Flags().GetBool("yes")
	if !skipConfirm {
		fmt.Printf("Delete all cached thumbnails and metadata under %s? [y/N]: ", globalConfig.DataPath)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	handle, err := buildEngine(false)
	if err != nil {
		return err
	}
	defer handle.Close()

	if err := handle.engine.ClearAll(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	log.Info("History cache cleared")
	return nil
}
