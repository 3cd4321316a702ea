package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// repairCmd represents the repair command
var repairCmd = &cobra.Command{
	Use:   "repair <id>",
	Short: "Re-fetch and regenerate the thumbnail for one history entry",
	Long: `Retries a single failed entry: fetches the image from the server
again and regenerates its thumbnail, clearing the entry's failed marker
on success. Requires a reachable server.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	id := args[0]

	handle, err := buildEngine(true)
	if err != nil {
		return err
	}
	defer handle.Close()
	engine := handle.engine

	if err := engine.Activate(); err != nil {
		return fmt.Errorf("failed to activate history: %w", err)
	}
	engine.WaitForThumbnails()

	if err := engine.RefreshOne(id); err != nil {
		return fmt.Errorf("failed to repair %s: %w", id, err)
	}

	rec, ok := engine.Image(id)
	if !ok {
		return fmt.Errorf("no record with id %s", id)
	}
	log.Infof("Repaired %s", id)
	fmt.Printf("Thumbnail: %s\n", rec.ThumbnailURI)
	return nil
}
