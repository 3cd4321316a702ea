package cmd

import (
	"fmt"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Sync the local cache against the server's image history",
	Long: `Loads the cached history, reconciles it against the server's file
listing, and fetches thumbnails for any images not yet cached.

Examples:
  # Sync the first page and fetch missing thumbnails
  swarm-history history

  # Sync three pages worth of history
  swarm-history history --pages 3

  # Browse the local cache without contacting the server
  swarm-history history --offline`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("pages", 1, "Number of listing pages to load (each page fetches missing thumbnails)")
	historyCmd.Flags().Bool("offline", false, "Skip the server listing and show only the local cache")

	viper.BindPFlag("history.pages", historyCmd.Flags().Lookup("pages"))
	viper.BindPFlag("history.offline", historyCmd.Flags().Lookup("offline"))
}

func runHistory(cmd *cobra.Command, args []string) error {
	pages := viper.GetInt("history.pages")
	offline := viper.GetBool("history.offline")

	handle, err := buildEngine(!offline)
	if err != nil {
		return err
	}
	defer handle.Close()
	engine := handle.engine

	if err := engine.Activate(); err != nil {
		return fmt.Errorf("failed to activate history: %w", err)
	}
	if lastErr := engine.LastError(); lastErr != nil {
		log.WithError(lastErr).Warn("History loaded with errors")
	}

	// Live progress while the fetch queue drains.
	writer := uilive.New()
	writer.Start()
	for engine.IsLoadingThumbnails() {
		fmt.Fprintf(writer, "Fetching thumbnails... %d/%d ready\n",
			engine.LoadedThumbnailCount(), len(engine.Images()))
		time.Sleep(250 * time.Millisecond)
	}
	engine.WaitForThumbnails()

	for page := 1; page < pages && engine.HasMore(); page++ {
		if err := engine.LoadMore(); err != nil {
			log.WithError(err).Warnf("Failed to load page %d", page+1)
			break
		}
		for engine.IsLoadingThumbnails() {
			fmt.Fprintf(writer, "Fetching thumbnails... %d/%d ready\n",
				engine.LoadedThumbnailCount(), len(engine.Images()))
			time.Sleep(250 * time.Millisecond)
		}
		engine.WaitForThumbnails()
	}
	fmt.Fprintf(writer, "Thumbnails ready: %d/%d\n",
		engine.LoadedThumbnailCount(), len(engine.Images()))
	writer.Stop()

	records := engine.Images()
	failed := 0
	fmt.Println("----- History Summary -----")
	for _, rec := range records {
		status := "ok"
		if rec.ThumbnailFailed {
			status = "FAILED"
			failed++
		} else if rec.ThumbnailURI == "" {
			status = "pending"
		}
		fmt.Printf(" [%s] %-40s %s\n", status, rec.ID, truncate(rec.Prompt, 60))
	}
	fmt.Printf(" Total Remote Files: %d\n", engine.TotalRemoteCount())
	fmt.Printf(" Records Loaded: %d\n", len(records))
	fmt.Printf(" Thumbnails Ready: %d\n", engine.LoadedThumbnailCount())
	fmt.Printf(" Failed: %d\n", failed)
	fmt.Printf(" More Pages Available: %t\n", engine.HasMore())
	fmt.Println("---------------------------")

	if failed > 0 {
		log.Warnf("%d thumbnails failed; run 'swarm-history repair <id>' to retry individual entries", failed)
	}
	return nil
}

// truncate shortens s to at most max runes, ending in an ellipsis when
// cut. Slicing runes, not bytes, keeps multibyte prompts intact.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
