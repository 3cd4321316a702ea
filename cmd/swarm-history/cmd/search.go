package cmd

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-swarm-history/index"
	"go-swarm-history/internal/database"
	"go-swarm-history/internal/history"
	"go-swarm-history/internal/metastore"
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached prompts",
	Long: `Runs a full-text query against the locally indexed prompts and
metadata. Works fully offline. Supports the bleve query string syntax,
e.g. field-scoped terms like '+model:pony landscape'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().Int("limit", 25, "Maximum number of results to print")
}

func runSearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("failed to open prompt index: %w", err)
	}
	defer idx.Close()

	ids, err := index.Search(idx, query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No matches.")
		return nil
	}

	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open metadata database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close metadata database")
		}
	}()

	all, err := metastore.New(db).LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	shown := 0
	for _, id := range ids {
		if shown >= limit {
			break
		}
		meta, ok := history.ResolveMetadata(id, all)
		if !ok {
			continue
		}
		fmt.Printf("%-40s %s\n", id, truncate(meta.Prompt, 70))
		shown++
	}
	fmt.Printf("\n%d of %d matches shown\n", shown, len(ids))
	return nil
}
