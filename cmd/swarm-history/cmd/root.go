package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-swarm-history/index"
	"go-swarm-history/internal/api"
	"go-swarm-history/internal/config"
	"go-swarm-history/internal/database"
	"go-swarm-history/internal/history"
	"go-swarm-history/internal/metastore"
	"go-swarm-history/internal/models"
	"go-swarm-history/internal/thumbnail"
	"go-swarm-history/internal/thumbstore"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// baseURLFlag holds the value of the --base-url flag
var baseURLFlag string

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

// dataPathFlag holds the value of the --data-path flag
var dataPathFlag string

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "swarm-history",
	Short: "Cache and browse generated image history from a SwarmUI server",
	Long: `swarm-history maintains a local thumbnail and metadata cache for the
image history of a SwarmUI server. It reconciles the cache against the
server's file listing, generates thumbnails for new images, and lets you
search cached prompts offline.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Defer closing the API logging transport if it was initialized
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Add persistent flags that apply to all commands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "SwarmUI server base URL (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().StringVar(&dataPathFlag, "data-path", "", "Directory for thumbnails and metadata (overrides config)")
}

// loadGlobalConfig attempts to load the configuration and applies flag overrides.
// It also sets up the global HTTP transport based on logging settings.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Not fatal; defaults cover everything except the base URL, and
		// offline commands never need that.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("base-url") {
		if baseURLFlag != "" {
			globalConfig.BaseURL = baseURLFlag
		} else {
			log.Warn("--base-url flag provided but value is empty, ignoring.")
		}
	}
	if cmd.Flags().Changed("data-path") {
		if dataPathFlag != "" {
			globalConfig.DataPath = dataPathFlag
			// Derived paths follow the data path unless the config pinned them.
			globalConfig.ThumbnailsPath = ""
			globalConfig.DatabasePath = ""
			globalConfig.BleveIndexPath = ""
		}
	}
	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}
	config.ApplyDefaults(&globalConfig)

	// --- Setup Global HTTP Transport ---
	baseTransport := http.DefaultTransport
	globalHttpTransport = baseTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		log.Infof("API logging to file: %s", logFilePath)
		loggingTransport, err := api.NewLoggingTransport(baseTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}

	return nil
}

// engineHandle bundles an engine with the resources that must be
// released when the command finishes.
type engineHandle struct {
	engine *history.Engine
	client *api.Client
	db     *database.DB
}

func (h *engineHandle) Close() {
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close metadata database")
		}
	}
}

// buildEngine assembles the full store/pipeline/engine stack from the
// global config. When online is true a server session is established;
// session failures degrade to offline mode rather than aborting.
func buildEngine(online bool) (*engineHandle, error) {
	httpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
	}

	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	meta := metastore.New(db)

	thumbs, err := thumbstore.New(globalConfig.ThumbnailsPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open thumbnail store: %w", err)
	}

	pipeline := thumbnail.New(thumbs, meta, httpClient, globalConfig.ThumbnailSize, globalConfig.ThumbnailQuality)

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("Prompt index unavailable, search disabled")
		idx = nil
	}

	client := api.NewClient(globalConfig, httpClient)
	engine := history.New(globalConfig, client, meta, thumbs, pipeline, idx)

	if online {
		sessionID, err := client.NewSession()
		if err != nil {
			if api.IsNetworkError(err) {
				log.WithError(err).Warn("Server unreachable, running from local cache only")
			} else {
				log.WithError(err).Warn("Failed to establish session, running from local cache only")
			}
		} else {
			engine.SetSession(sessionID)
		}
	}

	return &engineHandle{engine: engine, client: client, db: db}, nil
}
