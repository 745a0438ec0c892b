package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/ferry/internal/config"
	"github.com/tanq16/ferry/internal/output"
	"github.com/tanq16/ferry/internal/utils"
)

var FerryVersion = "dev"

var (
	configPath  string
	debug       bool
	logLevel    string
	destDir     string
	workers     int
	parts       int
	segmentSize string
	retries     int
	timeout     time.Duration
	proxyURL    string
	userAgent   string
	s3Profile   string
	headers     []string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:     "ferry",
	Short:   "Ferry moves files from URLs, S3 or spooled media to GoFile",
	Version: FerryVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, &loaded); err != nil {
			return err
		}
		if !debug {
			utils.SetLogLevel(loaded.LogLevel)
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		log.Debug().Str("op", "cmd/root").Str("dest", cfg.DestDir).Int("tokens", len(cfg.Tokens)).Msg("configuration loaded")
		return nil
	},
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("dest") {
		c.DestDir = destDir
	}
	if flags.Changed("workers") {
		c.MaxConcurrent = workers
	}
	if flags.Changed("parts") {
		c.MaxParts = parts
	}
	if flags.Changed("segment-size") {
		size, err := config.ParseBytes(segmentSize)
		if err != nil {
			return fmt.Errorf("--segment-size: %w", err)
		}
		c.SegmentSize = size
	}
	if flags.Changed("retries") {
		c.MaxRetries = retries
	}
	if flags.Changed("timeout") {
		c.RequestTimeout = timeout
	}
	if flags.Changed("proxy") {
		c.Proxy = proxyURL
	}
	if flags.Changed("user-agent") {
		c.UserAgent = userAgent
	}
	if flags.Changed("s3-profile") {
		c.S3Profile = s3Profile
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "C", "", "Path to YAML config file")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVarP(&destDir, "dest", "d", "downloads", "Directory for downloaded files")
	pf.IntVarP(&workers, "workers", "w", 1, "Maximum transfers in flight")
	pf.IntVarP(&parts, "parts", "c", 8, "Maximum parallel range segments per download")
	pf.StringVar(&segmentSize, "segment-size", "8MiB", "Range segment size (eg. 4MiB, 16MB)")
	pf.IntVarP(&retries, "retries", "r", 5, "Attempts per stream, segment or upload")
	pf.DurationVarP(&timeout, "timeout", "t", 15*time.Minute, "Time to wait for response headers on each request (eg. 30s, 10m)")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	pf.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent")
	pf.StringVar(&s3Profile, "s3-profile", "", "AWS profile for s3:// sources")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "Extra request header for URL sources (eg. 'Authorization: Bearer x')")

	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
}
