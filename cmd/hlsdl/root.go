package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"hlsdl/internal/combine"
	"hlsdl/internal/config"
	"hlsdl/internal/crypto"
	"hlsdl/internal/fetch"
	"hlsdl/internal/logger"
	"hlsdl/internal/playlist"
	"hlsdl/internal/processor"
	"hlsdl/internal/progress"
)

var (
	outputPath string
	workDir    string
	numThreads int
	configFile string
	logLevel   string
	strict     bool
	proxyURL   string
	rateLimit  int64
	quiet      bool
	noCleanup  bool
)

var rootCmd = &cobra.Command{
	Use:   "hlsdl [OPTIONS] <playlist-url>",
	Short: "Download an HLS presentation into one local media file",
	Long: `hlsdl downloads an HLS (HTTP Live Streaming) media presentation identified
by a single playlist URL and materializes it as one contiguous local file,
handling key rotation, AES-128-CBC decryption, and resumable progress along
the way.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	defaults := config.Defaults()

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (required)")
	rootCmd.Flags().StringVarP(&workDir, "work-dir", "w", "", "scratch directory for segment and progress files (default: a temp dir)")
	rootCmd.Flags().IntVarP(&numThreads, "threads", "t", defaults.NumThreads, "number of concurrent segment workers")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a JSON config file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "fail on unrecognized playlist tags instead of ignoring them")
	rootCmd.Flags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL for segment and key fetches")
	rootCmd.Flags().Int64Var(&rateLimit, "rate-limit", 0, "aggregate fetch rate limit in bytes/sec (0 disables)")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the progress bar")
	rootCmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "keep segment files after a successful combine")

	rootCmd.MarkFlagRequired("output")
}

func Execute() error {
	return rootCmd.Execute()
}

func runDownload(cmd *cobra.Command, args []string) error {
	url := args[0]

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewLogger(logLevel)
	log.Infof("starting download of %s", url)

	fetcher, err := fetch.New(fetch.Config{
		UserAgent:          cfg.UserAgent,
		ConnectTimeout:     cfg.FetchConnectTimeout,
		ReadTimeout:        cfg.FetchReadTimeout,
		ProxyURL:           cfg.ProxyURL,
		RateLimitBytesPerS: cfg.RateLimitBytesPerS,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize fetcher: %w", err)
	}

	parser := &playlist.Parser{
		Fetcher:  fetcher,
		Selector: selectHighestBandwidth,
		Strict:   cfg.StrictParse,
		Log:      log,
	}

	proc := &processor.Processor{
		Fetcher:   fetcher,
		Decryptor: crypto.AES128CBC{},
		Progress:  progress.NewFileStore(filepath.Join(cfg.WorkDir, "download_state.txt")),
		Combiner:  combine.Concatenator{},
		Parser:    parser,
		Config:    cfg,
		Log:       log,
	}

	var bar *pb.ProgressBar
	if !quiet {
		bar = pb.Full.Start(0)
	}
	proc.OnProgress = func(done, total int) {
		if bar == nil {
			return
		}
		bar.SetTotal(int64(total))
		bar.SetCurrent(int64(done))
	}
	proc.OnState = func(state processor.DownloadState, message string) {
		log.Infof("state: %s (%s)", state, message)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("received interrupt, cancelling download")
		proc.Cancel()
		cancel()
	}()

	err = proc.Download(ctx, url)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	log.Infof("download complete: %s", cfg.OutputPath)
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	cfg.OutputPath = outputPath
	if workDir != "" {
		cfg.WorkDir = workDir
	} else if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "hlsdl-"+uuid.NewString())
	}
	if rootCmd.Flags().Changed("threads") {
		cfg.NumThreads = numThreads
	}
	if strict {
		cfg.StrictParse = true
	}
	if proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}
	if rateLimit > 0 {
		cfg.RateLimitBytesPerS = rateLimit
	}
	if noCleanup {
		cfg.CleanupSegmentsOnComplete = false
	}
}

// selectHighestBandwidth is the default VariantSelector: pick the variant
// with the largest advertised BANDWIDTH attribute.
func selectHighestBandwidth(variants []playlist.VariantStream) (playlist.VariantStream, error) {
	if len(variants) == 0 {
		return playlist.VariantStream{}, fmt.Errorf("no variants to select from")
	}
	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, nil
}
