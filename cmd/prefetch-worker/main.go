package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	prefetch "github.com/always-cache/prefetch-worker"
	"github.com/always-cache/prefetch-worker/internal/journal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	verbosityDebugFlag bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	originFlag        string
	addrFlag          string
	hostFlag          string
	listenFlag        string
	settingsFlag      string
	graceFlag         time.Duration
	journalFlag       bool
	journalLimitFlag  int
	sweepIntervalFlag time.Duration

	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "prefetch-worker",
		Short:        "Caching proxy that answers prefetched API requests from memory",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	root.PersistentFlags().BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	root.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	root.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	root.AddCommand(serveCmd(), validateCmd(), initCmd(), versionCmd())
	return root
}

func setupLogging() error {
	logLevel := zerolog.InfoLevel
	if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxy an origin and cache prefetched requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flags.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flags.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flags.StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	flags.StringVar(&settingsFlag, "settings", "", "Settings file (YAML or JSON) used as defaults")
	flags.DurationVar(&graceFlag, "grace", prefetch.DefaultGrace, "Time to wait for PREFETCH_INIT before applying defaults")
	flags.BoolVar(&journalFlag, "journal", true, "Record engine decisions in an in-memory journal")
	flags.IntVar(&journalLimitFlag, "journal-limit", journal.DefaultLimit, "Number of journal records kept")
	flags.DurationVar(&sweepIntervalFlag, "sweep-interval", time.Minute, "Interval of background sweeps of expired entries (0 disables)")
	return cmd
}

func originURL() (url.URL, string, error) {
	// get the downstream server address
	switch {
	case originFlag != "":
		originUrl, err := url.Parse(originFlag)
		if err != nil {
			return url.URL{}, "", fmt.Errorf("could not parse origin: %w", err)
		}
		return *originUrl, hostFlag, nil
	case addrFlag != "":
		originUrl, err := url.Parse("https://" + addrFlag)
		if err != nil {
			return url.URL{}, "", fmt.Errorf("could not parse origin address: %w", err)
		}
		return *originUrl, hostFlag, nil
	}
	return url.URL{}, "", errors.New("please specify origin")
}

func serve(ctx context.Context) error {
	origin, host, err := originURL()
	if err != nil {
		return err
	}

	defaults := prefetch.DefaultSettings()
	if settingsFlag != "" {
		if defaults, err = prefetch.LoadSettings(settingsFlag); err != nil {
			return err
		}
	}

	var j *journal.Journal
	if journalFlag {
		if j, err = journal.Open(journal.Config{Limit: journalLimitFlag, Logger: &log.Logger}); err != nil {
			return err
		}
		defer j.Close()
	}

	worker := prefetch.NewWorker(prefetch.WorkerConfig{
		Origin:     origin,
		OriginHost: host,
		Defaults:   defaults,
		Grace:      graceFlag,
		Logger:     &log.Logger,
		Journal:    j,
	})
	defer worker.Close()
	worker.Install()

	srv := &http.Server{
		Addr:              listenFlag,
		Handler:           worker,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", listenFlag, origin.String(), host)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if sweepIntervalFlag > 0 {
		g.Go(func() error {
			sweep(ctx, worker, sweepIntervalFlag)
			return nil
		})
	}
	return g.Wait()
}

func sweep(ctx context.Context, worker *prefetch.Worker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine := worker.Engine(); engine != nil {
				if n := engine.Sweep(); n > 0 {
					log.Debug().Int("swept", n).Msg("Swept expired entries")
				}
			}
		}
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := prefetch.LoadSettings(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Settings are valid\n")
			fmt.Fprintf(out, "  apiMatcher:        %s\n", settings.ApiMatcher)
			fmt.Fprintf(out, "  defaultExpireTime: %dms\n", settings.DefaultExpireTime)
			fmt.Fprintf(out, "  maxCacheSize:      %d\n", settings.MaxCacheSize)
			fmt.Fprintf(out, "  allowCrossOrigin:  %t\n", settings.AllowCrossOrigin)
			fmt.Fprintf(out, "  autoSkipWaiting:   %t\n", settings.AutoSkipWaiting)
			fmt.Fprintf(out, "  debug:             %t\n", settings.Debug)
			if len(settings.IgnoreBodyFields) > 0 {
				fmt.Fprintf(out, "  ignoreBodyFields:  %v\n", settings.IgnoreBodyFields)
			}
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <endpoint> [file]",
		Short: "Send PREFETCH_INIT to a running worker",
		Long: "Send PREFETCH_INIT to the message endpoint of a running worker " +
			"(e.g. http://localhost:8080" + prefetch.MessagePath + "), " +
			"with the settings in file if given.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch prefetch.SettingsPatch
			if len(args) == 2 {
				var err error
				if patch, err = prefetch.LoadSettingsPatch(args[1]); err != nil {
					return err
				}
			}
			reply, err := prefetch.SendInit(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			log.Info().
				Str("callbackId", reply.CallbackID).
				Str("message", reply.Message).
				Interface("settings", reply.EffectiveConfig).
				Msg("Worker initialized")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "prefetch-worker %s\n", version)
		},
	}
}
