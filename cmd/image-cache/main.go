package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	imagecache "github.com/always-cache/image-cache"
	"github.com/always-cache/image-cache/cache"
	httpapi "github.com/always-cache/image-cache/pkg/http-api"
	"github.com/always-cache/image-cache/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag      string
	portFlag                int
	providerFlag            string
	capacityFlag            uint64
	purgeTargetFlag         uint64
	maxDownloadsFlag        int
	timeoutFlag             time.Duration
	disableRevalidationFlag bool
	warmSupersededFlag      bool
	verbosityTraceFlag      bool
	logFilenameFlag         string

	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}

	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file (flags override its values)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", providerMemory, "Cache provider: memory or sqlite (in-memory sqlite db)")
	flag.Uint64Var(&capacityFlag, "capacity", cache.DefaultCapacityBytes, "Cache capacity in bytes")
	flag.Uint64Var(&purgeTargetFlag, "purge-target", cache.DefaultPurgeTargetBytes, "Usage in bytes the cache is purged down to")
	flag.IntVar(&maxDownloadsFlag, "max-downloads", transport.DefaultMaxActiveDownloads, "Maximum number of concurrent downloads")
	flag.DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Download timeout (0 for none)")
	flag.BoolVar(&disableRevalidationFlag, "no-revalidate", false, "Do not refresh cached images in the background")
	flag.BoolVar(&warmSupersededFlag, "warm-superseded", false, "Keep downloading superseded requests into the cache")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
}

// applyFlags copies the flags that were set on the command line into the config.
func applyFlags(config *Config, visit func(func(*flag.Flag))) {
	visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = portFlag
		case "provider":
			config.Provider = providerFlag
		case "capacity":
			config.Cache.CapacityBytes = capacityFlag
		case "purge-target":
			config.Cache.PurgeTargetBytes = purgeTargetFlag
		case "max-downloads":
			config.Transport.MaxActiveDownloads = maxDownloadsFlag
		case "timeout":
			config.Transport.Timeout = timeoutFlag
		case "no-revalidate":
			config.DisableRevalidation = disableRevalidationFlag
		case "warm-superseded":
			config.WarmSuperseded = warmSupersededFlag
		}
	})
}

func newProvider(config Config, logger zerolog.Logger) (cache.Provider[[]byte], error) {
	capacity, target := config.Cache.CapacityBytes, config.Cache.PurgeTargetBytes
	if config.Provider == providerSQLite {
		provider, err := cache.NewSQLiteCache("image-cache", capacity, target, cache.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return provider, nil
	}
	provider, err := cache.NewMemCache[[]byte](capacity, target, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := defaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFilenameFlag).Msg("Could not read config")
		}
	}
	applyFlags(&config, flag.Visit)
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	provider, err := newProvider(config, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Provider).Msg("Could not create cache")
	}

	images, err := imagecache.CreateCache(imagecache.Config[[]byte]{
		Cache: provider,
		Transport: transport.NewHTTP(
			transport.WithMaxActiveDownloads(config.Transport.MaxActiveDownloads),
			transport.WithTimeout(config.Transport.Timeout),
			transport.WithUserAgent(config.Transport.UserAgent),
			transport.WithLogger(log.Logger),
		),
		Logger:              &log.Logger,
		DisableRevalidation: config.DisableRevalidation,
		WarmSuperseded:      config.WarmSuperseded,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create image cache")
	}

	log.Info().
		Int("port", config.Port).
		Str("provider", config.Provider).
		Uint64("capacity", config.Cache.CapacityBytes).
		Uint64("purgeTarget", config.Cache.PurgeTargetBytes).
		Msg("Serving image cache")
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), httpapi.New(images, httpapi.WithLogger(log.Logger)))

	if err != nil {
		panic(err)
	}
}
