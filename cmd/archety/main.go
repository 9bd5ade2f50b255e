package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ha1tch/archety/pkg/batch"
	"github.com/ha1tch/archety/pkg/cache"
	"github.com/ha1tch/archety/pkg/config"
	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/pages"
	"github.com/ha1tch/archety/pkg/resolver"
	"github.com/ha1tch/archety/pkg/server"
	"github.com/ha1tch/archety/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Setup logger
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Logger().
		Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	// Load configuration: defaults, file, env, flags
	fs := flag.NewFlagSet("archety", flag.ContinueOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	printBanner(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	// Initialize storage
	if cfg.StorageType == "jsonfile" || cfg.StorageType == "badger" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.StorageType, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}()

	if infoProvider, ok := store.(storage.InfoProvider); ok {
		info := infoProvider.Info()
		logger.Info().
			Str("type", info.Type).
			Str("version", info.Version).
			Bool("supports_savepoints", info.SupportsSavepoints).
			Bool("supports_export", info.SupportsExport).
			Bool("persistent", info.PersistentOnDisk).
			Msg("Storage initialized")
	}

	// Initialize cache
	lookup, err := newCache(cfg, logger)
	if err != nil {
		return err
	}
	defer lookup.Close()

	res := resolver.New(store, lookup, logger)
	writer := batch.New(store, lookup, batch.Options{
		FlushInterval: cfg.FlushInterval,
		ChunkSize:     cfg.ChunkSize,
		Notifier:      batch.LogNotifier{Logger: logger},
	}, logger)

	var checker pages.Checker = pages.Noop{}
	if cfg.PageCheckEnabled {
		checker = pages.NewHTTPChecker(cfg.PageCheckTimeout)
	}

	srv := server.New(cfg, store, lookup, res, writer, checker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msg("Server ready to accept requests")
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking requests before the final flush so nothing is
		// enqueued behind it.
		err := srv.Shutdown(shutdownCtx)
		if stopErr := writer.Stop(shutdownCtx); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Final flush failed")
			err = errors.Join(err, stopErr)
		}
		return err
	})

	return g.Wait()
}

// newCache builds the lookup cache. Redis falls back to memory when it
// cannot be reached at startup.
func newCache(cfg *config.Config, logger zerolog.Logger) (cache.Cache, error) {
	memory := func() (cache.Cache, error) {
		c, err := cache.NewMemoryCache(map[models.Kind]int{
			models.KindIdentity: cfg.IdentityCacheSize,
			models.KindPage:     cfg.PageCacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize cache: %w", err)
		}
		logger.Info().
			Int("identities", cfg.IdentityCacheSize).
			Int("pages", cfg.PageCacheSize).
			Msg("Using in-memory cache")
		return c, nil
	}

	if cfg.CacheType != "redis" {
		return memory()
	}

	redisCache, err := cache.NewRedisCache(cache.RedisOptions{
		Host:      cfg.RedisHost,
		Port:      cfg.RedisPort,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to connect to Redis, falling back to memory cache")
		return memory()
	}
	logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)).Msg("Using Redis cache")
	return redisCache, nil
}

func printBanner(cfg *config.Config) {
	lightBlue := "\033[1;36m"
	reset := "\033[0m"

	fmt.Print(lightBlue)
	fmt.Println("                  _          _")
	fmt.Println("  __ _ _ __ ___| |__   ___| |_ _   _")
	fmt.Println(" / _` | '__/ __| '_ \\ / _ \\ __| | | |")
	fmt.Println("| (_| | | | (__| | | |  __/ |_| |_| |")
	fmt.Println(" \\__,_|_|  \\___|_| |_|\\___|\\__|\\__, |")
	fmt.Println("                               |___/")
	fmt.Print(reset)

	fmt.Println()
	fmt.Println("//////////////////////////// archety " + config.Version + " /////////////////////////")
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println("Server Configuration:")
	fmt.Printf("  Host: %s\n", cfg.Host)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Printf("  Admin endpoints: %v\n", cfg.AdminEnabled)
	fmt.Println()
	fmt.Println("Storage Configuration:")
	fmt.Printf("  Type: %s\n", cfg.StorageType)
	switch cfg.StorageType {
	case "sqlite":
		fmt.Printf("  Path: %s\n", cfg.DBPath)
	case "jsonfile", "badger":
		fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	case "neo4j":
		fmt.Printf("  URI: %s\n", cfg.Neo4jURI)
	}
	fmt.Println()
	fmt.Println("Cache Configuration:")
	fmt.Printf("  Type: %s\n", cfg.CacheType)
	if cfg.CacheType == "redis" {
		fmt.Printf("  Redis: %s:%d/%d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)
	} else {
		fmt.Printf("  Identities: %d\n", cfg.IdentityCacheSize)
		fmt.Printf("  Pages: %d\n", cfg.PageCacheSize)
	}
	fmt.Println()
	fmt.Println("Batch Writer:")
	fmt.Printf("  Flush interval: %s\n", cfg.FlushInterval)
	fmt.Printf("  Chunk size: %d\n", cfg.ChunkSize)
	fmt.Println()
	fmt.Println("Pages:")
	fmt.Printf("  URL prefix: %s\n", cfg.PageURLPrefix)
	fmt.Printf("  Check: %v (timeout %s)\n", cfg.PageCheckEnabled, cfg.PageCheckTimeout)
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println()
}
