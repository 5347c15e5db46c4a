package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mushstyle/scrape2-sub001/pkg/config"
	"github.com/mushstyle/scrape2-sub001/pkg/fetch"
	"github.com/mushstyle/scrape2-sub001/pkg/orchestrate"
	"github.com/mushstyle/scrape2-sub001/pkg/scrape"
	"github.com/mushstyle/scrape2-sub001/pkg/session"
	"github.com/mushstyle/scrape2-sub001/pkg/storage"
	"github.com/mushstyle/scrape2-sub001/pkg/watch"
)

func main() {
	// --- Early Initialization & Flags ---
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	configFileFlag := flag.String("config", "config.yaml", "Path to YAML config file")
	logLevelFlag := flag.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	resumeFlag := flag.Bool("resume", false, "Resume crawl using existing state DB")
	pprofAddr := flag.String("pprof", "", "Address for pprof HTTP server (e.g., ':6060', empty to disable)")
	watchFlag := flag.String("watch", "", "Re-run the crawl on an interval (e.g. '6h', '1d', empty for a single run)")
	flag.Parse()

	// --- Logger Configuration ---
	level, err := logrus.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", *logLevelFlag, err)
	} else {
		log.SetLevel(level)
	}

	// --- Load Application Configuration ---
	log.Infof("Loading configuration from %s", *configFileFlag)
	yamlFile, err := os.ReadFile(*configFileFlag)
	if err != nil {
		log.Fatalf("Read config file '%s' error: %v", *configFileFlag, err)
	}
	var appCfg config.AppConfig
	if err := yaml.Unmarshal(yamlFile, &appCfg); err != nil {
		log.Fatalf("Parse config file '%s' error: %v", *configFileFlag, err)
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	logAppConfig(&appCfg, log)

	// --- Start pprof HTTP Server (Optional) ---
	if *pprofAddr != "" {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("PANIC in pprof server: %v", r)
				}
			}()
			log.Infof("Starting pprof HTTP server on: http://%s/debug/pprof/", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Errorf("Pprof server failed to start on %s: %v", *pprofAddr, err)
			}
		}()
	}

	// --- Global Context & Signal Handling ---
	crawlCtx, cancelCrawl := context.WithCancel(context.Background())
	defer cancelCrawl()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancelCrawl()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()
	defer signal.Stop(sigChan)

	// --- Initialize Components ---
	log.Info("Initializing components...")
	entry := logrus.NewEntry(log)

	runName := strings.TrimSuffix(filepath.Base(*configFileFlag), filepath.Ext(*configFileFlag))
	store, err := storage.NewBadgerStore(appCfg.StateDir, runName, *resumeFlag, entry)
	if err != nil {
		log.Fatalf("Failed to initialize run DB: %v", err)
	}
	defer store.Close()
	go store.RunGC(crawlCtx, 10*time.Minute)

	rateLimiter := fetch.NewRateLimiter(appCfg.DefaultDelayPerHost, entry)

	provider, err := session.NewProvider(&appCfg, rateLimiter, entry)
	if err != nil {
		log.Fatalf("Failed to initialize session provider: %v", err)
	}
	pool := session.NewPool(provider, &appCfg, entry)

	registry := scrape.NewRegistry()
	for key, siteCfg := range appCfg.Sites {
		registry.Register(siteCfg.Domain, scrape.NewGenericScraper(siteCfg.Scrape, entry.WithField("site", key)))
	}

	firstRun := true
	runOnce := func(ctx context.Context) (orchestrate.RunSummary, error) {
		orchestrator := orchestrate.NewOrchestrator(&appCfg, pool, registry, store, entry)
		if err := orchestrator.SeedTargets(ctx, *resumeFlag && firstRun); err != nil {
			return orchestrate.RunSummary{}, err
		}
		firstRun = false

		summary, err := orchestrator.Run(ctx)

		poolStats := pool.Stats()
		if !appCfg.Cache.Disabled {
			log.Infof("Cache: %d hits, %d misses across %d sessions",
				poolStats.CacheHits, poolStats.CacheMisses, poolStats.Destroyed)
		}
		log.Infof("Run: %d cycles, %d targets processed (%d ok, %d failed), %d records in %v",
			summary.Cycles, summary.Processed, summary.Succeeded, summary.Failed,
			summary.RecordsSaved, summary.Duration.Round(time.Millisecond))
		return summary, err
	}

	// --- Run ---
	if *watchFlag != "" {
		interval, parseErr := watch.ParseInterval(*watchFlag)
		if parseErr != nil {
			log.Fatalf("Invalid -watch interval: %v", parseErr)
		}
		scheduler := watch.NewScheduler(runName, interval, watch.NewStateManager(appCfg.StateDir), runOnce, entry)
		err = scheduler.Run(crawlCtx)
	} else {
		_, err = runOnce(crawlCtx)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Crawl cancelled gracefully.")
			os.Exit(0)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("Crawl timed out (global timeout).")
			os.Exit(1)
		}
		log.Errorf("Crawl finished with error: %v", err)
		os.Exit(1)
	}

	log.Info("Crawl completed successfully.")
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: Workers:%d, MaxSessions:%d, MaxReqs:%d, Provider:%s",
		appCfg.NumWorkers, appCfg.MaxSessions, appCfg.MaxRequests, appCfg.Provider.Type)
	log.Infof("Global Config: DefaultDelay:%v, StateDir:%s, Sites:%d, Proxies:%d",
		appCfg.DefaultDelayPerHost, appCfg.StateDir, len(appCfg.Sites), len(appCfg.Provider.Proxies))
	log.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Global Config Timeouts: SemaphoreAcquire:%v, GlobalCrawl:%v, PerTarget:%v",
		appCfg.SemaphoreAcquireTimeout, appCfg.GlobalCrawlTimeout, appCfg.PerTargetTimeout)
	log.Infof("Global Config Cache: Disabled:%t, MaxSize:%d bytes, TTL:%v, BlockImages:%t",
		appCfg.Cache.Disabled, appCfg.Cache.MaxSizeBytes, appCfg.Cache.TTL, appCfg.Cache.BlockImages)
}
