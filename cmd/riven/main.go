// Command riven runs the media acquisition pipeline: requested items are
// indexed against TMDB, scraped and ranked into candidate streams, resolved
// through debrid providers, registered in the virtual filesystem, projected
// as symlinks and validated after download. An embedded HTTP API exposes the
// library, the event queue and the scheduler for operation.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/api"
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/database"
	"github.com/rivenmedia/riven/internal/downloader"
	"github.com/rivenmedia/riven/internal/downloader/realdebrid"
	"github.com/rivenmedia/riven/internal/events"
	"github.com/rivenmedia/riven/internal/filesystem"
	"github.com/rivenmedia/riven/internal/indexer"
	"github.com/rivenmedia/riven/internal/logger"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metadata/tmdb"
	"github.com/rivenmedia/riven/internal/postprocessing"
	"github.com/rivenmedia/riven/internal/profile"
	"github.com/rivenmedia/riven/internal/scheduler"
	"github.com/rivenmedia/riven/internal/scheduler/tasks"
	"github.com/rivenmedia/riven/internal/scrapers"
	"github.com/rivenmedia/riven/internal/w2p"
	"github.com/rivenmedia/riven/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		Path:            cfg.Logging.Path,
		EnableStreaming: true,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Str("dataDir", cfg.General.DataDir).
		Msg("starting riven")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	store := database.NewStore(db, log.Logger)
	profiles := profile.NewSet(cfg.Profiles)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline stages, in the order items move through them.
	tmdbClient := tmdb.NewClient(cfg.Metadata.TMDB, log.Logger)
	indexSvc := indexer.New(tmdbClient, log.Logger)

	scrapeSvc, err := scrapers.New(cfg.Scrapers, profiles, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build scrapers")
	}
	scrapeSvc.Validate(ctx)

	providers, err := downloader.BuildProviders(cfg.Downloaders, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build debrid providers")
	}
	if len(providers) == 0 {
		log.Fatal().Msg("no debrid providers enabled; enable at least one of realdebrid, debridlink, alldebrid")
	}
	if err := downloader.ValidateProviders(ctx, providers, &log.Logger); err != nil {
		log.Fatal().Err(err).Msg("debrid provider validation failed")
	}
	downloadSvc, err := downloader.New(providers, profiles, cfg.Downloaders, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build downloader")
	}

	var library w2p.LibraryLister
	if cfg.W2P.RDLibraryFallback {
		for _, p := range providers {
			if p.Name() == realdebrid.ProviderName {
				library = p
				break
			}
		}
	}
	harvestSvc, err := w2p.NewService(cfg.W2P, library, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build harvester client")
	}
	harvestStage := w2p.NewStage(harvestSvc, log.Logger)

	host := filesystem.NewHost(profiles, filesystem.DefaultLayout(), log.Logger)
	defer host.Close()
	var projector *filesystem.SymlinkProjector
	if cfg.General.SymlinkLibraryPath != "" {
		projector = filesystem.NewOsSymlinkProjector(cfg.General.SymlinkLibraryPath, cfg.General.MountPath, log.Logger)
	}
	vfs := filesystem.New(host, projector, log.Logger)
	rebuildVFS(ctx, store, vfs, log.Logger)

	postSvc := postprocessing.New(cfg.PostProcessing, tmdbClient, harvestSvc, log.Logger)

	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)
	log.SetBroadcastHub(hub)

	manager := events.New(store, events.Routes{
		Indexer:        indexSvc,
		Scrapers:       scrapeSvc,
		Downloader:     downloadSvc,
		Filesystem:     vfs,
		PostProcessing: postSvc,
	}, cfg.Events, cfg.Scheduler.OngoingInterval, log.Logger)
	manager.RegisterService(harvestStage)
	manager.SetNotifier(hub.NotifyStateChange)
	manager.Start(ctx)

	if err := manager.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("failed to resume library items")
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := tasks.RegisterPipelineSweepTask(sched, store, manager, cfg.Scheduler.OngoingInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to register pipeline sweep")
	}
	if err := tasks.RegisterHarvestSweepTask(sched, store, manager, harvestStage, cfg.Scheduler.ParkedRetryInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to register harvest sweep")
	}
	if err := tasks.RegisterRetentionAuditTask(sched, store, manager, cfg.Scheduler.RetentionInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to register retention audit")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(store, manager, sched, hub, vfs, cfg.API, log.Logger)
		server.SetLogsProvider(log)
		go func() {
			addr := cfg.API.Address()
			log.Info().Str("address", addr).Msg("HTTP server listening")
			if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	manager.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}

	log.Info().Msg("riven stopped")
}

// rebuildVFS replays the virtual filesystem registrations from persisted
// trees. The host registry does not survive restarts; published items do.
func rebuildVFS(ctx context.Context, store *database.Store, vfs *filesystem.Service, log zerolog.Logger) {
	ids, err := store.ListRootIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list library roots for VFS rebuild")
		return
	}
	trees := make([]*media.Item, 0, len(ids))
	for _, id := range ids {
		tree, err := store.GetTree(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int64("item_id", id).Msg("skipping unloadable tree during VFS rebuild")
			continue
		}
		trees = append(trees, tree)
	}
	published := vfs.Rebuild(ctx, trees)
	if published > 0 {
		log.Info().Int("leaves", published).Msg("virtual filesystem rebuilt")
	}
}
