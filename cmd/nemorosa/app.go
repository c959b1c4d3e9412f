// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/nemorosa/internal/api"
	"github.com/autobrr/nemorosa/internal/buildinfo"
	"github.com/autobrr/nemorosa/internal/config"
	"github.com/autobrr/nemorosa/internal/database"
	"github.com/autobrr/nemorosa/internal/engine"
	"github.com/autobrr/nemorosa/internal/gazelle"
	"github.com/autobrr/nemorosa/internal/logger"
	"github.com/autobrr/nemorosa/internal/metrics"
	"github.com/autobrr/nemorosa/internal/models"
	"github.com/autobrr/nemorosa/internal/scheduler"
	"github.com/autobrr/nemorosa/internal/torrentclient"
	"github.com/autobrr/nemorosa/internal/tracking"
)

const shutdownTimeout = 10 * time.Second

// app is one fully wired process: configuration, database, target sites,
// torrent client, verification tracker and the match engine.
type app struct {
	appCfg *config.AppConfig
	cfg    *config.Config
	clk    clock.Clock

	logCloser io.Closer
	db        *database.DB

	client  torrentclient.Client
	tracker *tracking.Tracker
	metrics *metrics.Manager
	engine  *engine.Engine
	joblog  *models.JobLogStore
}

// newApp wires the process. Target sites that cannot be reached are
// dropped with a log line; ending up with none is fatal, as is an
// unreachable torrent client.
func newApp(ctx context.Context, appCfg *config.AppConfig) (*app, error) {
	cfg := appCfg.Config()

	logCloser, err := logger.Init(cfg.Global.LogLevel, cfg.Global.LogPath)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("version", buildinfo.Version).
		Str("config", appCfg.ConfigPath()).
		Msg("Starting nemorosa")

	a := &app{
		appCfg:    appCfg,
		cfg:       cfg,
		clk:       clock.New(),
		logCloser: logCloser,
	}

	db, err := database.New(appCfg.GetDatabasePath())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db

	sites := make([]engine.Site, 0, len(cfg.TargetSites))
	for _, sc := range cfg.TargetSites {
		site, err := gazelle.New(gazelle.Options{
			Server:  sc.Server,
			Tracker: sc.Tracker,
			APIKey:  sc.APIKey,
			Cookie:  sc.Cookie,
		})
		if err != nil {
			log.Error().Err(err).Str("server", sc.Server).Msg("Skipping target site")
			continue
		}
		if err := site.Connect(ctx); err != nil {
			log.Error().Err(err).Str("server", sc.Server).Msg("Target site connection failed, skipping")
			continue
		}
		sites = append(sites, site)
	}
	if len(sites) == 0 {
		a.Close()
		return nil, errors.New("no target sites could be reached")
	}

	client, err := torrentclient.New(cfg.Downloader.Client, cfg.Downloader.Label)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "build torrent client")
	}
	if err := client.Connect(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "connect to torrent client")
	}
	log.Info().Str("vendor", client.Name()).Msg("Connected to torrent client")
	a.client = client

	scans := models.NewScanResultStore(db)
	a.joblog = models.NewJobLogStore(db)
	a.tracker = tracking.New(a.clk, client, scans, nil)
	a.metrics = metrics.NewManager(db, a.tracker.Count)

	eng, err := engine.New(engine.Options{
		Settings: engine.Settings{
			NoDownload:     cfg.Global.NoDownload,
			ExcludeMP3:     cfg.Global.ExcludeMP3,
			CheckMusicOnly: cfg.Global.CheckMusicOnly,
			CheckTrackers:  cfg.Global.CheckTrackers,
			Label:          cfg.Downloader.Label,
		},
		Client:  client,
		Sites:   sites,
		DB:      db,
		Scans:   scans,
		Retries: models.NewRetryQueueStore(db),
		Cache:   models.NewClientTorrentStore(db),
		Tracker: a.tracker,
		Metrics: a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng

	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// runSweep scans every eligible client torrent once, then drains the
// verification tracker before returning.
func (a *app) runSweep(ctx context.Context) error {
	if err := a.tracker.Start(ctx); err != nil {
		return err
	}

	_, err := a.engine.Sweep(ctx)
	a.tracker.Stop(ctx)
	return err
}

func (a *app) runRetry(ctx context.Context) error {
	if err := a.tracker.Start(ctx); err != nil {
		return err
	}

	_, err := a.engine.RetryUndownloaded(ctx)
	a.tracker.Stop(ctx)
	return err
}

func (a *app) runSingle(ctx context.Context, cmd *cobra.Command, infohash string) error {
	if err := a.tracker.Start(ctx); err != nil {
		return err
	}

	res, err := a.engine.Single(ctx, infohash)
	if err != nil {
		return err
	}
	a.tracker.Stop(ctx)

	cmd.Printf("Status: %s\n", res.Status)
	cmd.Printf("Message: %s\n", res.Message)
	cmd.Printf("Infohash: %s\n", res.Infohash)
	if res.TorrentName != "" {
		cmd.Printf("Torrent: %s\n", res.TorrentName)
	}
	if len(res.ExistingTrackers) > 0 {
		cmd.Printf("Existing trackers: %s\n", strings.Join(res.ExistingTrackers, ", "))
	}
	if res.Stats != nil {
		cmd.Printf("Stats: scanned=%d found=%d downloaded=%d downloadFailed=%d\n",
			res.Stats.Scanned, res.Stats.Found, res.Stats.Downloaded, res.Stats.DownloadFailed)
	}
	return nil
}

// runServer hosts the webhook plus the scheduled search and cleanup jobs
// until the process is signalled.
func (a *app) runServer(ctx context.Context) error {
	if err := a.tracker.Start(ctx); err != nil {
		return err
	}

	if err := a.engine.RefreshCache(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to warm the torrent cache")
	}

	sched := scheduler.New(a.clk, a.joblog)

	if err := sched.Add(ctx, scheduler.JobCleanup, a.cleanupCadence(), func(ctx context.Context) error {
		_, err := a.engine.RetryUndownloaded(ctx)
		return err
	}); err != nil {
		return err
	}

	if a.cfg.Server.SearchCadence != "" {
		if err := sched.Add(ctx, scheduler.JobSearch, a.cfg.Server.SearchCadence, func(ctx context.Context) error {
			_, err := a.engine.Sweep(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	srv := api.NewServer(api.Options{
		Addr:    a.appCfg.ListenAddr(),
		APIKey:  a.cfg.Server.APIKey,
		Engine:  a.engine,
		Metrics: a.metrics,
	})

	a.appCfg.Watch(func(c *config.Config) {
		logger.SetLevel(c.Global.LogLevel)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Forcing HTTP server to close")
			_ = srv.Stop()
		}
		return nil
	})

	err := g.Wait()

	sched.Stop()
	a.tracker.Stop(context.Background())
	log.Info().Msg("Shut down cleanly")
	return err
}

func (a *app) cleanupCadence() string {
	if a.cfg.Server.CleanupCadence != "" {
		return a.cfg.Server.CleanupCadence
	}
	return config.DefaultCleanupCadence
}
