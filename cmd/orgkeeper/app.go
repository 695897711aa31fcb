package main

import (
	"fmt"

	"github.com/wurt83ow/orgkeeper/pkg/backend"
	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/config"
	"github.com/wurt83ow/orgkeeper/pkg/entity"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/orchestrator"
	"github.com/wurt83ow/orgkeeper/pkg/services"
	"github.com/wurt83ow/orgkeeper/pkg/session"
	"github.com/wurt83ow/orgkeeper/pkg/syncer"
	"github.com/wurt83ow/orgkeeper/pkg/syncinfo"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// app holds the components shared by the commands. It is built once per
// process; the orchestrator is the single instance every caller uses.
type app struct {
	opts     *config.Options
	log      *logger.Logger
	keeper   *bdkeeper.Keeper
	queue    *syncqueue.Queue
	registry *entity.Registry
	provider session.Provider
	orch     *orchestrator.Orchestrator
	svc      *services.Service
}

func newApp(opts *config.Options) (*app, error) {
	log := logger.NewLogger(logger.Options{
		Path:       opts.LogPath,
		MaxSizeMB:  10,
		MaxBackups: 3,
		Stderr:     opts.LogStderr,
	})

	keeper, err := bdkeeper.New(opts.DBPath, log)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	queue := syncqueue.New(keeper, syncqueue.Config{
		MaxAttempts:   opts.MaxAttempts,
		BackoffBase:   opts.BackoffBase,
		BackoffMax:    opts.BackoffMax,
		BackoffFactor: opts.BackoffFactor,
	}, log)
	registry := entity.Default(log)

	b, err := backend.NewHTTP(opts.ServerURL, backend.WithTimeout(opts.RequestTimeout))
	if err != nil {
		keeper.Close()
		log.Close()
		return nil, err
	}

	info, err := syncinfo.NewSyncManager(opts.SyncInfoPath)
	if err != nil {
		keeper.Close()
		log.Close()
		return nil, err
	}

	a := &app{
		opts:     opts,
		log:      log,
		keeper:   keeper,
		queue:    queue,
		registry: registry,
		provider: session.NewFileStore(opts.SessionPath, opts.Passphrase),
	}
	if opts.OwnerID != "" {
		a.provider = session.NewStatic(opts.OwnerID, opts.Token)
	}

	a.orch = orchestrator.New(orchestrator.Components{
		Keeper:   keeper,
		Queue:    queue,
		Registry: registry,
		Pusher:   syncer.NewPusher(queue, b, log, opts.PushWorkers),
		Puller: syncer.NewPuller(keeper, registry, b, log, syncer.PullerOptions{
			Workers:     opts.PullWorkers,
			Incremental: opts.Incremental,
			Lookback:    opts.PullLookback,
		}),
		Session:  a.provider,
		SyncInfo: info,
		Log:      log,
	}, orchestrator.Options{
		Interval:      opts.SyncInterval,
		DoneRetention: opts.DoneRetention,
		DegradedAfter: opts.DegradedAfter,
	})
	a.svc = services.NewServices(keeper, registry, queue, a.provider, a.orch, log)
	return a, nil
}

func (a *app) Close() {
	a.orch.Stop()
	a.orch.Wait()
	if err := a.keeper.Close(); err != nil {
		a.log.Printf("close database: %v", err)
	}
	a.log.Close()
}
