package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/afero"

	"github.com/kirychukyurii/loadgen-manager/internal/cache"
	"github.com/kirychukyurii/loadgen-manager/internal/config"
	"github.com/kirychukyurii/loadgen-manager/internal/lifecycle"
	"github.com/kirychukyurii/loadgen-manager/internal/model"
	"github.com/kirychukyurii/loadgen-manager/internal/remote"
	"github.com/kirychukyurii/loadgen-manager/internal/repository"
	"github.com/kirychukyurii/loadgen-manager/internal/service"
)

// app holds the wired services shared by all subcommands
type app struct {
	kv      repository.KV
	nodes   service.NodeService
	reports service.ReportService
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	kv, err := repository.Open(ctx, cfg.Registry, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	executor, err := remote.NewSSHExecutor(remote.SSHConfig{
		DialTimeout:           cfg.Remote.DialTimeout,
		KnownHostsFile:        cfg.Remote.KnownHostsFile,
		InsecureIgnoreHostKey: cfg.Remote.InsecureIgnoreHostKey,
	}, log)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	if cfg.Remote.InsecureDefaultPassword != "" {
		log.Warn("insecure default password is configured and will be used for nodes without a password")
	}

	ctrl := lifecycle.NewController(executor, lifecycle.Config{
		CommandTimeout:          cfg.Remote.CommandTimeout,
		SettleInterval:          cfg.Remote.SettleInterval,
		StartWait:               cfg.Remote.StartWait,
		InsecureDefaultPassword: cfg.Remote.InsecureDefaultPassword,
	}, log)

	nodes := service.NewNodeService(
		repository.NewNodeRepository(kv),
		ctrl,
		cache.New[model.Node](cfg.Cache.TTL),
		cfg.Remote.MaxConcurrent,
		log,
	)
	reports := service.NewReportService(
		repository.NewReportRepository(kv),
		afero.NewOsFs(),
		cfg.Reports.CasePath,
		log,
	)

	log.Debug("registry opened", slog.String("driver", cfg.Registry.Driver))

	return &app{kv: kv, nodes: nodes, reports: reports}, nil
}

func (a *app) Close() error {
	return a.kv.Close()
}

// withApp opens the app for the duration of fn
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close registry", slog.String("error", err.Error()))
		}
	}()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
