// Package app wires the process together: store, dispatcher, orchestrator,
// reconciliation runner and the HTTP boundary.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mirra/internal/config"
	"mirra/internal/dispatch"
	"mirra/internal/gateway"
	"mirra/internal/gateway/exchange"
	"mirra/internal/logger"
	"mirra/internal/orchestrator"
	"mirra/internal/reconcile"
	"mirra/internal/store"
	"mirra/internal/store/auditlog"
	mirrahttp "mirra/internal/transport/http"
)

// App 负责应用级编排：加载配置→初始化依赖→启动服务。
type App struct {
	cfg       *config.Config
	store     *store.Store
	audit     *auditlog.Store
	orch      *orchestrator.Orchestrator
	reconcile *reconcile.Runner
	http      *mirrahttp.Server
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(strings.ToLower(cfg.App.LogLevel))

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	audit, err := auditlog.New(cfg.Store.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("初始化审计日志失败: %w", err)
	}

	baseURLs := make(map[string]string, len(cfg.Exchanges))
	leadCreds := make(map[string]exchange.Credentials, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		key := strings.ToLower(name)
		if ex.BaseURL != "" {
			baseURLs[key] = ex.BaseURL
		}
		if ex.APIKey != "" {
			leadCreds[key] = exchange.Credentials{APIKey: ex.APIKey, Secret: ex.Secret, Password: ex.Password}
		}
	}
	timeout := time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second
	factory := gateway.NewFactory(gateway.Options{Timeout: timeout, BaseURLs: baseURLs})

	dispatcher := dispatch.New(factory, timeout, cfg.Dispatch.MaxParallel)
	orch := orchestrator.New(st, dispatcher, factory, leadCreds).WithAuditLog(audit)

	a := &App{cfg: cfg, store: st, audit: audit, orch: orch}

	if cfg.Reconcile.Enabled {
		scanner := reconcile.NewScanner(st, cfg.Reconcile.MaxPages)
		a.reconcile = reconcile.NewRunner(st, scanner, factory, leadCreds,
			time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second, cfg.Reconcile.BatchSize)
	}

	srv, err := mirrahttp.NewServer(mirrahttp.ServerConfig{
		Addr:         cfg.App.HTTPAddr,
		Orchestrator: orch,
		AuditLog:     audit,
	})
	if err != nil {
		return nil, err
	}
	a.http = srv
	return a, nil
}

// Store exposes the persistence layer for ops tooling (seed import).
func (a *App) Store() *store.Store {
	if a == nil {
		return nil
	}
	return a.store
}

// Run 启动 HTTP 服务与对账任务, 直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("HTTP 服务监听 %s", a.http.Addr())
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if a.reconcile != nil {
		group.Go(func() error {
			a.reconcile.Run(ctx)
			return nil
		})
	}
	return group.Wait()
}

func (a *App) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Warnf("关闭审计日志失败: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
	}
}
