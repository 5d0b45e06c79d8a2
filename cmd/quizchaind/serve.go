package main

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"QuizChain/internal/api"
	"QuizChain/internal/auth"
	"QuizChain/internal/observability/metrics"
	"QuizChain/internal/task"
)

// runServe 启动 API、运行处理器与可选的独立指标服务，直到上下文取消。
func runServe(ctx context.Context, opts *rootOptions) (err error) {
	a, err := bootstrap(opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.close())
	}()

	if err := os.MkdirAll(a.cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	journal, err := a.buildJournal(ctx)
	if err != nil {
		return err
	}
	runner, err := a.buildRunner(ctx, journal)
	if err != nil {
		return err
	}
	dispatcher, err := a.buildDispatcher()
	if err != nil {
		return err
	}
	store, err := a.buildStore(ctx)
	if err != nil {
		return err
	}
	queue, err := a.buildQueue(ctx)
	if err != nil {
		_ = store.Close()
		return err
	}

	registry := task.NewRegistry()
	service := task.NewService(store, queue, a.cfg.Storage.TaskStore.MaxRetries,
		task.WithRegistry(registry),
		task.WithStepJournal(journal),
	)
	a.onClose(service.Close)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(a.cfg.TaskQueue.Workers),
		task.WithCancelRegistry(registry),
		task.WithSharedSecret(a.secrets.SharedSecret),
	}
	if dispatcher.Len() > 0 {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	processor := task.NewProcessor(runner, store, queue, queue, processorOpts...)

	authService := auth.NewService(auth.Config{
		SharedSecret:  a.secrets.SharedSecret,
		OperatorToken: a.secrets.OperatorToken,
	})
	server := api.NewServer(a.cfg.Server.Address, service, authService,
		api.WithReadHeaderTimeout(a.cfg.Server.ReadHeaderTimeout()),
	)

	a.log.Info("quizchaind 启动",
		zap.String("address", a.cfg.Server.Address),
		zap.String("task_store", a.cfg.Storage.TaskStore.Driver),
		zap.String("task_queue", a.cfg.TaskQueue.Driver),
		zap.Int("workers", a.cfg.TaskQueue.Workers),
		zap.Bool("operator_auth", authService.OperatorAuthEnabled()),
		zap.Int("notifiers", dispatcher.Len()),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(processor.Start(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(server.Start(groupCtx))
	})
	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		group.Go(func() error {
			return ignoreCanceled(metrics.StartServer(groupCtx, addr))
		})
	}
	if err := group.Wait(); err != nil {
		a.log.Error("quizchaind 异常退出", zap.Error(err))
		return err
	}
	a.log.Info("quizchaind 已停止")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
