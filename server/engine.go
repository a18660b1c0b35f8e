package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sagacheckout/logging"
)

// Engine 负责编排进程的启动流程
// Flow: BeforeStart -> Group.Start -> AfterStart -> Wait -> BeforeStop -> Group.Stop -> AfterStop
type Engine struct {
	group   *Group
	options *Options
	logger  logging.Logger

	mu    sync.RWMutex
	state State
}

// NewEngine 创建一个启动引擎
func NewEngine(group *Group, opts ...Option) *Engine {
	options := DefaultOptions()
	for _, o := range opts {
		o(options)
	}
	return &Engine{
		group:   group,
		options: options,
		logger:  logging.Component("server").WithFields(logging.String("service", options.Name)),
		state:   StatePending,
	}
}

// State 获取当前引擎状态
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start 运行到收到 SIGINT/SIGTERM 为止
func (e *Engine) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.Run(ctx)
}

// Run 启动全部组件并阻塞到 ctx 结束，然后在 ShutdownTimeout 内优雅关闭
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info(ctx, "starting", logging.String("version", e.options.Version))
	e.setState(StateStarting)

	for _, hook := range e.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			e.setState(StateError)
			return fmt.Errorf("OnBeforeStart hook failed: %w", err)
		}
	}

	startCtx, startCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	err := e.group.Start(startCtx)
	startCancel()
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("failed to start components: %w", err)
	}

	e.setState(StateRunning)
	for _, hook := range e.options.OnAfterStart {
		if err := hook(ctx); err != nil {
			e.logger.Warn(ctx, "OnAfterStart hook failed", logging.Error(err))
		}
	}
	e.logger.Info(ctx, "running", logging.Int("components", e.group.Running()))

	<-ctx.Done()
	e.logger.Info(ctx, "shutting down")
	e.setState(StateStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), e.options.ShutdownTimeout)
	defer shutdownCancel()

	for _, hook := range e.options.OnBeforeStop {
		if err := hook(shutdownCtx); err != nil {
			e.logger.Warn(shutdownCtx, "OnBeforeStop hook failed", logging.Error(err))
		}
	}

	if err := e.group.Stop(shutdownCtx); err != nil {
		e.setState(StateError)
		e.logger.Error(shutdownCtx, "shutdown error", logging.Error(err))
		return err
	}

	for _, hook := range e.options.OnAfterStop {
		if err := hook(shutdownCtx); err != nil {
			e.logger.Warn(shutdownCtx, "OnAfterStop hook failed", logging.Error(err))
		}
	}

	e.setState(StateStopped)
	e.logger.Info(shutdownCtx, "shutdown complete")
	return nil
}
