package server

import (
	"context"
	"fmt"
	"io"
	"sync"

	"sagacheckout/errors"
)

// Component 受引擎管理的进程内组件，例如消费 Runner、扫描器和存储连接
//
// Start 不应长时间阻塞，长期运行的工作放到后台 goroutine 中；Stop 在 ctx 到期前返回。
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Starter 具有 Start/Stop 方法的对象（messaging.Runner、saga.Orchestrator 的扫描器等）
type Starter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type funcComponent struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// NewComponent 由一对函数构造组件，nil 函数视为空操作
func NewComponent(name string, start, stop func(ctx context.Context) error) Component {
	return &funcComponent{name: name, start: start, stop: stop}
}

// Wrap 把 Starter 包装为具名组件
func Wrap(name string, s Starter) Component {
	return NewComponent(name, s.Start, s.Stop)
}

// Closer 只在关闭阶段调用 Close 的组件（传输、存储连接）
func Closer(name string, c io.Closer) Component {
	return NewComponent(name, nil, func(context.Context) error { return c.Close() })
}

func (c *funcComponent) Name() string { return c.name }

func (c *funcComponent) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c *funcComponent) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

// Group 按注册顺序启动、逆序停止的一组组件
//
// 启动失败时已启动的组件会被逆序停止。Stop 只停止已启动的组件，可重复调用。
type Group struct {
	mu         sync.Mutex
	components []Component
	started    int
}

// NewGroup 创建组件组
func NewGroup(components ...Component) *Group {
	return &Group{components: components}
}

// Add 追加组件，必须在 Start 之前调用
func (g *Group) Add(c Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components = append(g.components, c)
}

// Start 依次启动全部组件
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.started < len(g.components) {
		c := g.components[g.started]
		if err := ctx.Err(); err != nil {
			return g.rollback(ctx, fmt.Errorf("start %s: %w", c.Name(), err))
		}
		if err := c.Start(ctx); err != nil {
			return g.rollback(ctx, fmt.Errorf("start %s: %w", c.Name(), err))
		}
		g.started++
	}
	return nil
}

func (g *Group) rollback(ctx context.Context, cause error) error {
	stopErr := g.stopStarted(context.WithoutCancel(ctx))
	return errors.Join(cause, stopErr)
}

// Stop 逆序停止已启动的组件，汇总所有错误
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopStarted(ctx)
}

func (g *Group) stopStarted(ctx context.Context) error {
	var errs []error
	for g.started > 0 {
		g.started--
		c := g.components[g.started]
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// abort 装配失败时停止全部组件，不论是否启动过
func (g *Group) abort(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = len(g.components)
	return g.stopStarted(ctx)
}

// Running 已启动的组件数
func (g *Group) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}
