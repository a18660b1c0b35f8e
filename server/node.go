package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sagacheckout/config"
	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/messaging"
	"sagacheckout/messaging/middleware"
	"sagacheckout/messaging/transport/memory"
	"sagacheckout/messaging/transport/natsjetstream"
	"sagacheckout/messaging/transport/redisstreams"
	"sagacheckout/occ"
	"sagacheckout/participant"
	"sagacheckout/participant/order"
	"sagacheckout/participant/payment"
	"sagacheckout/participant/stock"
	"sagacheckout/saga"
	"sagacheckout/storage"
	storemem "sagacheckout/storage/memory"
	"sagacheckout/storage/redisstore"
	"sagacheckout/storage/sqlstore"
)

// Role 节点承担的角色
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleStock        Role = "stock"
	RolePayment      Role = "payment"
	RoleOrder        Role = "order"
)

// AllRoles 单进程部署时的全部角色
var AllRoles = []Role{RoleStock, RolePayment, RoleOrder, RoleOrchestrator}

// NodeOption 节点配置项
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	name      string
	roles     []Role
	transport messaging.Transport
	logger    logging.Logger
}

// WithNodeName 节点名。Redis Streams 的消费者名由它派生，重启后保持不变才能认领自己的未确认消息
func WithNodeName(name string) NodeOption {
	return func(o *nodeOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithRoles 只运行指定角色，多进程部署时按角色拆分
func WithRoles(roles ...Role) NodeOption {
	return func(o *nodeOptions) { o.roles = append([]Role(nil), roles...) }
}

// WithTransport 注入已有的传输实现，忽略 Bus 配置
func WithTransport(t messaging.Transport) NodeOption {
	return func(o *nodeOptions) { o.transport = t }
}

// WithNodeLogger 指定日志
func WithNodeLogger(logger logging.Logger) NodeOption {
	return func(o *nodeOptions) { o.logger = logger }
}

// Node 按配置装配的一个进程：传输、总线、参与者、编排器与它们的生命周期组件
//
// 组件启动顺序：存储与传输 → 恢复未完成的 saga → 消费 Runner → 扫描器；关闭时逆序。
type Node struct {
	cfg    config.Config
	name   string
	logger logging.Logger

	transport messaging.Transport
	bus       *messaging.Bus
	runner    *messaging.Runner
	redis     *redis.Client

	stock        *stock.Service
	payment      *payment.Service
	order        *order.Service
	orchestrator *saga.Orchestrator

	group *Group
}

// NewNode 校验配置并装配节点，不启动任何组件
func NewNode(ctx context.Context, cfg config.Config, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &nodeOptions{name: "node", roles: AllRoles}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Component("server.node")
	}
	n := &Node{
		cfg:    cfg,
		name:   o.name,
		logger: o.logger.WithFields(logging.String("node", o.name)),
		group:  NewGroup(),
	}

	if err := n.setup(ctx, o); err != nil {
		_ = n.group.abort(context.WithoutCancel(ctx))
		return nil, err
	}
	return n, nil
}

func (n *Node) setup(ctx context.Context, o *nodeOptions) error {
	if err := n.ensureTransport(o.transport); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	n.bus = messaging.NewBus(n.transport, messaging.WithPublishTimeout(n.cfg.Bus.OpTimeout))
	n.bus.Use(middleware.NewCorrelationMiddleware())
	n.bus.Use(middleware.NewLoggingMiddleware(nil))
	n.runner = messaging.NewRunner(n.transport)

	roles := make(map[Role]bool, len(o.roles))
	for _, r := range o.roles {
		roles[r] = true
	}

	// 订单参与者查询单价需要库存服务；未承担库存角色时也创建它，但不订阅
	needStock := roles[RoleStock] || roles[RoleOrder]
	if needStock {
		exec, err := n.executor(ctx, stock.Name)
		if err != nil {
			return err
		}
		n.stock = stock.NewService(exec)
		if roles[RoleStock] {
			participant.Register(n.runner, n.stock, n.bus)
		}
	}
	if roles[RolePayment] {
		exec, err := n.executor(ctx, payment.Name)
		if err != nil {
			return err
		}
		n.payment = payment.NewService(exec)
		participant.Register(n.runner, n.payment, n.bus)
	}
	if roles[RoleOrder] {
		exec, err := n.executor(ctx, order.Name)
		if err != nil {
			return err
		}
		n.order = order.NewService(exec, n.stock, n.bus)
		participant.Register(n.runner, n.order, n.bus)
	}
	if roles[RoleOrchestrator] {
		if err := n.setupOrchestrator(ctx); err != nil {
			return err
		}
	}

	n.group.Add(Wrap("runner", n.runner))
	if n.orchestrator != nil {
		n.group.Add(NewComponent("sweeper", n.orchestrator.StartSweeper, n.orchestrator.StopSweeper))
	}
	return nil
}

// ensureTransport 优先使用注入的传输，其次按 Bus.Driver 创建
func (n *Node) ensureTransport(injected messaging.Transport) error {
	if injected != nil {
		n.transport = injected
		return nil
	}

	bus := n.cfg.Bus
	switch bus.Driver {
	case config.DriverRedis:
		client, err := n.redisClient(bus.RedisURL)
		if err != nil {
			return err
		}
		t, err := redisstreams.NewTransport(redisstreams.Config{
			Client:       client,
			ConsumerName: n.name,
			Partitions:   bus.Partitions,
			BlockTimeout: bus.BlockTimeout,
		})
		if err != nil {
			return err
		}
		n.transport = t
	case config.DriverNATS:
		t, err := natsjetstream.NewTransport(natsjetstream.Config{
			URL:        bus.NATSURL,
			Partitions: bus.Partitions,
			AckWait:    bus.AckWait,
			FetchWait:  bus.BlockTimeout,
		})
		if err != nil {
			return err
		}
		n.transport = t
	default:
		n.transport = memory.NewTransport(bus.Partitions, memory.WithBlockTimeout(bus.BlockTimeout))
	}
	n.group.Add(Closer("transport", n.transport))
	return nil
}

// redisClient 总线与存储共用一个连接池
func (n *Node) redisClient(url string) (*redis.Client, error) {
	if n.redis != nil {
		return n.redis, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "无效的 redis 地址")
	}
	n.redis = redis.NewClient(opts)
	n.group.Add(Closer("redis", n.redis))
	return n.redis, nil
}

// executor 为参与者创建独立的状态存储与事务执行器
func (n *Node) executor(ctx context.Context, name string) (*occ.Executor, error) {
	var store storage.Store
	switch n.cfg.Store.Driver {
	case config.DriverRedis:
		client, err := n.redisClient(n.cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		store = redisstore.NewStore(client, redisstore.Config{Prefix: name + ":"})
	case config.DriverSQLite:
		s, err := sqlstore.Open(ctx, n.cfg.Store.SQLitePath, name+"_state")
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", name, err)
		}
		n.group.Add(Closer(name+".store", s))
		store = s
	default:
		store = storemem.NewStore()
	}
	return occ.NewExecutor(store,
		occ.WithConflictRetry(n.cfg.Executor),
		occ.WithTransportRetry(n.cfg.Transport),
		occ.WithOpTimeout(n.cfg.Store.OpTimeout),
	), nil
}

// setupOrchestrator 实例存储：设置了 SQLite 路径或使用 sqlite 驱动时持久化，否则在内存中
func (n *Node) setupOrchestrator(ctx context.Context) error {
	var store saga.Store = saga.NewMemoryStore()
	if n.cfg.Store.Driver == config.DriverSQLite || n.cfg.Store.SQLitePath != "" {
		s, err := saga.OpenSQLStore(ctx, n.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("open saga store: %w", err)
		}
		n.group.Add(Closer("saga.store", s))
		store = s
	}

	orch, err := saga.NewOrchestrator(store, n.bus, saga.WithConfig(n.cfg.Saga))
	if err != nil {
		return err
	}
	n.orchestrator = orch
	orch.Subscribe(n.runner)
	n.group.Add(NewComponent("recover", orch.Recover, nil))
	return nil
}

// Group 节点的生命周期组件
func (n *Node) Group() *Group { return n.group }

// Engine 以节点组件创建引擎
func (n *Node) Engine(opts ...Option) *Engine {
	return NewEngine(n.group, append([]Option{WithName(n.name)}, opts...)...)
}

func (n *Node) Bus() *messaging.Bus { return n.bus }

func (n *Node) Transport() messaging.Transport { return n.transport }

// Stock 未承担库存或订单角色时为 nil，其余访问器同理
func (n *Node) Stock() *stock.Service { return n.stock }

func (n *Node) Payment() *payment.Service { return n.payment }

func (n *Node) Order() *order.Service { return n.order }

func (n *Node) Orchestrator() *saga.Orchestrator { return n.orchestrator }
