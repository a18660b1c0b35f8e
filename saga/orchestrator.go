// Package saga 实现结账 saga 编排器：按事务 ID 串行化的显式状态机，
// 通过消息驱动参与者前进或补偿，由定时扫描负责全部超时判定。
package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"sagacheckout/checkout"
	"sagacheckout/config"
	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/messaging"
)

// Group 编排器的消费组名
const Group = "orchestrator"

// Orchestrator saga 编排器
//
// 特性：
//   - 每个事务 ID 一把锁，响应处理与扫描不会并发修改同一实例
//   - 实例更新带乐观版本，多进程部署时冲突的一方返回错误并由总线重投
//   - 先持久化实例，再派发事件；派发丢失由扫描按相同幂等键重派
//   - 终态结果缓存在 LRU 中，迟到的重复响应无需读存储即可丢弃
type Orchestrator struct {
	store    Store
	pub      messaging.Publisher
	policy   Policy
	interval time.Duration
	now      func() time.Time
	logger   logging.Logger

	locks    *keyedMutex
	outcomes *lru.Cache[string, State]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Option 配置项
type Option func(*options)

type options struct {
	cfg    config.SagaConfig
	now    func() time.Time
	logger logging.Logger
}

// WithConfig 使用给定的超时与重试配置
func WithConfig(cfg config.SagaConfig) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger 指定日志
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store Store, pub messaging.Publisher, opts ...Option) (*Orchestrator, error) {
	o := &options{cfg: config.Default().Saga, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Component("saga.orchestrator")
	}
	size := o.cfg.OutcomeCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, State](size)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:    store,
		pub:      pub,
		policy:   PolicyFrom(o.cfg),
		interval: o.cfg.SweepInterval,
		now:      o.now,
		logger:   o.logger,
		locks:    newKeyedMutex(),
		outcomes: cache,
	}, nil
}

// Start 校验请求、创建实例并派发第一步，立即返回事务 ID
//
// 请求未指定 TransactionID 时生成新的 UUID。结果通过 checkout-responses 与 Status 获取。
func (o *Orchestrator) Start(ctx context.Context, req checkout.CheckoutRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	txID := req.TransactionID
	if txID == "" {
		txID = uuid.NewString()
	}

	unlock := o.locks.Lock(txID)
	defer unlock()

	inst := NewInstance(txID, req, o.now())
	if err := o.store.Create(ctx, inst); err != nil {
		return txID, err
	}
	o.logger.Info(ctx, "saga 已创建", logging.TransactionID(txID), logging.String("order_id", req.OrderID))

	if err := o.apply(ctx, inst, begin(inst, o.now())); err != nil {
		return txID, err
	}
	return txID, nil
}

// HandleCheckoutRequest 处理 checkout-operations 上的 CheckoutRequested
//
// 同一事务 ID 的重复请求被忽略；缺少事务 ID 时以消息 ID 代替，重投时保持一致。
// 无效请求直接发布 CheckoutFailed。
func (o *Orchestrator) HandleCheckoutRequest(ctx context.Context, d *messaging.Delivery) error {
	req, err := checkout.DecodeRequest(d.Message)
	if err != nil {
		o.logger.Warn(ctx, "丢弃无法解析的结账请求", logging.Error(err), logging.String("message_id", d.Message.ID))
		return nil
	}
	if req.TransactionID == "" {
		req.TransactionID = d.Message.ID
	}
	ctx = messaging.WithCausationID(ctx, d.Message.ID)

	_, err = o.Start(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInstanceExists):
		o.logger.Debug(ctx, "重复的结账请求，忽略", logging.TransactionID(req.TransactionID))
		return nil
	case errors.IsValidation(err):
		o.logger.Warn(ctx, "结账请求无效", logging.Error(err), logging.TransactionID(req.TransactionID))
		return o.publishResult(ctx, checkout.TypeCheckoutFailed, checkout.Result{
			TransactionID: req.TransactionID,
			OrderID:       req.OrderID,
			State:         string(StateFailed),
			Reason:        err.Error(),
		})
	default:
		return err
	}
}

// OnResponse 处理参与者响应，按事务 ID 串行
//
// 终态、未知或与在途事件不匹配的响应记录日志后忽略。
func (o *Orchestrator) OnResponse(ctx context.Context, resp checkout.ResponseEvent) error {
	fields := []logging.Field{
		logging.TransactionID(resp.TransactionID),
		logging.Step(string(resp.Step)),
		logging.Bool("compensation", resp.Compensation),
	}
	if state, ok := o.outcomes.Get(resp.TransactionID); ok {
		o.logger.Debug(ctx, "saga 已结束，丢弃迟到的响应", append(fields, logging.String("state", string(state)))...)
		return nil
	}

	unlock := o.locks.Lock(resp.TransactionID)
	defer unlock()

	inst, err := o.store.Get(ctx, resp.TransactionID)
	if errors.Is(err, ErrInstanceNotFound) {
		o.logger.Info(ctx, "未知事务的响应，忽略", fields...)
		return nil
	}
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		o.outcomes.Add(inst.TransactionID, inst.State)
	}
	return o.apply(ctx, inst, onResponse(inst, resp, o.policy, o.now()))
}

// HandleResponse 处理响应主题上的消息
func (o *Orchestrator) HandleResponse(ctx context.Context, d *messaging.Delivery) error {
	resp, err := checkout.DecodeResponse(d.Message)
	if err != nil {
		o.logger.Warn(ctx, "丢弃无法解析的响应", logging.Error(err), logging.Topic(d.Topic))
		return nil
	}
	return o.OnResponse(messaging.WithCausationID(ctx, d.Message.ID), resp)
}

// Subscribe 在 runner 上订阅结账请求与全部参与者响应主题
func (o *Orchestrator) Subscribe(r *messaging.Runner) {
	r.Subscribe(checkout.TopicCheckoutOperations, Group, messaging.HandlerFunc(o.HandleCheckoutRequest))
	for _, step := range checkout.Steps {
		r.Subscribe(step.ResponsesTopic(), Group, messaging.HandlerFunc(o.HandleResponse))
	}
}

// Status 查询实例（包括已归档的）
func (o *Orchestrator) Status(ctx context.Context, txID string) (*Instance, error) {
	return o.store.Get(ctx, txID)
}

// Sweep 扫描所有未归档实例，返回发生状态变化的实例数
//
// 超过 StepTimeout 未收到响应的在途事件按相同幂等键重派，至多 MaxRedispatch 次，
// 之后正向步骤以 timeout 失败并补偿，补偿步骤进入 FAILED_DIRTY。
// 超过 SagaDeadline 仍在前进的实例立即失败。已终态但结果未发布成功的实例重新发布并归档。
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	var errs []error
	for _, candidate := range active {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		ok, err := o.sweepOne(ctx, candidate.TransactionID, now)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

func (o *Orchestrator) sweepOne(ctx context.Context, txID string, now time.Time) (bool, error) {
	unlock := o.locks.Lock(txID)
	defer unlock()

	inst, err := o.store.Get(ctx, txID)
	if err != nil {
		return false, err
	}
	if inst.State.Terminal() {
		return false, o.finish(ctx, inst)
	}
	d := onSweep(inst, o.policy, now)
	return d.changed, o.apply(ctx, inst, d)
}

// Recover 启动时调用：重新派发所有未完成实例的在途事件（相同幂等键，参与者去重），
// 开始未开始的实例，补发已终态实例的结果
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, candidate := range active {
		if err := o.recoverOne(ctx, candidate.TransactionID); err != nil {
			errs = append(errs, err)
		}
	}
	o.logger.Info(ctx, "恢复完成", logging.Int("active", len(active)), logging.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (o *Orchestrator) recoverOne(ctx context.Context, txID string) error {
	unlock := o.locks.Lock(txID)
	defer unlock()

	inst, err := o.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	switch {
	case inst.State.Terminal():
		return o.finish(ctx, inst)
	case inst.State == StateInit:
		return o.apply(ctx, inst, begin(inst, o.now()))
	default:
		o.dispatch(ctx, inst)
		return nil
	}
}

// RunSweeper 按 SweepInterval 周期扫描，直到 ctx 取消
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	interval := o.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := o.Sweep(ctx, o.now())
			if err != nil && ctx.Err() == nil {
				o.logger.Warn(ctx, "扫描出错", logging.Error(err))
			}
			if n > 0 {
				o.logger.Debug(ctx, "扫描完成", logging.Int("changed", n))
			}
		}
	}
}

// StartSweeper 后台运行扫描
func (o *Orchestrator) StartSweeper(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan error, 1)
	go func() { o.done <- o.RunSweeper(runCtx) }()
	return nil
}

// StopSweeper 停止后台扫描
func (o *Orchestrator) StopSweeper(ctx context.Context) error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply 持久化状态转移结果，然后派发事件或发布终态结果
func (o *Orchestrator) apply(ctx context.Context, inst *Instance, d decision) error {
	fields := []logging.Field{logging.TransactionID(inst.TransactionID), logging.String("state", string(inst.State))}
	if !d.changed {
		if d.note != "" {
			o.logger.Debug(ctx, d.note, fields...)
		}
		return nil
	}

	inst.UpdatedAt = o.now()
	if err := o.store.Update(ctx, inst); err != nil {
		o.logger.Warn(ctx, "保存 saga 实例失败", append(fields, logging.Error(err))...)
		return err
	}
	o.logger.Info(ctx, d.note, fields...)

	if d.dispatch {
		o.dispatch(ctx, inst)
	}
	if inst.State.Terminal() {
		return o.finish(ctx, inst)
	}
	return nil
}

// dispatch 发布在途事件。失败只记录日志，由扫描重派
func (o *Orchestrator) dispatch(ctx context.Context, inst *Instance) {
	op, ok := inst.InFlight()
	if !ok {
		return
	}
	fields := []logging.Field{
		logging.TransactionID(op.TransactionID),
		logging.Step(string(op.Step)),
		logging.Bool("compensation", op.Compensation),
		logging.IdempotencyKey(op.IdempotencyKey),
	}
	msg, err := checkout.NewOperationMessage(op)
	if err == nil {
		err = o.pub.Publish(ctx, op.Step.OperationsTopic(), msg)
	}
	if err != nil {
		o.logger.Warn(ctx, "派发操作失败，等待扫描重派", append(fields, logging.Error(err))...)
		return
	}
	o.logger.Debug(ctx, "已派发操作", fields...)
}

// finish 发布终态结果并归档。发布失败时保留在活跃集合中，由扫描补发
func (o *Orchestrator) finish(ctx context.Context, inst *Instance) error {
	fields := []logging.Field{
		logging.TransactionID(inst.TransactionID),
		logging.String("state", string(inst.State)),
		logging.String("reason", inst.Reason),
	}
	if inst.State == StateFailedDirty {
		o.logger.Error(ctx, "补偿无法确认，需要人工处理", append(fields, logging.Any("steps", inst.Steps))...)
	}

	if err := o.publishResult(ctx, inst.resultType(), inst.Result()); err != nil {
		o.logger.Warn(ctx, "发布结果失败，等待扫描补发", append(fields, logging.Error(err))...)
		return nil
	}
	if err := o.store.Archive(ctx, inst.TransactionID); err != nil {
		return err
	}
	o.outcomes.Add(inst.TransactionID, inst.State)
	o.logger.Info(ctx, "saga 已结束", fields...)
	return nil
}

func (o *Orchestrator) publishResult(ctx context.Context, messageType string, result checkout.Result) error {
	msg, err := checkout.NewResultMessage(messageType, result)
	if err != nil {
		return err
	}
	return o.pub.Publish(ctx, checkout.TopicCheckoutResponses, msg)
}
