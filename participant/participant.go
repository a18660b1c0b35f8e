// Package participant 汇总参与者共用的接线：每个参与者在自己步骤的操作主题上以幂等消费者订阅
package participant

import (
	"sagacheckout/checkout"
	"sagacheckout/idempotency"
	"sagacheckout/messaging"
	"sagacheckout/occ"
)

// Participant 参与者业务实现
type Participant interface {
	idempotency.Handler
	// Name 参与者名，同时作为消费组名
	Name() string
	// Step 参与者负责的步骤
	Step() checkout.Step
	// Executor 参与者自己的事务执行器
	Executor() *occ.Executor
}

// Register 为参与者创建幂等消费者并订阅其操作主题
func Register(r *messaging.Runner, p Participant, pub messaging.Publisher, opts ...idempotency.ConsumerOption) *idempotency.Consumer {
	c := idempotency.NewConsumer(p.Name(), p.Executor(), p, pub, opts...)
	r.Subscribe(p.Step().OperationsTopic(), p.Name(), c)
	return c
}
