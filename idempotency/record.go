// Package idempotency 实现参与者共用的幂等消费协议：
// 先查幂等记录，已存在则原样重放响应；否则把业务写入与记录放在同一次条件提交中完成，
// 最后发布响应，再确认消息。
package idempotency

import (
	"sagacheckout/checkout"
	"sagacheckout/occ"
	"sagacheckout/storage"
)

// RecordPrefix 幂等记录键前缀
const RecordPrefix = "idem:"

// RecordKey 返回幂等键对应的记录键
func RecordKey(key string) string {
	return RecordPrefix + key
}

// Record 幂等记录，与业务写入在同一次提交中落盘，写入后不再修改
type Record struct {
	Response checkout.ResponseEvent `json:"response"`
	Mutation []string               `json:"mutation,omitempty"`
}

// Tombstone 记录是否为补偿抢先写入的取消标记
func (r Record) Tombstone() bool {
	return !r.Response.Compensation && !r.Response.Outcome.Succeeded() &&
		r.Response.Outcome.Reason == checkout.ReasonCancelled
}

// Effect 参与者计算出的业务写入及其描述
type Effect struct {
	Writes   []storage.Write
	Mutation []string
}

// Handler 参与者业务逻辑
//
// Apply 与 Compensate 必须是纯函数：只依据 view 计算写入。
// 业务校验失败返回 errors.NewBusinessRejection(reason)。
type Handler interface {
	// Keys 返回处理 op 需要读取并受版本保护的实体键
	Keys(op checkout.OperationEvent) []string
	// Apply 执行正向操作
	Apply(op checkout.OperationEvent, view occ.View) (Effect, error)
	// Compensate 撤销已成功的正向操作
	Compensate(op checkout.OperationEvent, view occ.View) (Effect, error)
}

func readRecord(view occ.View, key string) (Record, bool, error) {
	var rec Record
	found, err := view.Decode(RecordKey(key), &rec)
	return rec, found, err
}

func recordWrite(key string, rec Record) (storage.Write, error) {
	return occ.Put(RecordKey(key), rec)
}
