package saga

import (
	"time"

	"sagacheckout/checkout"
	"sagacheckout/config"
)

// Policy 超时与重试策略
type Policy struct {
	StepTimeout         time.Duration
	SagaDeadline        time.Duration
	MaxRedispatch       int
	StepRetries         int
	CompensationRetries int
}

// PolicyFrom 从配置构造策略
func PolicyFrom(cfg config.SagaConfig) Policy {
	return Policy{
		StepTimeout:         cfg.StepTimeout,
		SagaDeadline:        cfg.SagaDeadline,
		MaxRedispatch:       cfg.MaxRedispatch,
		StepRetries:         cfg.StepRetries,
		CompensationRetries: cfg.CompensationRetries,
	}
}

// decision 一次状态转移的结果：是否修改了实例、是否需要（重新）派发在途事件
type decision struct {
	changed  bool
	dispatch bool
	note     string
}

func ignore(note string) decision {
	return decision{note: note}
}

// dispatchNext 进入新状态并派发新的在途事件
func dispatchNext(inst *Instance, state State, now time.Time, note string) decision {
	inst.State = state
	inst.Redispatches = 0
	inst.Retries = 0
	return redispatch(inst, now, note)
}

// redispatch 以相同幂等键再次派发在途事件
func redispatch(inst *Instance, now time.Time, note string) decision {
	inst.DispatchedAt = now
	if inst.State == StateCompensating {
		if idx := inst.pendingCompensation(); idx >= 0 {
			inst.Steps[idx].CompensationAttempts++
		}
	}
	return decision{changed: true, dispatch: true, note: note}
}

func finish(inst *Instance, state State, note string) decision {
	inst.State = state
	return decision{changed: true, note: note}
}

// begin INIT → RESERVING_STOCK
func begin(inst *Instance, now time.Time) decision {
	if inst.State != StateInit {
		return ignore("实例已开始")
	}
	return dispatchNext(inst, stateOf(checkout.Steps[0]), now, "开始预留库存")
}

// onResponse 处理参与者响应。终态实例、与在途事件不匹配的响应一律忽略
func onResponse(inst *Instance, resp checkout.ResponseEvent, p Policy, now time.Time) decision {
	if inst.State.Terminal() {
		return ignore("实例已结束，忽略响应")
	}
	expected, ok := inst.InFlight()
	if !ok {
		return ignore("没有在途事件，忽略响应")
	}
	if resp.Step != expected.Step || resp.Compensation != expected.Compensation ||
		resp.IdempotencyKey != expected.IdempotencyKey {
		return ignore("响应与在途事件不匹配，忽略")
	}
	if resp.Compensation {
		return onCompensationResponse(inst, resp.Outcome, p, now)
	}
	return onForwardResponse(inst, resp.Step, resp.Outcome, p, now)
}

func onForwardResponse(inst *Instance, step checkout.Step, outcome checkout.Outcome, p Policy, now time.Time) decision {
	switch {
	case outcome.Succeeded():
		inst.Steps = append(inst.Steps, StepRecord{Step: step, Status: checkout.StatusSuccess})
		next := step.Index() + 1
		if next >= len(checkout.Steps) {
			return finish(inst, StateCompleted, "全部步骤成功")
		}
		return dispatchNext(inst, stateOf(checkout.Steps[next]), now, "进入下一步骤")
	case outcome.Transient:
		if inst.Retries < p.StepRetries {
			inst.Retries++
			return redispatch(inst, now, "瞬时失败，重新派发")
		}
		return failInDoubt(inst, step, checkout.ReasonRetriesExhausted, now)
	default:
		inst.Steps = append(inst.Steps, StepRecord{Step: step, Status: checkout.StatusFailure, Reason: outcome.Reason})
		return startCompensation(inst, outcome.Reason, now)
	}
}

// failInDoubt 正向步骤结果未知时按失败处理，并把它纳入补偿
func failInDoubt(inst *Instance, step checkout.Step, reason string, now time.Time) decision {
	inst.Steps = append(inst.Steps, StepRecord{Step: step, Status: checkout.StatusFailure, Reason: reason, InDoubt: true})
	return startCompensation(inst, reason, now)
}

// startCompensation 进入 COMPENSATING，按完成顺序逆序逐个补偿
func startCompensation(inst *Instance, reason string, now time.Time) decision {
	inst.Reason = reason
	for idx := range inst.Steps {
		if inst.Steps[idx].needsCompensation() {
			inst.Steps[idx].Compensation = CompensationPending
		}
	}
	if inst.pendingCompensation() < 0 {
		return finish(inst, StateFailed, "无需补偿")
	}
	return dispatchNext(inst, StateCompensating, now, "开始补偿")
}

func onCompensationResponse(inst *Instance, outcome checkout.Outcome, p Policy, now time.Time) decision {
	idx := inst.pendingCompensation()
	switch {
	case outcome.Succeeded():
		inst.Steps[idx].Compensation = CompensationConfirmed
		if inst.pendingCompensation() < 0 {
			return finish(inst, StateFailed, "全部补偿已确认")
		}
		return dispatchNext(inst, StateCompensating, now, "补偿上一步骤")
	case outcome.Transient && inst.Retries < p.CompensationRetries:
		inst.Retries++
		return redispatch(inst, now, "补偿瞬时失败，重新派发")
	default:
		return compensationFailed(inst, idx)
	}
}

// compensationFailed 补偿无法确认，终止于 FAILED_DIRTY 等待人工处理
func compensationFailed(inst *Instance, idx int) decision {
	inst.Steps[idx].Compensation = CompensationFailed
	inst.Reason = checkout.ReasonCompensationFailed
	return finish(inst, StateFailedDirty, "补偿无法确认")
}

// onSweep 定时扫描：超时重派、超过重派上限或总期限则失败并补偿
func onSweep(inst *Instance, p Policy, now time.Time) decision {
	if inst.State.Terminal() {
		return ignore("实例已结束")
	}
	if inst.State == StateInit {
		if now.Sub(inst.CreatedAt) < p.StepTimeout {
			return ignore("等待开始")
		}
		return begin(inst, now)
	}

	step, forward := stepOf(inst.State)
	if forward && p.SagaDeadline > 0 && now.Sub(inst.CreatedAt) >= p.SagaDeadline {
		return failInDoubt(inst, step, checkout.ReasonDeadlineExceeded, now)
	}
	if now.Sub(inst.DispatchedAt) < p.StepTimeout {
		return ignore("未超时")
	}
	if inst.Redispatches < p.MaxRedispatch {
		inst.Redispatches++
		return redispatch(inst, now, "响应超时，重新派发")
	}
	if forward {
		return failInDoubt(inst, step, checkout.ReasonTimeout, now)
	}
	return compensationFailed(inst, inst.pendingCompensation())
}
