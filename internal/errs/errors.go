package errs

import "errors"

// 领域错误哨兵值。各业务包用 fmt.Errorf("...: %w", Err...) 包装，
// 传输层用 errors.Is 映射到对应的状态码。
var (
	// ErrInvalidInput 入参非法（时间区间倒置、金额非正等）。
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound 实体不存在。
	ErrNotFound = errors.New("not found")

	// ErrConflict 业务冲突（时段被占、配额超限、重复成员、反馈已处理等）。
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds 余额不足，扣减会导致负数。
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrentUpdate 乐观锁重试次数耗尽。
	ErrConcurrentUpdate = errors.New("concurrent update conflict")

	// ErrInvalidTransition 状态机不允许的流转。
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrExternalDependency 外部依赖（支付网关/通知通道）失败。
	ErrExternalDependency = errors.New("external dependency failure")

	// ErrFundNotSpendable 对不可支出基金（押金池）发起支出。
	ErrFundNotSpendable = errors.New("fund not spendable")

	// ErrNotAMember 用户在该组内没有份额。
	ErrNotAMember = errors.New("not a member of the group")

	// ErrPermissionDenied 角色不满足操作要求。
	ErrPermissionDenied = errors.New("permission denied")
)
