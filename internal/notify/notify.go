package notify

import (
	"context"

	"github.com/WheelShare/WheelShare/internal/common/logger"
)

// Kind 通知类别。
type Kind string

const (
	KindDepositReminder  Kind = "deposit_reminder"
	KindContractSigned   Kind = "contract_signed"
	KindContractApproved Kind = "contract_approved"
	KindContractRejected Kind = "contract_rejected"
	KindDepositRefunded  Kind = "deposit_refunded"
	KindBooking          Kind = "booking"
)

// Message 通知内容。Data 携带给前端渲染的结构化字段。
type Message struct {
	Kind  Kind
	Title string
	Body  string
	Data  map[string]interface{}
}

// Notifier 通知出站接口。对核心而言是 fire-and-forget：
// 实现方负责投递通道（站内信/实时推送/邮件），失败只记日志，绝不上抛。
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, msg Message)
	NotifyGroup(ctx context.Context, groupID string, msg Message)
}

// LogNotifier 默认实现：写结构化日志。接入真实通道前的占位投递方式。
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyUser(ctx context.Context, userID string, msg Message) {
	if n == nil || n.log == nil {
		return
	}
	n.log.WithFields(map[string]interface{}{
		"user_id": userID,
		"kind":    string(msg.Kind),
		"title":   msg.Title,
		"data":    msg.Data,
	}).Info(msg.Body)
}

func (n *LogNotifier) NotifyGroup(ctx context.Context, groupID string, msg Message) {
	if n == nil || n.log == nil {
		return
	}
	n.log.WithFields(map[string]interface{}{
		"group_id": groupID,
		"kind":     string(msg.Kind),
		"title":    msg.Title,
		"data":     msg.Data,
	}).Info(msg.Body)
}
