package domain

import "time"

// OutboundStatus 出站邮件的生命周期状态
type OutboundStatus string

const (
	// OutboundStatusPending 待发送（新建或管理员重置后）
	OutboundStatusPending OutboundStatus = "pending"
	// OutboundStatusSent 发送成功（终态，不可逆）
	OutboundStatusSent OutboundStatus = "sent"
	// OutboundStatusFailed 发送失败，等待退避重试
	OutboundStatusFailed OutboundStatus = "failed"
)

// OutboundMessage 出站邮件队列记录
type OutboundMessage struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Recipient    string         `gorm:"type:varchar(255);not null;index" json:"recipient"`
	Subject      string         `gorm:"type:varchar(998)" json:"subject"`
	Body         string         `gorm:"type:text" json:"body"`
	Status       OutboundStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	RetryCount   int            `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt  *time.Time     `gorm:"index" json:"next_retry_at,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (OutboundMessage) TableName() string {
	return "outbound_messages"
}

// StuckReason 邮件被判定为卡住的原因
type StuckReason string

const (
	// StuckReasonRetryCeiling 重试次数达到上限
	StuckReasonRetryCeiling StuckReason = "retry_ceiling"
	// StuckReasonStaleSchedule 计划重试时间早已过期仍未被拾起
	StuckReasonStaleSchedule StuckReason = "stale_schedule"
	// StuckReasonPermanentFailure 投递通道明确拒收，不再安排重试
	StuckReasonPermanentFailure StuckReason = "permanent_failure"
)

// StuckMessage 卡住的邮件及其判定原因
type StuckMessage struct {
	OutboundMessage
	Reason StuckReason `json:"reason"`
}

// SendOutcome 单次发送尝试的结果
type SendOutcome struct {
	MessageID string         `json:"message_id"`
	Status    OutboundStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	NextRetry *time.Time     `json:"next_retry,omitempty"`
	Error     string         `json:"error,omitempty"`
}
