package domain

import "time"

// ProcessedMessage 入站去重台账（持久层）记录。
//
// message_id 上的唯一索引是"恰好处理一次"的最终裁决者，
// Redis 快查层只是它前面的缓存。
type ProcessedMessage struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID   string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"message_id"`
	ProcessedAt time.Time `gorm:"not null;index" json:"processed_at"`
}

// TableName 指定表名
func (ProcessedMessage) TableName() string {
	return "processed_messages"
}

// WALEntry 写前日志条目，主存储不可用时暂存的出站邮件
type WALEntry struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	WrittenAt time.Time `json:"written_at"`
}
