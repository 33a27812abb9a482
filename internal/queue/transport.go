package queue

import (
	"context"
	"errors"

	"courier/backend/internal/domain"
)

// Transport 出站投递通道。
type Transport interface {
	// Send 投递一封邮件；返回的错误按 IsPermanent 区分可否重试
	Send(ctx context.Context, msg *domain.OutboundMessage) error
}

// PermanentError 不可重试的投递失败（例如收件人被拒绝）。
//
// 队列对这类失败不安排下一次重试: 记录原始错误，留给管理员处置。
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent 把错误标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent 判断投递失败是否不可重试
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
