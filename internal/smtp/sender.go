package smtp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/domain"
	"courier/backend/internal/queue"
)

// Sender 基于 SMTP 客户端的出站投递通道
type Sender struct {
	cfg *config.SMTPConfig
	log *zap.Logger
}

// NewSender 创建 SMTP 投递通道
func NewSender(cfg *config.SMTPConfig, log *zap.Logger) *Sender {
	return &Sender{cfg: cfg, log: log}
}

// Send 投递一封邮件。
//
// 5xx 响应码表示服务器永久拒绝，包装为不可重试错误；
// 其余失败（4xx、连接故障）按瞬态处理，交给队列退避重试。
func (s *Sender) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}

	payload := s.buildMessage(msg)
	err := gosmtp.SendMail(s.cfg.Address, auth, s.cfg.From, []string{msg.Recipient}, strings.NewReader(payload))
	if err == nil {
		return nil
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 && smtpErr.Code < 600 {
		s.log.Warn("SMTP server permanently rejected message",
			zap.String("message_id", msg.ID),
			zap.Int("code", smtpErr.Code),
		)
		return queue.Permanent(err)
	}
	return err
}

// buildMessage 组装 RFC 5322 格式的邮件原文
func (s *Sender) buildMessage(msg *domain.OutboundMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@courier>\r\n", msg.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.String()
}

// sanitizeHeader 去掉头部注入用的换行
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", " ")
}
