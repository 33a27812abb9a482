package httptransport

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"courier/backend/internal/dedup"
	"courier/backend/internal/health"
	"courier/backend/internal/queue"
	"courier/backend/internal/storage"
)

const (
	// defaultStuckLimit stuck 查询的默认条数
	defaultStuckLimit = 50
	// maxStuckLimit stuck 查询的条数上限
	maxStuckLimit = 200
)

// QueueHandler 投递子系统的管理接口处理器
type QueueHandler struct {
	queue    *queue.Manager
	dedup    *dedup.Store
	reporter *health.Reporter
	log      *zap.Logger
}

// NewQueueHandler 创建队列管理处理器
func NewQueueHandler(q *queue.Manager, d *dedup.Store, r *health.Reporter, log *zap.Logger) *QueueHandler {
	return &QueueHandler{
		queue:    q,
		dedup:    d,
		reporter: r,
		log:      log,
	}
}

// Health 聚合健康报告
// GET /v1/admin/queue/health
func (h *QueueHandler) Health(c *gin.Context) {
	report, err := h.reporter.Report(c.Request.Context())
	if err != nil {
		h.log.Error("failed to build health report", zap.Error(err))
		InternalError(c, "生成健康报告失败")
		return
	}
	Success(c, report)
}

// ListStuck 列出卡住的邮件
// GET /v1/admin/queue/stuck?limit=N
func (h *QueueHandler) ListStuck(c *gin.Context) {
	limit := defaultStuckLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			BadRequest(c, "limit 必须是正整数")
			return
		}
		limit = parsed
	}
	if limit > maxStuckLimit {
		limit = maxStuckLimit
	}

	stuck, err := h.queue.ListStuck(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("failed to list stuck messages", zap.Error(err))
		InternalError(c, "查询卡住的邮件失败")
		return
	}

	Success(c, gin.H{
		"count":    len(stuck),
		"messages": stuck,
	})
}

// Recover 手动触发 WAL 回放
// POST /v1/admin/queue/recover
func (h *QueueHandler) Recover(c *gin.Context) {
	migrated, err := h.queue.RecoverWAL(c.Request.Context())
	if err != nil {
		h.log.Error("WAL recovery failed", zap.Error(err))
		InternalError(c, "WAL 回放失败")
		return
	}

	SuccessWithMsg(c, "WAL 回放完成", gin.H{
		"migrated": migrated,
	})
}

// Retry 手动重试单封邮件
// POST /v1/admin/queue/retry/:id
func (h *QueueHandler) Retry(c *gin.Context) {
	id := c.Param("id")

	msg, err := h.queue.Retry(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrMessageNotFound):
			NotFound(c, "邮件不存在")
		case errors.Is(err, storage.ErrAlreadySent):
			Conflict(c, "邮件已发送，拒绝重试")
		default:
			h.log.Error("manual retry failed", zap.String("message_id", id), zap.Error(err))
			InternalError(c, "重试失败")
		}
		return
	}

	SuccessWithMsg(c, "已重置为待发送", msg)
}

// SideEffects 后台服务运行状态与最近处理活动
// GET /v1/admin/queue/side-effects?hours=N
func (h *QueueHandler) SideEffects(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			BadRequest(c, "hours 必须是正整数")
			return
		}
		hours = parsed
	}

	ctx := c.Request.Context()
	window := time.Duration(hours) * time.Hour
	now := time.Now().UTC()

	processed, err := h.dedup.ProcessedBetween(ctx, now.Add(-window), now)
	if err != nil {
		h.log.Error("failed to list processed messages", zap.Error(err))
		InternalError(c, "查询处理台账失败")
		return
	}

	Success(c, gin.H{
		"retry_service": h.queue.Status(),
		"window_hours":  hours,
		"processed":     processed,
	})
}

// Forget 删除一条消息的去重痕迹，放行重处理
// DELETE /v1/admin/dedup/:id
func (h *QueueHandler) Forget(c *gin.Context) {
	id := c.Param("id")

	if err := h.dedup.Forget(c.Request.Context(), id); err != nil {
		h.log.Error("dedup forget failed", zap.String("message_id", id), zap.Error(err))
		InternalError(c, "删除去重记录失败")
		return
	}

	SuccessWithMsg(c, "去重记录已删除，消息可重新处理", gin.H{
		"message_id": id,
	})
}
