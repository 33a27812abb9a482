package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"courier/backend/internal/domain"
)

var (
	serverAddr string
	apiKey     string
)

// apiResponse 管理接口统一返回包
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "courierctl",
		Short: "courierctl - 投递子系统运维工具",
		Long: `courierctl 通过管理接口操作投递子系统:
- 查看队列健康状态与卡住的邮件
- 手动触发 WAL 回放与单封邮件重试
- 删除去重记录以放行重处理`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8080", "服务地址")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "管理接口密钥 (默认读取 COURIER_ADMIN_API_KEY)")

	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(stuckCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(sideEffectsCmd())
	rootCmd.AddCommand(forgetCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("错误: %v", err))
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "查看投递子系统聚合健康报告",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report domain.QueueHealthReport
			if err := callAPI(http.MethodGet, "/v1/admin/queue/health", &report); err != nil {
				return err
			}

			fmt.Printf("状态: %s\n", statusMarker(report.Status))
			fmt.Println()
			fmt.Println("出站队列:")
			fmt.Printf("  pending: %d\n", report.Queue.Pending)
			fmt.Printf("  failed:  %d\n", report.Queue.Failed)
			fmt.Printf("  stuck:   %d\n", report.Queue.Stuck)
			fmt.Println("写前日志:")
			fmt.Printf("  backlog: %s\n", backlogMarker(report.WAL.Backlog))
			fmt.Println("入站去重:")
			fmt.Printf("  recent:  %d (近 %d 小时)\n", report.Dedup.RecentCount, report.Dedup.WindowHours)
			fmt.Println("分布式锁:")
			if report.Lock.Reachable {
				fmt.Printf("  %s\n", color.New(color.FgGreen).Sprint("reachable"))
			} else {
				fmt.Printf("  %s\n", color.New(color.FgYellow).Sprint("unreachable (锁降级中)"))
			}
			fmt.Printf("\n生成时间: %s\n", report.GeneratedAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func stuckCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "列出卡住的邮件 (重试到顶或计划过期未拾起)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Count    int                   `json:"count"`
				Messages []domain.StuckMessage `json:"messages"`
			}
			path := fmt.Sprintf("/v1/admin/queue/stuck?limit=%d", limit)
			if err := callAPI(http.MethodGet, path, &payload); err != nil {
				return err
			}

			if payload.Count == 0 {
				fmt.Println(color.New(color.FgGreen).Sprint("没有卡住的邮件"))
				return nil
			}

			fmt.Printf("卡住的邮件: %d 封\n\n", payload.Count)
			for _, msg := range payload.Messages {
				fmt.Printf("%s %s\n", reasonMarker(msg.Reason), msg.ID)
				fmt.Printf("    收件人: %s\n", msg.Recipient)
				fmt.Printf("    重试次数: %d\n", msg.RetryCount)
				if msg.NextRetryAt != nil {
					fmt.Printf("    计划重试: %s\n", msg.NextRetryAt.Local().Format(time.RFC3339))
				}
				if msg.ErrorMessage != "" {
					fmt.Printf("    最近错误: %s\n", msg.ErrorMessage)
				}
			}
			fmt.Println()
			fmt.Println("用 `courierctl retry <id>` 手动重置单封邮件。")
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "最多返回的条数")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "手动触发 WAL 回放，将积压迁回主存储",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Migrated int `json:"migrated"`
			}
			if err := callAPI(http.MethodPost, "/v1/admin/queue/recover", &payload); err != nil {
				return err
			}

			if payload.Migrated == 0 {
				fmt.Println("WAL 无积压，无需回放")
			} else {
				fmt.Printf("%s 已迁移 %d 封邮件回主存储\n",
					color.New(color.FgGreen).Sprint("✓"), payload.Migrated)
			}
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message-id>",
		Short: "将单封失败邮件重置为待发送",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msg domain.OutboundMessage
			path := "/v1/admin/queue/retry/" + url.PathEscape(args[0])
			if err := callAPI(http.MethodPost, path, &msg); err != nil {
				return err
			}

			fmt.Printf("%s %s 已重置为 %s (累计重试 %d 次)\n",
				color.New(color.FgGreen).Sprint("✓"), msg.ID, msg.Status, msg.RetryCount)
			return nil
		},
	}
}

func sideEffectsCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "side-effects",
		Short: "查看后台扫描状态与最近处理的入站消息",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				RetryService domain.RetryServiceStatus `json:"retry_service"`
				WindowHours  int                       `json:"window_hours"`
				Processed    []domain.ProcessedMessage `json:"processed"`
			}
			path := fmt.Sprintf("/v1/admin/queue/side-effects?hours=%d", hours)
			if err := callAPI(http.MethodGet, path, &payload); err != nil {
				return err
			}

			fmt.Println("后台重试扫描:")
			if payload.RetryService.Running {
				fmt.Printf("  %s (间隔 %s)\n", color.New(color.FgGreen).Sprint("running"), payload.RetryService.Interval)
			} else {
				fmt.Printf("  %s\n", color.New(color.FgRed).Sprint("stopped"))
			}
			if payload.RetryService.LastSweepAt != nil {
				fmt.Printf("  上次扫描: %s (发出 %d 封, 回放 %d 条)\n",
					payload.RetryService.LastSweepAt.Local().Format(time.RFC3339),
					payload.RetryService.LastSweepSent,
					payload.RetryService.LastDrained,
				)
			}

			fmt.Printf("\n近 %d 小时处理的入站消息: %d 条\n", payload.WindowHours, len(payload.Processed))
			for _, p := range payload.Processed {
				fmt.Printf("  %s  %s\n", p.ProcessedAt.Local().Format("2006-01-02 15:04:05"), p.MessageID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "回看的小时数")
	return cmd
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <message-id>",
		Short: "删除一条消息的去重记录，允许重新处理",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/dedup/" + url.PathEscape(args[0])
			if err := callAPI(http.MethodDelete, path, nil); err != nil {
				return err
			}

			fmt.Printf("%s 去重记录已删除: %s\n", color.New(color.FgGreen).Sprint("✓"), args[0])
			return nil
		},
	}
}

// callAPI 调用管理接口并把 data 解码到 out (out 为 nil 时丢弃)
func callAPI(method, path string, out interface{}) error {
	key := apiKey
	if key == "" {
		key = os.Getenv("COURIER_ADMIN_API_KEY")
	}
	if key == "" {
		return fmt.Errorf("缺少管理接口密钥: 用 --api-key 或 COURIER_ADMIN_API_KEY 指定")
	}

	req, err := http.NewRequest(method, serverAddr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", key)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("无法连接服务 %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("无法解析响应 (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, envelope.Msg)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("无法解析响应数据: %w", err)
		}
	}
	return nil
}

func statusMarker(s domain.SubsystemStatus) string {
	switch s {
	case domain.StatusHealthy:
		return color.New(color.FgGreen).Sprint(string(s))
	case domain.StatusDegraded:
		return color.New(color.FgYellow).Sprint(string(s))
	default:
		return color.New(color.FgRed).Sprint(string(s))
	}
}

func backlogMarker(n int64) string {
	if n == 0 {
		return color.New(color.FgGreen).Sprint("0")
	}
	return color.New(color.FgYellow).Sprintf("%d (待回放)", n)
}

func reasonMarker(r domain.StuckReason) string {
	switch r {
	case domain.StuckReasonRetryCeiling:
		return color.New(color.FgRed).Sprint("[重试到顶]")
	case domain.StuckReasonPermanentFailure:
		return color.New(color.FgRed).Sprint("[明确拒收]")
	default:
		return color.New(color.FgYellow).Sprint("[计划过期]")
	}
}
