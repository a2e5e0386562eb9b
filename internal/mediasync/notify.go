package mediasync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/azhengyongqin/vodsync/internal/cache"
	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/task"
)

// TaskNotifyServer 媒体服务器刷新通知任务
const TaskNotifyServer = "notify_media_server"

type notifyPayload struct {
	ServerURL string `json:"server_url"`
}

// scheduleNotifications 下载落库后给每个配置的媒体服务器排一条通知任务。
// 去重键按服务器收敛：一批下载完成只留下一条待执行的通知。
func (s *Service) scheduleNotifications(ctx context.Context) {
	for _, server := range s.cfg.MediaServers {
		_, err := s.sched.Schedule(ctx, task.ScheduleParams{
			Name:        TaskNotifyServer,
			Payload:     mustJSON(notifyPayload{ServerURL: server}),
			Queue:       QueueIndex,
			VerboseName: fmt.Sprintf("通知媒体服务器 %s", server),
			DedupKey:    "notify:" + server,
		})
		if err != nil {
			// 通知排不进去不影响下载结果，记日志就够了
			logger.Warn().Err(err).Str("server", server).Msg("排期媒体服务器通知失败")
		}
	}
}

// handleNotifyServer 请求媒体服务器重新扫描媒体库。
// Redis 冷却窗口做去抖：窗口内已经通知过的直接认成功。
func (s *Service) handleNotifyServer(ctx context.Context, payload json.RawMessage) error {
	var p notifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	if s.cache != nil && s.cfg.NotifyCooldown > 0 {
		key := cache.CacheKey("notify", p.ServerURL)
		fresh, err := s.cache.SetNX(ctx, key, time.Now().Unix(), s.cfg.NotifyCooldown)
		if err != nil {
			logger.Warn().Err(err).Str("server", p.ServerURL).Msg("通知去抖检查失败")
		} else if !fresh {
			logger.Debug().Str("server", p.ServerURL).Msg("冷却窗口内已通知过，跳过")
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ServerURL, nil)
	if err != nil {
		return task.Permanent(fmt.Errorf("build notify request: %w", err))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return task.Transient(fmt.Errorf("notify %s: %w", p.ServerURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return task.Transient(fmt.Errorf("notify %s: unexpected status %d", p.ServerURL, resp.StatusCode))
	}

	logger.Info().Str("server", p.ServerURL).Msg("媒体服务器已通知")
	return nil
}
