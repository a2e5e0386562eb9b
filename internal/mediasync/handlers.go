package mediasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/azhengyongqin/vodsync/internal/cache"
	"github.com/azhengyongqin/vodsync/internal/extractor"
	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/media"
	"github.com/azhengyongqin/vodsync/internal/model"
	"github.com/azhengyongqin/vodsync/internal/repository"
	"github.com/azhengyongqin/vodsync/internal/task"
)

type indexPayload struct {
	SourceID string `json:"source_id"`
}

type mediaPayload struct {
	MediaID string `json:"media_id"`
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// handleIndexSource 拉取订阅源的条目列表，为新条目排元数据任务。
// 已有条目只刷新标题，不触碰下载状态。
func (s *Service) handleIndexSource(ctx context.Context, payload json.RawMessage) error {
	var p indexPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	src, err := s.sources.Get(ctx, p.SourceID)
	if errors.Is(err, repository.ErrNotFound) {
		// 源已被删除，任务没意义了
		return task.Permanent(fmt.Errorf("source %s no longer exists", p.SourceID))
	}
	if err != nil {
		return err
	}

	slog := logger.WithSourceID(src.ID)
	items, err := s.ext.Index(ctx, src.URL)
	if err != nil {
		return err
	}

	fresh := 0
	for _, item := range items {
		if item.Key == "" {
			continue
		}
		m, err := s.media.GetBySourceKey(ctx, src.ID, item.Key)
		if errors.Is(err, repository.ErrNotFound) {
			m = &repository.Media{
				ID:       newID(),
				SourceID: src.ID,
				Key:      item.Key,
				Title:    item.Title,
				URL:      item.URL,
				State:    model.MediaStateUnknown,
			}
			if err := s.media.Upsert(ctx, m); err != nil {
				return err
			}
			fresh++
		} else if err != nil {
			return err
		} else if m.Title != item.Title || m.URL != item.URL {
			m.Title = item.Title
			m.URL = item.URL
			if err := s.media.Upsert(ctx, m); err != nil {
				return err
			}
		}

		if m.State != model.MediaStateUnknown || !src.DownloadMedia {
			continue
		}
		_, err = s.sched.Schedule(ctx, task.ScheduleParams{
			Name:        TaskFetchMetadata,
			Payload:     mustJSON(mediaPayload{MediaID: m.ID}),
			Queue:       QueueMetadata,
			VerboseName: fmt.Sprintf("抓取元数据 %s", item.Title),
			DedupKey:    "meta:" + m.ID,
		})
		if err != nil {
			return err
		}
		if err := s.media.SetState(ctx, m.ID, model.MediaStateScheduled, ""); err != nil {
			return err
		}
	}

	slog.Info().Int("items", len(items)).Int("new", fresh).Msg("订阅源索引完成")
	return nil
}

// handleFetchMetadata 抓取单个条目的完整元数据并预匹配格式。
// 没有任何流满足硬性约束不是错误：标记 skipped 等下次索引，不进退避。
func (s *Service) handleFetchMetadata(ctx context.Context, payload json.RawMessage) error {
	var p mediaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	m, src, err := s.loadMediaWithSource(ctx, p.MediaID)
	if err != nil {
		return err
	}

	md, err := s.fetchMetadata(ctx, m)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(md)
	if err != nil {
		return task.Permanent(fmt.Errorf("encode metadata: %w", err))
	}
	if err := s.media.SetMetadata(ctx, m.ID, raw); err != nil {
		return err
	}

	if !src.DownloadMedia {
		return nil
	}

	formats := media.ParseFormats(md.Formats)
	result := media.Match(formats, src.Preference())
	if !result.OK() {
		l := logger.WithMediaKey(m.Key)
		l.Info().Msg("没有满足约束的格式，条目跳过")
		return s.media.SetState(ctx, m.ID, model.MediaStateSkipped, "no format satisfied the source preference")
	}

	_, err = s.sched.Schedule(ctx, task.ScheduleParams{
		Name:        TaskDownloadMedia,
		Payload:     mustJSON(mediaPayload{MediaID: m.ID}),
		Queue:       QueueDownload,
		VerboseName: fmt.Sprintf("下载 %s", m.Title),
		DedupKey:    "download:" + m.ID,
	})
	return err
}

// handleDownloadMedia 对条目重新匹配格式并调用下载器。
// 下载前重新匹配而不是复用抓取时的选择：源偏好可能在两次任务之间被修改。
func (s *Service) handleDownloadMedia(ctx context.Context, payload json.RawMessage) error {
	var p mediaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	m, src, err := s.loadMediaWithSource(ctx, p.MediaID)
	if err != nil {
		return err
	}
	if m.State == model.MediaStateDownloaded {
		// 重复下发（比如陈旧锁回收后的重跑），直接认成功
		return nil
	}

	md, err := s.fetchMetadata(ctx, m)
	if err != nil {
		return err
	}

	formats := media.ParseFormats(md.Formats)
	result := media.Match(formats, src.Preference())
	if !result.OK() {
		l := logger.WithMediaKey(m.Key)
		l.Info().Msg("没有满足约束的格式，条目跳过")
		return s.media.SetState(ctx, m.ID, model.MediaStateSkipped, "no format satisfied the source preference")
	}

	if err := s.media.SetState(ctx, m.ID, model.MediaStateDownloading, ""); err != nil {
		return err
	}

	req := extractor.DownloadRequest{
		URL:            m.URL,
		FormatString:   result.FormatString(),
		OutputTemplate: filepath.Join(s.cfg.MediaRoot, src.Directory, "%(id)s.%(ext)s"),
		Container:      src.Container,
	}
	if err := s.ext.Download(ctx, req); err != nil {
		if serr := s.media.SetState(ctx, m.ID, model.MediaStateError, err.Error()); serr != nil {
			logger.Error().Err(serr).Str("media_key", m.Key).Msg("记录下载失败状态出错")
		}
		return err
	}

	now := time.Now().UTC()
	if err := s.media.MarkDownloaded(ctx, m.ID, result.FormatString(), result.Downgraded, now); err != nil {
		return err
	}
	l := logger.WithMediaKey(m.Key)
	l.Info().
		Str("format", result.FormatString()).
		Bool("downgraded", result.Downgraded).
		Msg("下载完成")
	s.scheduleNotifications(ctx)
	return nil
}

// loadMediaWithSource 取条目及其所属订阅源；两者任一不存在都视为永久失败
func (s *Service) loadMediaWithSource(ctx context.Context, mediaID string) (*repository.Media, *repository.Source, error) {
	m, err := s.media.Get(ctx, mediaID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, task.Permanent(fmt.Errorf("media %s no longer exists", mediaID))
	}
	if err != nil {
		return nil, nil, err
	}
	src, err := s.sources.Get(ctx, m.SourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, task.Permanent(fmt.Errorf("source %s no longer exists", m.SourceID))
	}
	if err != nil {
		return nil, nil, err
	}
	return m, src, nil
}

// fetchMetadata 取条目元数据，带 Redis 缓存。
// 缓存故障只记日志不阻断：缓存是优化，不是正确性的一部分。
func (s *Service) fetchMetadata(ctx context.Context, m *repository.Media) (*extractor.Metadata, error) {
	key := cache.CacheKey("meta", m.SourceID, m.Key)

	if s.cache != nil {
		var cached extractor.Metadata
		err := s.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn().Err(err).Str("media_key", m.Key).Msg("读元数据缓存失败")
		}
	}

	md, err := s.ext.FetchMetadata(ctx, m.URL)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cfg.MetadataCacheTTL > 0 {
		if err := s.cache.Set(ctx, key, md, s.cfg.MetadataCacheTTL); err != nil {
			logger.Warn().Err(err).Str("media_key", m.Key).Msg("写元数据缓存失败")
		}
	}
	return md, nil
}
