// Package mediasync 实现订阅源同步的业务编排：
// 周期索引订阅源、抓取条目元数据、匹配格式并下载。
// 每一步都是一个独立的任务记录，失败后由调度器按错误种类决定重试或判死。
package mediasync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/azhengyongqin/vodsync/internal/extractor"
	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/model"
	"github.com/azhengyongqin/vodsync/internal/repository"
	"github.com/azhengyongqin/vodsync/internal/task"
)

// 任务名，同时也是注册表的键
const (
	TaskIndexSource   = "index_source"
	TaskFetchMetadata = "fetch_metadata"
	TaskDownloadMedia = "download_media"
)

// 队列划分：索引轻、下载重，分开队列便于按负载过滤
const (
	QueueIndex    = "index"
	QueueMetadata = "metadata"
	QueueDownload = "download"
)

// Extractor 提取工具的消费侧接口，测试时用假实现替换
type Extractor interface {
	Index(ctx context.Context, url string) ([]extractor.RemoteItem, error)
	FetchMetadata(ctx context.Context, url string) (*extractor.Metadata, error)
	Download(ctx context.Context, req extractor.DownloadRequest) error
}

// SourceStore 订阅源读取接口，由 repository.SourceRepo 实现
type SourceStore interface {
	Get(ctx context.Context, id string) (*repository.Source, error)
	ListEnabled(ctx context.Context) ([]repository.Source, error)
}

// MediaStore 媒体条目存取接口，由 repository.MediaRepo 实现
type MediaStore interface {
	Upsert(ctx context.Context, m *repository.Media) error
	Get(ctx context.Context, id string) (*repository.Media, error)
	GetBySourceKey(ctx context.Context, sourceID, key string) (*repository.Media, error)
	SetState(ctx context.Context, id string, state model.MediaState, lastError string) error
	SetMetadata(ctx context.Context, id string, metadata []byte) error
	MarkDownloaded(ctx context.Context, id, formatID string, downgraded bool, at time.Time) error
}

// MetadataCache 元数据缓存接口，由 cache.RedisCache 实现
type MetadataCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
}

// Config 同步服务的业务配置
type Config struct {
	// MediaRoot 媒体库根目录，条目落在 <MediaRoot>/<source.Directory>/ 下
	MediaRoot string
	// MetadataCacheTTL 元数据在 Redis 中的缓存时长；0 表示不缓存
	MetadataCacheTTL time.Duration
	// MediaServers 下载完成后要通知刷新的媒体服务器地址
	MediaServers []string
	// NotifyCooldown 同一服务器两次通知之间的最小间隔
	NotifyCooldown time.Duration
}

// Service 同步服务
type Service struct {
	sched      *task.Scheduler
	sources    SourceStore
	media      MediaStore
	ext        Extractor
	cache      MetadataCache
	cfg        Config
	httpClient *http.Client
}

// NewService 创建同步服务。cache 可以为 nil（禁用元数据缓存和通知去抖）。
func NewService(sched *task.Scheduler, sources SourceStore, media MediaStore,
	ext Extractor, c MetadataCache, cfg Config) *Service {
	return &Service{
		sched:      sched,
		sources:    sources,
		media:      media,
		ext:        ext,
		cache:      c,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// RegisterAll 把所有任务处理函数挂到注册表
func (s *Service) RegisterAll(reg *task.Registry) {
	reg.MustRegister(TaskIndexSource, s.handleIndexSource)
	reg.MustRegister(TaskFetchMetadata, s.handleFetchMetadata)
	reg.MustRegister(TaskDownloadMedia, s.handleDownloadMedia)
	reg.MustRegister(TaskNotifyServer, s.handleNotifyServer)
}

// ScheduleSourceSync 为所有启用的订阅源排一个周期索引任务。
// 去重键保证每个源只有一条待执行的索引记录，重复调用是幂等的。
func (s *Service) ScheduleSourceSync(ctx context.Context) error {
	list, err := s.sources.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled sources: %w", err)
	}
	for i := range list {
		src := &list[i]
		if _, err := s.scheduleIndex(ctx, src, time.Time{}); err != nil {
			return fmt.Errorf("schedule index for %s: %w", src.ID, err)
		}
	}
	logger.Info().Int("sources", len(list)).Msg("订阅源索引任务已排期")
	return nil
}

// IndexNow 立刻索引一个订阅源。已有排期时把它提前而不是重复插入。
func (s *Service) IndexNow(ctx context.Context, sourceID string) (string, error) {
	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return "", err
	}
	return s.scheduleIndex(ctx, src, time.Now().UTC())
}

func (s *Service) scheduleIndex(ctx context.Context, src *repository.Source, runAt time.Time) (string, error) {
	return s.sched.Schedule(ctx, task.ScheduleParams{
		Name:        TaskIndexSource,
		Payload:     mustJSON(indexPayload{SourceID: src.ID}),
		Queue:       QueueIndex,
		VerboseName: fmt.Sprintf("索引订阅源 %s", src.Name),
		DedupKey:    "index:" + src.ID,
		RunAt:       runAt,
		Interval:    src.IndexSchedule(),
	})
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
