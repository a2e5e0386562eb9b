package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/azhengyongqin/vodsync/internal/model"
)

type MediaRepo struct {
	db *gorm.DB
}

func NewMediaRepo(db *gorm.DB) *MediaRepo {
	return &MediaRepo{db: db}
}

// Upsert 按 (source_id, key) 插入条目；已存在时只刷新标题和 URL，
// 不触碰状态机字段（下载进度不能被索引任务回退）。
func (r *MediaRepo) Upsert(ctx context.Context, m *Media) error {
	if m.SourceID == "" || m.Key == "" {
		return errors.New("media source_id/key 不能为空")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "url", "updated_at"}),
	}).Create(m).Error
}

func (r *MediaRepo) Get(ctx context.Context, id string) (*Media, error) {
	var m Media
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	return &m, nil
}

func (r *MediaRepo) GetBySourceKey(ctx context.Context, sourceID, key string) (*Media, error) {
	var m Media
	err := r.db.WithContext(ctx).
		First(&m, "source_id = ? and key = ?", sourceID, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media by key: %w", err)
	}
	return &m, nil
}

// ListByState 列出某订阅源下处于指定状态的条目
func (r *MediaRepo) ListByState(ctx context.Context, sourceID string, state model.MediaState) ([]Media, error) {
	var out []Media
	err := r.db.WithContext(ctx).
		Where("source_id = ? and state = ?", sourceID, state).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return out, nil
}

// SetState 状态迁移，附带错误信息（可为空）
func (r *MediaRepo) SetState(ctx context.Context, id string, state model.MediaState, lastError string) error {
	res := r.db.WithContext(ctx).Model(&Media{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":      state,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("set media state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMetadata 保存提取到的元数据
func (r *MediaRepo) SetMetadata(ctx context.Context, id string, metadata []byte) error {
	res := r.db.WithContext(ctx).Model(&Media{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"metadata":   metadata,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("set media metadata: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDownloaded 记录下载完成的格式与降级标记
func (r *MediaRepo) MarkDownloaded(ctx context.Context, id, formatID string, downgraded bool, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Media{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":         model.MediaStateDownloaded,
			"format_id":     formatID,
			"downgraded":    downgraded,
			"downloaded_at": at,
			"last_error":    "",
			"updated_at":    at,
		})
	if res.Error != nil {
		return fmt.Errorf("mark downloaded: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
