package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("记录不存在")

type SourceRepo struct {
	db *gorm.DB
}

func NewSourceRepo(db *gorm.DB) *SourceRepo {
	return &SourceRepo{db: db}
}

// Upsert 按 URL 创建或更新订阅源
func (r *SourceRepo) Upsert(ctx context.Context, s *Source) error {
	if s.URL == "" {
		return errors.New("source url 不能为空")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "directory", "index_schedule_seconds", "download_media",
			"resolution", "video_codecs", "audio_codecs", "container",
			"audio_only", "allow_hdr", "prefer_60_fps", "allow_remux",
			"fallback", "enabled", "updated_at",
		}),
	}).Create(s).Error
}

func (r *SourceRepo) Get(ctx context.Context, id string) (*Source, error) {
	var s Source
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &s, nil
}

// ListEnabled 列出所有启用的订阅源
func (r *SourceRepo) ListEnabled(ctx context.Context) ([]Source, error) {
	var out []Source
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

func (r *SourceRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&Source{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
