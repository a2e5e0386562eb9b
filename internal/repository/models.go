package repository

import (
	"strings"
	"time"

	"github.com/azhengyongqin/vodsync/internal/media"
	"github.com/azhengyongqin/vodsync/internal/model"
)

// Source 一个订阅源（频道/播放列表）及其用户声明的下载偏好
type Source struct {
	ID   string `gorm:"primaryKey;type:text"`
	Name string `gorm:"type:text;not null"`
	URL  string `gorm:"type:text;not null;uniqueIndex"`

	// Directory 媒体库内的相对目录
	Directory string `gorm:"type:text;not null"`

	// IndexScheduleSeconds 索引周期（秒）；0 表示不自动索引
	IndexScheduleSeconds int64 `gorm:"not null;default:86400"`

	// DownloadMedia 为假时只做索引不下载
	DownloadMedia bool `gorm:"not null;default:true"`

	// 以下为偏好字段，映射到 media.Preference
	Resolution  string `gorm:"type:text;not null;default:'1080p'"` // 分辨率上限档位名
	VideoCodecs string `gorm:"type:text;not null;default:'VP9,AVC1'"`
	AudioCodecs string `gorm:"type:text;not null;default:'OPUS,MP4A'"`
	Container   string `gorm:"type:text;not null;default:'mkv'"`
	AudioOnly   bool   `gorm:"not null;default:false"`
	AllowHDR    bool   `gorm:"not null;default:false"`
	Prefer60FPS bool   `gorm:"not null;default:true"`
	AllowRemux  bool   `gorm:"not null;default:true"`
	Fallback    string `gorm:"type:text;not null;default:'next-best'"`

	Enabled bool `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Source) TableName() string { return "sources" }

// IndexSchedule 索引周期
func (s *Source) IndexSchedule() time.Duration {
	return time.Duration(s.IndexScheduleSeconds) * time.Second
}

// Preference 把偏好字段组装成匹配器用的不可变偏好
func (s *Source) Preference() media.Preference {
	return media.Preference{
		ResolutionCeiling: media.ResolutionHeight(s.Resolution),
		VideoCodecs:       splitCodecs(s.VideoCodecs),
		AudioCodecs:       splitCodecs(s.AudioCodecs),
		Container:         s.Container,
		AudioOnly:         s.AudioOnly,
		AllowHDR:          s.AllowHDR,
		Prefer60FPS:       s.Prefer60FPS,
		AllowRemux:        s.AllowRemux,
		Fallback:          media.Fallback(s.Fallback),
	}
}

func splitCodecs(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Media 一个已索引的媒体条目
type Media struct {
	ID       string `gorm:"primaryKey;type:text"`
	SourceID string `gorm:"type:text;not null;index;uniqueIndex:idx_media_source_key,priority:1"`
	// Key 条目在上游的唯一标识（视频 id）
	Key   string `gorm:"type:text;not null;uniqueIndex:idx_media_source_key,priority:2"`
	Title string `gorm:"type:text"`
	URL   string `gorm:"type:text;not null"`

	State model.MediaState `gorm:"type:text;not null;default:'unknown';index"`

	// Metadata 提取工具返回的完整元数据（含 format 目录）
	Metadata []byte `gorm:"type:jsonb"`

	// 匹配/下载结果
	FormatID     string     `gorm:"type:text"`
	Downgraded   bool       `gorm:"not null;default:false"`
	DownloadedAt *time.Time `gorm:"type:timestamptz"`
	LastError    string     `gorm:"type:text"`

	PublishedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (Media) TableName() string { return "media" }
