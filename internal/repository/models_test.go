package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/azhengyongqin/vodsync/internal/media"
)

func TestSource_Preference(t *testing.T) {
	s := &Source{
		Resolution:  "1080p",
		VideoCodecs: "vp9, avc1",
		AudioCodecs: "OPUS,MP4A",
		Container:   "mkv",
		AllowHDR:    false,
		Prefer60FPS: true,
		AllowRemux:  true,
		Fallback:    "next-best",
	}

	pref := s.Preference()
	assert.Equal(t, 1080, pref.ResolutionCeiling)
	assert.Equal(t, []string{"VP9", "AVC1"}, pref.VideoCodecs, "编码列表要去空格并大写")
	assert.Equal(t, []string{"OPUS", "MP4A"}, pref.AudioCodecs)
	assert.Equal(t, media.FallbackNextBest, pref.Fallback)
	assert.False(t, pref.AudioOnly)
}

func TestSource_IndexSchedule(t *testing.T) {
	s := &Source{IndexScheduleSeconds: 86400}
	assert.Equal(t, 24*time.Hour, s.IndexSchedule())

	s.IndexScheduleSeconds = 0
	assert.Zero(t, s.IndexSchedule(), "0 表示不自动索引")
}

func TestSplitCodecs(t *testing.T) {
	assert.Equal(t, []string{"VP9", "AVC1"}, splitCodecs("vp9,,  avc1 ,"))
	assert.Empty(t, splitCodecs(""))
}
