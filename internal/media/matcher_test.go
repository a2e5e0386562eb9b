package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func video(id string, height int, codec string, bitrate float64) FormatDescriptor {
	return FormatDescriptor{ID: id, Kind: KindVideo, Height: height, VideoCodec: codec, Container: "webm", Bitrate: bitrate}
}

func audio(id, codec string, abr float64) FormatDescriptor {
	return FormatDescriptor{ID: id, Kind: KindAudio, AudioCodec: codec, Container: "webm", AudioBitrate: abr}
}

func combined(id string, height int, vcodec, acodec string, bitrate float64) FormatDescriptor {
	return FormatDescriptor{ID: id, Kind: KindCombined, Height: height, VideoCodec: vcodec, AudioCodec: acodec, Container: "mp4", Bitrate: bitrate}
}

func withIndex(formats []FormatDescriptor) []FormatDescriptor {
	for i := range formats {
		formats[i].index = i
	}
	return formats
}

func TestMatch_PicksHighestWithinCeiling(t *testing.T) {
	pref := DefaultPreference()
	pref.ResolutionCeiling = 720

	// 只有 480p 和 1080p：720 上限要选 480，不算降级
	formats := withIndex([]FormatDescriptor{
		video("v480", 480, CodecVP9, 1000),
		video("v1080", 1080, CodecVP9, 4000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	assert.Equal(t, OutcomeMatched, r.Outcome)
	assert.False(t, r.Downgraded, "上限以内有可用档位就不算降级")
	assert.Equal(t, "v480+a1", r.FormatString())
}

func TestMatch_DowngradesWhenAllAboveCeiling(t *testing.T) {
	pref := DefaultPreference()
	pref.ResolutionCeiling = 720

	// 只有 1080p 和 2160p：选最低的超规格档位并标记降级
	formats := withIndex([]FormatDescriptor{
		video("v2160", 2160, CodecVP9, 16000),
		video("v1080", 1080, CodecVP9, 4000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	assert.Equal(t, OutcomeDowngraded, r.Outcome)
	assert.True(t, r.Downgraded)
	assert.Equal(t, "v1080+a1", r.FormatString())
}

func TestMatch_FallbackFail(t *testing.T) {
	pref := DefaultPreference()
	pref.ResolutionCeiling = 720
	pref.Fallback = FallbackFail

	formats := withIndex([]FormatDescriptor{
		video("v1080", 1080, CodecVP9, 4000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	assert.False(t, r.OK(), "不允许降级时全部超上限应该无匹配")
	assert.Equal(t, OutcomeNoMatch, r.Outcome)
	assert.Empty(t, r.FormatString())
}

func TestMatch_FallbackNextBestHD(t *testing.T) {
	pref := DefaultPreference()
	pref.ResolutionCeiling = 240
	pref.Fallback = FallbackNextBestHD

	// 超上限的最低档位是 360，不到高清线，拒绝
	formats := withIndex([]FormatDescriptor{
		video("v360", 360, CodecVP9, 700),
		audio("a1", CodecOpus, 160),
	})
	r := Match(formats, pref)
	assert.False(t, r.OK())

	// 720 过了高清线，接受
	formats = withIndex([]FormatDescriptor{
		video("v720", 720, CodecVP9, 2500),
		audio("a1", CodecOpus, 160),
	})
	r = Match(formats, pref)
	require.True(t, r.OK())
	assert.True(t, r.Downgraded)
}

func TestMatch_HDRFiltered(t *testing.T) {
	pref := DefaultPreference()

	hdr := video("vhdr", 1080, CodecVP9, 5000)
	hdr.HDR = true
	formats := withIndex([]FormatDescriptor{
		hdr,
		video("vsdr", 1080, CodecVP9, 4000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	assert.Equal(t, "vsdr+a1", r.FormatString(), "不允许 HDR 时必须跳过 HDR 流")

	pref.AllowHDR = true
	r = Match(formats, pref)
	assert.Equal(t, "vhdr+a1", r.FormatString(), "允许 HDR 时 HDR 流按码率胜出")
}

func TestMatch_CodecPreferenceOrder(t *testing.T) {
	pref := DefaultPreference()
	pref.VideoCodecs = []string{CodecAV1, CodecVP9, CodecAVC1}

	// AVC1 码率最高，但编码偏好在前的 AV1 胜出
	formats := withIndex([]FormatDescriptor{
		video("avc", 1080, CodecAVC1, 8000),
		video("vp9", 1080, CodecVP9, 4000),
		video("av1", 1080, CodecAV1, 3000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	assert.Equal(t, "av1+a1", r.FormatString(), "编码偏好优先于码率")
}

func TestMatch_60FPSPreference(t *testing.T) {
	pref := DefaultPreference()

	v30 := video("v30", 1080, CodecVP9, 5000)
	v60 := video("v60", 1080, CodecVP9, 4000)
	v60.Is60FPS = true
	formats := withIndex([]FormatDescriptor{v30, v60, audio("a1", CodecOpus, 160)})

	r := Match(formats, pref)
	assert.Equal(t, "v60+a1", r.FormatString(), "偏好 60fps 时帧率优先于码率")

	pref.Prefer60FPS = false
	r = Match(formats, pref)
	assert.Equal(t, "v30+a1", r.FormatString())
}

func TestMatch_BitrateThenIndexTiebreak(t *testing.T) {
	pref := DefaultPreference()

	formats := withIndex([]FormatDescriptor{
		video("low", 1080, CodecVP9, 3000),
		video("high", 1080, CodecVP9, 5000),
		video("high2", 1080, CodecVP9, 5000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	assert.Equal(t, "high+a1", r.FormatString(), "码率平手时取输入位置靠前的")
}

func TestMatch_RemuxDisabledPrefersCombined(t *testing.T) {
	pref := DefaultPreference()
	pref.AllowRemux = false

	formats := withIndex([]FormatDescriptor{
		video("v1080", 1080, CodecVP9, 4000),
		combined("c1080", 1080, CodecAVC1, CodecMP4A, 3000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	assert.Equal(t, "c1080", r.FormatString(), "禁止合并时应该选混封装流")
	assert.Nil(t, r.Video)
	assert.NotNil(t, r.Combined)
}

func TestMatch_SeparateStreamsPreferredWhenRemux(t *testing.T) {
	pref := DefaultPreference()

	formats := withIndex([]FormatDescriptor{
		combined("c1080", 1080, CodecAVC1, CodecMP4A, 6000),
		video("v1080", 1080, CodecVP9, 4000),
		audio("a1", CodecOpus, 160),
	})

	r := Match(formats, pref)
	assert.Equal(t, "v1080+a1", r.FormatString(), "允许合并时分离流优先于混封装")
}

func TestMatch_FallbackToCombinedWhenNoAudio(t *testing.T) {
	pref := DefaultPreference()
	pref.ResolutionCeiling = 1080

	// 1080 档只有纯视频且全局没有音频流：退回任何档位的混封装
	formats := withIndex([]FormatDescriptor{
		video("v1080", 1080, CodecVP9, 4000),
		combined("c720", 720, CodecAVC1, CodecMP4A, 2500),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	assert.Equal(t, "c720", r.FormatString())
}

func TestMatch_AudioOnly(t *testing.T) {
	pref := DefaultPreference()
	pref.AudioOnly = true
	pref.Container = ContainerM4A

	formats := withIndex([]FormatDescriptor{
		video("v1080", 1080, CodecVP9, 4000),
		audio("opus-hi", CodecOpus, 160),
		audio("m4a-lo", CodecMP4A, 128),
		audio("m4a-hi", CodecMP4A, 192),
	})

	r := Match(formats, pref)
	require.True(t, r.OK())
	// m4a 容器只能装 MP4A，OPUS 被容器约束排除
	assert.Equal(t, "m4a-hi", r.FormatString())
	assert.Nil(t, r.Video)
}

func TestMatch_NoUsableFormats(t *testing.T) {
	pref := DefaultPreference()

	r := Match(nil, pref)
	assert.Equal(t, OutcomeNoMatch, r.Outcome)
	assert.False(t, r.OK())

	// 只有音频流、却要视频
	r = Match(withIndex([]FormatDescriptor{audio("a1", CodecOpus, 160)}), pref)
	assert.False(t, r.OK())
}

// 同输入同偏好重复匹配必须逐位一致
func TestMatch_Deterministic(t *testing.T) {
	pref := DefaultPreference()
	formats := withIndex([]FormatDescriptor{
		video("v1", 1080, CodecVP9, 4000),
		video("v2", 1080, CodecVP9, 4000),
		video("v3", 720, CodecAVC1, 2500),
		combined("c1", 1080, CodecAVC1, CodecMP4A, 5000),
		audio("a1", CodecOpus, 160),
		audio("a2", CodecOpus, 160),
	})

	first := Match(formats, pref)
	for i := 0; i < 50; i++ {
		again := Match(formats, pref)
		require.Equal(t, first, again, "第 %d 次重匹配结果必须一致", i)
	}
}
