package media

import (
	"sort"
	"strconv"
	"strings"
)

// 视频编码族（按常见偏好排序的取值域）
const (
	CodecAV1  = "AV1"
	CodecVP9  = "VP9"
	CodecAVC1 = "AVC1"
)

// 音频编码族
const (
	CodecOpus = "OPUS"
	CodecMP4A = "MP4A"
)

// 目标容器
const (
	ContainerMKV = "mkv"
	ContainerM4A = "m4a"
	ContainerOGG = "ogg"
)

// Fallback 目标分辨率拿不到时的降级策略
type Fallback string

const (
	// FallbackFail 不降级，宁可不下载
	FallbackFail Fallback = "fail"
	// FallbackNextBest 取最接近的可用档位
	FallbackNextBest Fallback = "next-best"
	// FallbackNextBestHD 取最接近的可用档位，但结果必须仍是高清
	FallbackNextBestHD Fallback = "next-best-hd"
)

// hdCutoffHeight 视为 "高清" 的最低高度，FallbackNextBestHD 用
const hdCutoffHeight = 500

// minFallbackHeight 降级选择时可接受的最低高度，避免兜底选到窗口缩略图级别的流
const minFallbackHeight = 360

// resolutionHeights 档位名 -> 高度
var resolutionHeights = map[string]int{
	"360p":  360,
	"480p":  480,
	"720p":  720,
	"1080p": 1080,
	"1440p": 1440,
	"2160p": 2160,
	"4320p": 4320,
}

// ResolutionHeight 解析 "1080p" 这类档位名为高度；认不出返回 0
func ResolutionHeight(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if h, ok := resolutionHeights[name]; ok {
		return h
	}
	// 容忍裸数字写法（"1080"）
	if n, err := strconv.Atoi(strings.TrimSuffix(name, "p")); err == nil && n > 0 {
		return n
	}
	return 0
}

// ResolutionNames 全部档位名，按高度升序（界面下拉框用）
func ResolutionNames() []string {
	out := make([]string, 0, len(resolutionHeights))
	for name := range resolutionHeights {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return resolutionHeights[out[i]] < resolutionHeights[out[j]]
	})
	return out
}

// Preference 一个订阅源声明的期望结果。对一次匹配调用不可变。
type Preference struct {
	// ResolutionCeiling 目标高度上限（如 1080）；AudioOnly 时忽略
	ResolutionCeiling int
	// VideoCodecs 视频编码偏好，前面的优先
	VideoCodecs []string
	// AudioCodecs 音频编码偏好，前面的优先
	AudioCodecs []string
	// Container 目标容器：mkv（视频）/ m4a / ogg（纯音频）
	Container string
	// AudioOnly 只要音频
	AudioOnly bool
	// AllowHDR 是否接受 HDR 流
	AllowHDR bool
	// Prefer60FPS 同档位下优先 60fps
	Prefer60FPS bool
	// AllowRemux 允许选择分离的音视频流（靠外部工具合并/转封装）；
	// 关闭时优先选择 muxed 流
	AllowRemux bool
	// Fallback 目标分辨率全部高于可用流时的降级策略
	Fallback Fallback
}

// DefaultPreference 典型的 1080p 视频订阅偏好
func DefaultPreference() Preference {
	return Preference{
		ResolutionCeiling: 1080,
		VideoCodecs:       []string{CodecVP9, CodecAVC1},
		AudioCodecs:       []string{CodecOpus, CodecMP4A},
		Container:         ContainerMKV,
		AllowHDR:          false,
		Prefer60FPS:       true,
		AllowRemux:        true,
		Fallback:          FallbackNextBest,
	}
}

// codecRank codec 在偏好列表中的名次；未列出的排在所有已列出之后
func codecRank(prefs []string, codec string) int {
	for i, c := range prefs {
		if strings.EqualFold(c, codec) {
			return i
		}
	}
	return len(prefs)
}

// containerAccepts 目标容器是否能装下该流。
// mkv 是万能容器；m4a 只装 MP4A 音频；ogg 只装 OPUS 音频。
func containerAccepts(container string, f *FormatDescriptor) bool {
	switch strings.ToLower(container) {
	case "", ContainerMKV:
		return true
	case ContainerM4A:
		return f.VideoCodec == "" && f.AudioCodec == CodecMP4A
	case ContainerOGG:
		return f.VideoCodec == "" && f.AudioCodec == CodecOpus
	default:
		return true
	}
}
