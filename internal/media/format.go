package media

import (
	"strconv"
	"strings"
)

// StreamKind 流的种类
type StreamKind string

const (
	KindVideo    StreamKind = "video"    // 纯视频流
	KindAudio    StreamKind = "audio"    // 纯音频流
	KindCombined StreamKind = "combined" // 混封装（音视频在同一条流里）
)

// FormatDescriptor 一条可下载流的规范化描述。
// 每次匹配前从提取工具的原始输出现场生成，不做持久化。
type FormatDescriptor struct {
	ID         string
	Kind       StreamKind
	Height     int
	Width      int
	VideoCodec string // 规范化编码族（AVC1/VP9/AV1）；"" 表示无视频轨
	AudioCodec string // 规范化编码族（MP4A/OPUS）；"" 表示无音频轨
	Container  string
	FPS        float64
	HDR        bool
	Is60FPS    bool
	// Bitrate 条目总码率（kbps），只在排序最后一步做平手裁决
	Bitrate float64
	// AudioBitrate 音频码率（kbps），选音频流时用
	AudioBitrate float64

	// index 在原始列表中的位置，稳定排序的最终依据
	index int
}

// ParseFormats 把提取工具返回的原始 format 字典列表规范化。
// 输入字段松散可缺省；缺少关键信息（没有 id、音视频轨都没有）的
// 条目直接丢弃而不是报错。输出保持输入顺序。
func ParseFormats(raw []map[string]any) []FormatDescriptor {
	out := make([]FormatDescriptor, 0, len(raw))
	for i, entry := range raw {
		f, ok := parseOne(entry)
		if !ok {
			continue
		}
		f.index = i
		out = append(out, f)
	}
	return out
}

func parseOne(entry map[string]any) (FormatDescriptor, bool) {
	id := asString(entry["format_id"])
	if id == "" {
		return FormatDescriptor{}, false
	}

	vcodec := normalizeCodec(asString(entry["vcodec"]))
	acodec := normalizeCodec(asString(entry["acodec"]))
	if vcodec == "" && acodec == "" {
		// 既没有视频轨也没有音频轨，没法下载
		return FormatDescriptor{}, false
	}

	var kind StreamKind
	switch {
	case vcodec != "" && acodec != "":
		kind = KindCombined
	case vcodec != "":
		kind = KindVideo
	default:
		kind = KindAudio
	}

	fps := asFloat(entry["fps"])
	return FormatDescriptor{
		ID:           id,
		Kind:         kind,
		Height:       asInt(entry["height"]),
		Width:        asInt(entry["width"]),
		VideoCodec:   vcodec,
		AudioCodec:   acodec,
		Container:    strings.ToLower(asString(entry["ext"])),
		FPS:          fps,
		HDR:          strings.Contains(strings.ToUpper(asString(entry["format"])), "HDR"),
		Is60FPS:      fps > 50,
		Bitrate:      asFloat(entry["tbr"]),
		AudioBitrate: asFloat(entry["abr"]),
	}, true
}

// normalizeCodec 提取编码族名：取 "." 前的部分并大写，
// 去掉数字段的前导零（"vp09.00.10" -> "VP9"，"av01.0.08" -> "AV1"）。
// "none" 和空值归一为 ""。
func normalizeCodec(codec string) string {
	codec = strings.ToUpper(strings.TrimSpace(codec))
	if codec == "" || codec == "NONE" {
		return ""
	}
	if i := strings.Index(codec, "."); i >= 0 {
		codec = codec[:i]
	}
	if strings.Contains(codec, "0") {
		prefix := strings.TrimRight(codec, "0123456789")
		if digits := codec[len(prefix):]; digits != "" {
			if n, err := strconv.Atoi(digits); err == nil {
				codec = prefix + strconv.Itoa(n)
			}
		}
	}
	return codec
}

// 原始字典的字段类型不可靠：数字可能是 float64/int/字符串，
// 也可能干脆是 null，全部做容错转换。

func asString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
