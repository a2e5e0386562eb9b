package media

import (
	"sort"

	"github.com/azhengyongqin/vodsync/internal/metrics"
)

// Outcome 匹配结果的种类
type Outcome string

const (
	// OutcomeMatched 在目标上限内选到了组合
	OutcomeMatched Outcome = "matched"
	// OutcomeDowngraded 选到了组合，但没能满足分辨率上限
	OutcomeDowngraded Outcome = "downgraded"
	// OutcomeNoMatch 没有任何流满足硬性约束。这是合法结果不是错误：
	// 调用方应理解为"暂时没有可下载的"，等下次索引再试，而不是退避重试。
	OutcomeNoMatch Outcome = "no_match"
)

// MatchResult 匹配结果：分离的视频+音频、单条混封装流、或无匹配
type MatchResult struct {
	Outcome Outcome
	// Video + Audio 分离流组合（二者同时非空）
	Video *FormatDescriptor
	Audio *FormatDescriptor
	// Combined 混封装流（与 Video/Audio 互斥）
	Combined *FormatDescriptor
	// Downgraded 为真表示实际选择超出了声明的分辨率上限
	Downgraded bool
}

// OK 是否选到了可下载的组合
func (r MatchResult) OK() bool {
	return r.Outcome != OutcomeNoMatch
}

// FormatString 选中组合的下载器格式串："137+251" 或 "22"；无匹配返回 ""
func (r MatchResult) FormatString() string {
	switch {
	case r.Combined != nil:
		return r.Combined.ID
	case r.Video != nil && r.Audio != nil:
		return r.Video.ID + "+" + r.Audio.ID
	case r.Audio != nil:
		return r.Audio.ID
	default:
		return ""
	}
}

// Match 在规范化的格式目录里确定性地选出唯一的最优组合。
// 同一份目录和同一份偏好，任何时候重跑结果逐位一致——换偏好后重匹配
// 是受支持的操作，选择算法本身不允许有随机性。
//
// 选择过程：
//  1. 硬性约束过滤：容器兼容、HDR 开关、纯音频/需要视频
//  2. 选高度：不超过上限的最高档；全部超上限时按降级策略取最低的那档
//  3. 档内排序：编码偏好 → 60fps 偏好 → 码率降序 → 输入位置
//  4. 允许合并时优先分离流，否则优先混封装
//  5. 音频：满足约束里码率最高的
func Match(formats []FormatDescriptor, pref Preference) MatchResult {
	result := match(formats, pref)
	metrics.RecordFormatMatch(string(result.Outcome))
	return result
}

func match(formats []FormatDescriptor, pref Preference) MatchResult {
	noMatch := MatchResult{Outcome: OutcomeNoMatch}

	// 第 1 步：硬性约束
	var eligible []*FormatDescriptor
	for i := range formats {
		f := &formats[i]
		if f.HDR && !pref.AllowHDR {
			continue
		}
		if !containerAccepts(pref.Container, f) {
			continue
		}
		eligible = append(eligible, f)
	}

	if pref.AudioOnly {
		audio := bestAudio(eligible, pref)
		if audio == nil {
			return noMatch
		}
		return MatchResult{Outcome: OutcomeMatched, Audio: audio}
	}

	// 视频候选：纯视频流和混封装流都参与选高度
	var videoCapable []*FormatDescriptor
	for _, f := range eligible {
		if f.Kind == KindVideo || f.Kind == KindCombined {
			videoCapable = append(videoCapable, f)
		}
	}
	if len(videoCapable) == 0 {
		return noMatch
	}

	// 第 2 步：选高度
	height, downgraded, ok := chooseHeight(videoCapable, pref)
	if !ok {
		return noMatch
	}

	// 第 3 步：档内排序后取最优的分离视频流和混封装流
	sepVideo := bestAtHeight(videoCapable, KindVideo, height, pref)
	combined := bestAtHeight(videoCapable, KindCombined, height, pref)
	audio := bestAudio(eligible, pref)

	outcome := OutcomeMatched
	if downgraded {
		outcome = OutcomeDowngraded
	}

	// 第 4 步：分离流 vs 混封装
	if pref.AllowRemux && sepVideo != nil && audio != nil {
		return MatchResult{Outcome: outcome, Video: sepVideo, Audio: audio, Downgraded: downgraded}
	}
	if combined != nil {
		return MatchResult{Outcome: outcome, Combined: combined, Downgraded: downgraded}
	}
	if sepVideo != nil && audio != nil {
		// 不允许合并但也没有混封装可用，分离流是唯一选项
		return MatchResult{Outcome: outcome, Video: sepVideo, Audio: audio, Downgraded: downgraded}
	}

	// 兜底：选中档位上只有缺配对音频的纯视频流，退回任何档位的混封装
	if fb := fallbackCombined(videoCapable, pref); fb != nil {
		fbDowngraded := fb.Height > pref.ResolutionCeiling
		fbOutcome := OutcomeMatched
		if fbDowngraded {
			fbOutcome = OutcomeDowngraded
		}
		return MatchResult{Outcome: fbOutcome, Combined: fb, Downgraded: fbDowngraded}
	}
	return noMatch
}

// chooseHeight 选定目标高度档位。
// 不超过上限的档位里取最高；全部超上限时取最低的那档并标记降级，
// 但降级受 Fallback 策略约束。
func chooseHeight(candidates []*FormatDescriptor, pref Preference) (height int, downgraded, ok bool) {
	ceiling := pref.ResolutionCeiling

	bestBelow, bestAbove := 0, 0
	for _, f := range candidates {
		if f.Height <= 0 {
			continue
		}
		if f.Height <= ceiling {
			if f.Height > bestBelow {
				bestBelow = f.Height
			}
		} else {
			if bestAbove == 0 || f.Height < bestAbove {
				bestAbove = f.Height
			}
		}
	}

	if bestBelow > 0 {
		// 低于可接受下限的档位只在没有更好选择时才用
		if bestBelow < minFallbackHeight && bestAbove > 0 && pref.Fallback != FallbackFail {
			return bestAbove, true, true
		}
		return bestBelow, false, true
	}
	if bestAbove == 0 {
		return 0, false, false
	}

	// 只能向上降级（实际是超规格），按策略把关
	switch pref.Fallback {
	case FallbackFail:
		return 0, false, false
	case FallbackNextBestHD:
		if bestAbove < hdCutoffHeight {
			return 0, false, false
		}
	}
	return bestAbove, true, true
}

// bestAtHeight 指定档位内按 编码偏好 → 60fps 偏好 → 码率 → 输入位置 取最优
func bestAtHeight(candidates []*FormatDescriptor, kind StreamKind, height int, pref Preference) *FormatDescriptor {
	var pool []*FormatDescriptor
	for _, f := range candidates {
		if f.Kind == kind && f.Height == height {
			pool = append(pool, f)
		}
	}
	if len(pool) == 0 {
		return nil
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		ra, rb := codecRank(pref.VideoCodecs, a.VideoCodec), codecRank(pref.VideoCodecs, b.VideoCodec)
		if ra != rb {
			return ra < rb
		}
		if a.Is60FPS != b.Is60FPS {
			// 偏好 60fps 时 60fps 在前，否则相反
			return a.Is60FPS == pref.Prefer60FPS
		}
		if a.Bitrate != b.Bitrate {
			return a.Bitrate > b.Bitrate
		}
		return a.index < b.index
	})
	return pool[0]
}

// bestAudio 纯音频流里按 编码偏好 → 音频码率 → 输入位置 取最优。
// 没有命中偏好编码的流时，除 FallbackFail 外取码率最高的那条。
func bestAudio(eligible []*FormatDescriptor, pref Preference) *FormatDescriptor {
	var pool []*FormatDescriptor
	for _, f := range eligible {
		if f.Kind == KindAudio {
			pool = append(pool, f)
		}
	}
	if len(pool) == 0 {
		return nil
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		ra, rb := codecRank(pref.AudioCodecs, a.AudioCodec), codecRank(pref.AudioCodecs, b.AudioCodec)
		if ra != rb {
			return ra < rb
		}
		abrA, abrB := a.AudioBitrate, b.AudioBitrate
		if abrA == 0 {
			abrA = a.Bitrate
		}
		if abrB == 0 {
			abrB = b.Bitrate
		}
		if abrA != abrB {
			return abrA > abrB
		}
		return a.index < b.index
	})

	best := pool[0]
	if codecRank(pref.AudioCodecs, best.AudioCodec) == len(pref.AudioCodecs) &&
		len(pref.AudioCodecs) > 0 && pref.Fallback == FallbackFail {
		// 偏好编码一个都没有且不允许降级
		return nil
	}
	return best
}

// fallbackCombined 任意档位的混封装流里选离上限最近的（最后手段）。
// FallbackNextBestHD 下超上限的结果仍须达到高清线。
func fallbackCombined(candidates []*FormatDescriptor, pref Preference) *FormatDescriptor {
	var pool []*FormatDescriptor
	for _, f := range candidates {
		if f.Kind != KindCombined || f.Height <= 0 {
			continue
		}
		if f.Height > pref.ResolutionCeiling {
			if pref.Fallback == FallbackFail {
				continue
			}
			if pref.Fallback == FallbackNextBestHD && f.Height < hdCutoffHeight {
				continue
			}
		}
		pool = append(pool, f)
	}
	if len(pool) == 0 {
		return nil
	}

	ceiling := pref.ResolutionCeiling
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		da, db := heightDistance(a.Height, ceiling), heightDistance(b.Height, ceiling)
		if da != db {
			return da < db
		}
		if a.Bitrate != b.Bitrate {
			return a.Bitrate > b.Bitrate
		}
		return a.index < b.index
	})
	return pool[0]
}

// heightDistance 与上限的距离；超上限的档位比同距离的不超上限档位更靠后
func heightDistance(height, ceiling int) int {
	if height <= ceiling {
		return ceiling - height
	}
	// 超上限按双倍距离惩罚，保证 "不超" 优先于 "超"
	return (height - ceiling) * 2
}
