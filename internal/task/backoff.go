package task

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/azhengyongqin/vodsync/internal/model"
)

// BackoffPolicy 指数退避策略。
// 瞬时错误按 InitialDelay * Factor^(attempt-1) 增长，封顶 MaxDelay，
// 在确定性延迟之上附加 [0, Jitter*delay) 的随机抖动，避免大批任务
// 同时失败后在同一时刻集体重试。
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter 抖动比例，取值 [0,1)；0 表示关闭抖动
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultBackoffPolicy 默认退避策略：30s 起步，2 倍增长，6h 封顶，20% 抖动
func DefaultBackoffPolicy() *BackoffPolicy {
	return NewBackoffPolicy(30*time.Second, 6*time.Hour, 2.0, 0.2)
}

// NewBackoffPolicy 创建退避策略
func NewBackoffPolicy(initial, max time.Duration, factor, jitter float64) *BackoffPolicy {
	if initial <= 0 {
		initial = 30 * time.Second
	}
	if max <= 0 {
		max = 6 * time.Hour
	}
	if factor < 1 {
		factor = 2.0
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	return &BackoffPolicy{
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       factor,
		Jitter:       jitter,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay 第 attempt 次失败后的确定性延迟（不含抖动）。
// 随 attempt 单调不减，封顶 MaxDelay。attempt 从 1 开始计。
// 永久错误不会走到退避，这里按同样的曲线返回，调用方不应使用。
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 以浮点计算避免大 attempt 下的整型溢出
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NextRun 计算下一次可执行时间。
// 瞬时错误：now + Delay(attempt) + 抖动，整体不超过 now + MaxDelay。
// attempt 再大也只是走到封顶延迟，不会因此放弃任务——
// "用长间隔永远重试" 是面向不稳定外部源的有意设计。
func (p *BackoffPolicy) NextRun(now time.Time, attempt int, kind model.ErrorKind) time.Time {
	if kind == model.ErrorKindPermanent {
		// 永久错误不重排，返回 now 仅为满足纯函数签名
		return now
	}

	delay := p.Delay(attempt)
	if p.Jitter > 0 {
		p.mu.Lock()
		if p.rng == nil {
			p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		j := time.Duration(p.rng.Int63n(int64(float64(delay)*p.Jitter) + 1))
		p.mu.Unlock()
		delay += j
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return now.Add(delay).UTC()
}
