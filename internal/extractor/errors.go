package extractor

import (
	"fmt"

	"github.com/azhengyongqin/vodsync/internal/model"
)

// Error 提取工具的类型化错误，携带瞬时/永久分类。
// worker 池的失败边界据此决定退避重试还是直接判死。
type Error struct {
	Op   string // index / metadata / download
	URL  string
	Kind model.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extractor %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind 实现任务错误分类接口
func (e *Error) ErrorKind() model.ErrorKind { return e.Kind }

// 便捷构造

// NetworkError 网络抖动、连接失败：瞬时
func NetworkError(op, url string, err error) *Error {
	return &Error{Op: op, URL: url, Kind: model.ErrorKindTransient, Err: err}
}

// RateLimitedError 被上游限流：瞬时，靠退避拉开间隔
func RateLimitedError(op, url string, err error) *Error {
	return &Error{Op: op, URL: url, Kind: model.ErrorKindTransient, Err: err}
}

// NotFoundError 内容已被删除或设为私有：永久
func NotFoundError(op, url string, err error) *Error {
	return &Error{Op: op, URL: url, Kind: model.ErrorKindPermanent, Err: err}
}

// AuthError 鉴权被拒（年龄限制、会员内容）：永久
func AuthError(op, url string, err error) *Error {
	return &Error{Op: op, URL: url, Kind: model.ErrorKindPermanent, Err: err}
}

// GeoBlockedError 地区封锁且无恢复路径：永久
func GeoBlockedError(op, url string, err error) *Error {
	return &Error{Op: op, URL: url, Kind: model.ErrorKindPermanent, Err: err}
}
