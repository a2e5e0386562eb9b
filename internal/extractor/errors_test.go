package extractor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/vodsync/internal/model"
	"github.com/azhengyongqin/vodsync/internal/task"
)

func TestClassifyStderr(t *testing.T) {
	base := errors.New("exit status 1")

	tests := []struct {
		name   string
		stderr string
		kind   model.ErrorKind
	}{
		{"限流", "ERROR: HTTP Error 429: Too Many Requests", model.ErrorKindTransient},
		{"限流文案", "ERROR: unable to download: rate-limited by site", model.ErrorKindTransient},
		{"视频不存在", "ERROR: Video unavailable", model.ErrorKindPermanent},
		{"已删除", "ERROR: This video has been removed by the uploader", model.ErrorKindPermanent},
		{"私有视频", "ERROR: Private video. Sign in if you've been granted access", model.ErrorKindPermanent},
		{"需要登录", "ERROR: Sign in to confirm your age", model.ErrorKindPermanent},
		{"会员内容", "ERROR: Join this channel to get access to members-only content", model.ErrorKindPermanent},
		{"地区封锁", "ERROR: The uploader has not made this video available in your country", model.ErrorKindPermanent},
		{"未知错误按瞬时", "ERROR: Connection reset by peer", model.ErrorKindTransient},
		{"空输出按瞬时", "", model.ErrorKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStderr("metadata", "https://example.com/v", tt.stderr, base)

			var ee *Error
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.kind, ee.Kind)
			assert.ErrorIs(t, err, base, "原始错误链不能丢")
		})
	}
}

// 类型化错误必须能被任务层的分类器识别
func TestErrorIntegratesWithTaskClassify(t *testing.T) {
	transient := RateLimitedError("index", "u", errors.New("429"))
	permanent := NotFoundError("metadata", "u", errors.New("gone"))

	assert.Equal(t, model.ErrorKindTransient, task.Classify(transient))
	assert.Equal(t, model.ErrorKindPermanent, task.Classify(permanent))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "second", lastLine("first\nsecond\n"))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "", lastLine(""))
}
