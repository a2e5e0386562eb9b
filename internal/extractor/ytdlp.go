package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RemoteItem 索引一个源时返回的一条远端条目（扁平列表，不含 format 详情）
type RemoteItem struct {
	Key      string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// Metadata 单个条目的完整元数据，Formats 保持原始字典形态，
// 规范化交给 media.ParseFormats。
type Metadata struct {
	Key        string           `json:"id"`
	Title      string           `json:"title"`
	UploadDate string           `json:"upload_date"`
	Duration   int              `json:"duration"`
	Formats    []map[string]any `json:"formats"`
}

// DownloadRequest 一次下载请求
type DownloadRequest struct {
	URL string
	// FormatString 匹配器给出的格式串，如 "137+251"
	FormatString string
	// OutputTemplate 下载器的输出路径模板
	OutputTemplate string
	// Container 合并后的目标容器（mkv/m4a/ogg）
	Container string
}

// Client yt-dlp 子进程封装。工具本身当黑盒：喂 URL，收 JSON 或类型化错误。
type Client struct {
	bin     string
	timeout time.Duration
}

// ClientOption Client 的可选配置
type ClientOption func(*Client)

// WithBinary 指定 yt-dlp 可执行文件路径
func WithBinary(path string) ClientOption {
	return func(c *Client) { c.bin = path }
}

// WithTimeout 指定单次调用的超时
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient 创建提取工具客户端
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		bin:     "yt-dlp",
		timeout: 30 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckBinary 确认 yt-dlp 在 PATH 上（启动自检用）
func (c *Client) CheckBinary() error {
	if _, err := exec.LookPath(c.bin); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", c.bin)
	}
	return nil
}

// Index 拉取一个源（频道/播放列表）的条目列表
func (c *Client) Index(ctx context.Context, url string) ([]RemoteItem, error) {
	out, err := c.run(ctx, "index", url, "--flat-playlist", "-J", url)
	if err != nil {
		return nil, err
	}

	var playlist struct {
		Entries []RemoteItem `json:"entries"`
	}
	if err := json.Unmarshal(out, &playlist); err != nil {
		return nil, NetworkError("index", url, fmt.Errorf("parse playlist json: %w", err))
	}
	if len(playlist.Entries) == 0 {
		// 空结果可能是上游临时抽风，也可能确实没内容；当瞬时处理
		return nil, NetworkError("index", url, fmt.Errorf("source returned no entries"))
	}
	return playlist.Entries, nil
}

// FetchMetadata 拉取单个条目的完整元数据（含 format 目录）
func (c *Client) FetchMetadata(ctx context.Context, url string) (*Metadata, error) {
	out, err := c.run(ctx, "metadata", url, "-J", url)
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal(out, &md); err != nil {
		return nil, NetworkError("metadata", url, fmt.Errorf("parse metadata json: %w", err))
	}
	return &md, nil
}

// Download 按匹配器给出的格式串下载一个条目
func (c *Client) Download(ctx context.Context, req DownloadRequest) error {
	args := []string{
		"-f", req.FormatString,
		"-o", req.OutputTemplate,
		"--no-progress",
	}
	if req.Container != "" {
		args = append(args, "--merge-output-format", req.Container)
	}
	args = append(args, req.URL)

	_, err := c.run(ctx, "download", req.URL, args...)
	return err
}

// run 执行子进程并把 stderr 翻译成类型化错误
func (c *Client) run(ctx context.Context, op, url string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classifyStderr(op, url, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// classifyStderr 从 yt-dlp 的 stderr 识别错误类别。
// 识别不出的按瞬时处理，交给退避策略慢慢重试。
func classifyStderr(op, url, stderr string, err error) error {
	s := strings.ToLower(stderr)
	wrapped := fmt.Errorf("%w: %s", err, lastLine(stderr))

	switch {
	case strings.Contains(s, "http error 429") || strings.Contains(s, "rate-limited") ||
		strings.Contains(s, "rate limit"):
		return RateLimitedError(op, url, wrapped)
	case strings.Contains(s, "video unavailable") || strings.Contains(s, "has been removed") ||
		strings.Contains(s, "private video") || strings.Contains(s, "does not exist"):
		return NotFoundError(op, url, wrapped)
	case strings.Contains(s, "sign in to confirm") || strings.Contains(s, "login required") ||
		strings.Contains(s, "members-only") || strings.Contains(s, "age-restricted"):
		return AuthError(op, url, wrapped)
	case strings.Contains(s, "not available in your country") ||
		strings.Contains(s, "blocked it in your country") ||
		strings.Contains(s, "geo restricted"):
		return GeoBlockedError(op, url, wrapped)
	default:
		return NetworkError(op, url, wrapped)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
