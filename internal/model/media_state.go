package model

// MediaState 媒体条目的下载状态（来自索引/元数据/下载任务的推进）。
type MediaState string

const (
	MediaStateUnknown     MediaState = "unknown"
	MediaStateScheduled   MediaState = "scheduled"
	MediaStateDownloading MediaState = "downloading"
	MediaStateDownloaded  MediaState = "downloaded"
	MediaStateSkipped     MediaState = "skipped"
	MediaStateError       MediaState = "error"
)

func (s MediaState) Valid() bool {
	switch s {
	case MediaStateUnknown, MediaStateScheduled, MediaStateDownloading,
		MediaStateDownloaded, MediaStateSkipped, MediaStateError:
		return true
	default:
		return false
	}
}
