package downloads

// Status represents the current state of a download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Progress describes a model bundle download.
type Progress struct {
	URL             string  `json:"url"`
	Status          Status  `json:"status"`
	Message         string  `json:"message"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	Percent         float64 `json:"percent"`
	Speed           int64   `json:"speed"` // bytes/sec
	Error           string  `json:"error,omitempty"`
}

// ProgressCallback is called to report download progress.
type ProgressCallback func(Progress)

// ByteProgressCallback reports raw byte progress during a transfer.
type ByteProgressCallback func(downloaded, total int64)
