package domain

import (
	"encoding/json"
	"fmt"
)

// DownloadState identifies the variant of a DownloadStatus.
type DownloadState string

const (
	DownloadNotDownloaded DownloadState = "notDownloaded"
	DownloadPending       DownloadState = "pending"
	DownloadDownloading   DownloadState = "downloading"
	DownloadDownloaded    DownloadState = "downloaded"
	DownloadFailed        DownloadState = "failed"
)

// DownloadStatus is the tagged union tracking a book's offline state:
// NotDownloaded | Pending | Downloading(progress) | Downloaded(size) |
// Failed(reason). The zero value is NotDownloaded.
type DownloadStatus struct {
	state    DownloadState
	progress float64 // Downloading only, 0..1
	size     int64   // Downloaded only, bytes on disk
	reason   string  // Failed only
}

func NotDownloaded() DownloadStatus { return DownloadStatus{state: DownloadNotDownloaded} }
func Pending() DownloadStatus       { return DownloadStatus{state: DownloadPending} }

func Downloading(progress float64) DownloadStatus {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return DownloadStatus{state: DownloadDownloading, progress: progress}
}

func Downloaded(size int64) DownloadStatus {
	return DownloadStatus{state: DownloadDownloaded, size: size}
}

func Failed(reason string) DownloadStatus {
	return DownloadStatus{state: DownloadFailed, reason: reason}
}

// State returns the variant tag. The zero value reads as NotDownloaded.
func (d DownloadStatus) State() DownloadState {
	if d.state == "" {
		return DownloadNotDownloaded
	}
	return d.state
}

// Progress returns the transfer fraction; only meaningful while Downloading.
func (d DownloadStatus) Progress() float64 { return d.progress }

// Size returns the on-disk size in bytes; only meaningful once Downloaded.
func (d DownloadStatus) Size() int64 { return d.size }

// Reason returns the failure description; only meaningful when Failed.
func (d DownloadStatus) Reason() string { return d.reason }

func (d DownloadStatus) IsPending() bool     { return d.State() == DownloadPending }
func (d DownloadStatus) IsDownloading() bool { return d.State() == DownloadDownloading }
func (d DownloadStatus) IsDownloaded() bool  { return d.State() == DownloadDownloaded }
func (d DownloadStatus) IsFailed() bool      { return d.State() == DownloadFailed }

func (d DownloadStatus) String() string {
	switch d.State() {
	case DownloadDownloading:
		return fmt.Sprintf("downloading (%.0f%%)", d.progress*100)
	case DownloadDownloaded:
		return fmt.Sprintf("downloaded (%d bytes)", d.size)
	case DownloadFailed:
		return "failed: " + d.reason
	default:
		return string(d.State())
	}
}

// downloadStatusJSON is the explicit wire shape of the sum type.
type downloadStatusJSON struct {
	State    DownloadState `json:"state"`
	Progress *float64      `json:"progress,omitempty"`
	Size     *int64        `json:"size,omitempty"`
	Reason   *string       `json:"reason,omitempty"`
}

func (d DownloadStatus) MarshalJSON() ([]byte, error) {
	out := downloadStatusJSON{State: d.State()}
	switch out.State {
	case DownloadDownloading:
		out.Progress = &d.progress
	case DownloadDownloaded:
		out.Size = &d.size
	case DownloadFailed:
		out.Reason = &d.reason
	}
	return json.Marshal(out)
}

func (d *DownloadStatus) UnmarshalJSON(data []byte) error {
	var in downloadStatusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.State {
	case DownloadNotDownloaded, "":
		*d = NotDownloaded()
	case DownloadPending:
		*d = Pending()
	case DownloadDownloading:
		var p float64
		if in.Progress != nil {
			p = *in.Progress
		}
		*d = Downloading(p)
	case DownloadDownloaded:
		var s int64
		if in.Size != nil {
			s = *in.Size
		}
		*d = Downloaded(s)
	case DownloadFailed:
		var r string
		if in.Reason != nil {
			r = *in.Reason
		}
		*d = Failed(r)
	default:
		return fmt.Errorf("unknown download state %q", in.State)
	}
	return nil
}

// SeriesDownloadState is the aggregate state of a series' child books.
type SeriesDownloadState string

const (
	SeriesNotDownloaded       SeriesDownloadState = "notDownloaded"
	SeriesPending             SeriesDownloadState = "pending"
	SeriesPartiallyDownloaded SeriesDownloadState = "partiallyDownloaded"
	SeriesDownloaded          SeriesDownloadState = "downloaded"
)

// SeriesDownloadSummary is a read-time aggregate over child book
// statuses. It is computed on demand and never stored.
type SeriesDownloadSummary struct {
	State          SeriesDownloadState
	Downloaded     int
	Pending        int
	Total          int
	DownloadedSize int64
}

// SummarizeSeries derives the aggregate status for a series with the
// given total book count from its locally cached child books.
func SummarizeSeries(total int, books []Book) SeriesDownloadSummary {
	sum := SeriesDownloadSummary{Total: total}
	for _, b := range books {
		switch b.Local.Download.State() {
		case DownloadDownloaded:
			sum.Downloaded++
			sum.DownloadedSize += b.Local.DownloadedSize
		case DownloadPending, DownloadDownloading:
			sum.Pending++
		}
	}
	switch {
	case sum.Total > 0 && sum.Downloaded == sum.Total:
		sum.State = SeriesDownloaded
	case sum.Pending > 0:
		sum.State = SeriesPending
	case sum.Downloaded > 0:
		sum.State = SeriesPartiallyDownloaded
	default:
		sum.State = SeriesNotDownloaded
	}
	return sum
}

// OfflinePolicy is a declarative rule deciding which books of a series
// should be kept offline.
type OfflinePolicy string

const (
	PolicyManual                OfflinePolicy = "manual"
	PolicyUnreadOnly            OfflinePolicy = "unreadOnly"
	PolicyUnreadOnlyCleanupRead OfflinePolicy = "unreadOnlyAndCleanupRead"
	PolicyAll                   OfflinePolicy = "all"
)

// Valid reports whether p is a known policy value.
func (p OfflinePolicy) Valid() bool {
	switch p {
	case PolicyManual, PolicyUnreadOnly, PolicyUnreadOnlyCleanupRead, PolicyAll:
		return true
	}
	return false
}
