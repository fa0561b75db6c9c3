package domain

import (
	"fmt"
	"strings"
	"time"
)

// CompositeKey derives the storage key for a cached entity from its
// instance id and remote id. Instance ids are UUIDs, so the separator
// cannot occur in either half and the mapping is stable across restarts.
func CompositeKey(instanceID, remoteID string) string {
	return instanceID + "_" + remoteID
}

// Instance is one configured connection to a remote catalog server.
type Instance struct {
	ID       string // Stable identifier (UUID assigned at registration)
	Name     string // Display name
	URL      string // Server base URL
	Username string // Account display name
	LastUsed time.Time
}

// Library is a top-level content section on the server.
type Library struct {
	Key         string `json:"key"` // Composite key (instanceID_remoteID)
	RemoteID    string `json:"remoteId"`
	InstanceID  string `json:"instanceId"`
	Name        string `json:"name"`
	Root        string `json:"root,omitempty"` // Server-side filesystem root (informational)
	Unavailable bool   `json:"unavailable"`    // Server reported the library as gone
}

// SeriesMetadata is the server-owned editable metadata of a series.
type SeriesMetadata struct {
	Status           string   `json:"status"` // ONGOING, ENDED, ABANDONED, HIATUS
	Title            string   `json:"title"`
	TitleSort        string   `json:"titleSort"`
	Summary          string   `json:"summary,omitempty"`
	Publisher        string   `json:"publisher,omitempty"`
	ReadingDirection string   `json:"readingDirection,omitempty"`
	AgeRating        *int     `json:"ageRating,omitempty"`
	Language         string   `json:"language,omitempty"`
	Genres           []string `json:"genres,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	TotalBookCount   *int     `json:"totalBookCount,omitempty"`
}

// Series is a cached series record. Remote-sourced fields are written
// only by the Reconciler; Local is written only by the download side.
type Series struct {
	Key        string `json:"key"`
	RemoteID   string `json:"remoteId"`
	LibraryID  string `json:"libraryId"`
	InstanceID string `json:"instanceId"`

	Name                 string         `json:"name"`
	URL                  string         `json:"url"`
	Created              time.Time      `json:"created"`
	LastModified         time.Time      `json:"lastModified"`
	BooksCount           int            `json:"booksCount"`
	BooksReadCount       int            `json:"booksReadCount"`
	BooksUnreadCount     int            `json:"booksUnreadCount"`
	BooksInProgressCount int            `json:"booksInProgressCount"`
	Metadata             SeriesMetadata `json:"metadata"`
	Deleted              bool           `json:"deleted"`
	Oneshot              bool           `json:"oneshot"`
	Unavailable          bool           `json:"unavailable"`

	Local SeriesLocalState `json:"local"`
}

// SeriesLocalState holds client-owned series fields the server never sees.
type SeriesLocalState struct {
	Policy       OfflinePolicy `json:"policy"`
	PolicyLimit  int           `json:"policyLimit,omitempty"` // 0 = unlimited
	SortKey      string        `json:"sortKey"`               // Derived lowercase sort index
	LastSyncedAt time.Time     `json:"lastSyncedAt,omitempty"`
}

// DisplayTitle prefers the metadata title over the raw name.
func (s Series) DisplayTitle() string {
	if s.Metadata.Title != "" {
		return s.Metadata.Title
	}
	return s.Name
}

// BookMetadata is the server-owned editable metadata of a book.
type BookMetadata struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary,omitempty"`
	Number      string   `json:"number"`
	NumberSort  float64  `json:"numberSort"`
	ReleaseDate string   `json:"releaseDate,omitempty"`
	Authors     []Author `json:"authors,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ISBN        string   `json:"isbn,omitempty"`
}

// Author is a creator credit on a book.
type Author struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Media describes the analyzed file behind a book.
type Media struct {
	Status               string `json:"status"` // READY, UNKNOWN, ERROR, UNSUPPORTED
	MediaType            string `json:"mediaType,omitempty"`
	PagesCount           int    `json:"pagesCount"`
	Profile              string `json:"mediaProfile,omitempty"` // DIVINA, PDF, EPUB
	EpubDivinaCompatible bool   `json:"epubDivinaCompatible,omitempty"`
}

// IsEpub reports whether the book downloads as a single EPUB file
// rather than per-page images.
func (m Media) IsEpub() bool {
	return m.Profile == "EPUB" && !m.EpubDivinaCompatible
}

// ReadProgress is the server-acknowledged reading position of a book.
type ReadProgress struct {
	Page         int       `json:"page"`
	Completed    bool      `json:"completed"`
	ReadDate     time.Time `json:"readDate"`
	LastModified time.Time `json:"lastModified"`
}

// BookPage is one entry of a book's page manifest.
type BookPage struct {
	Number    int    `json:"number"`
	MediaType string `json:"mediaType"`
}

// FileExtension maps the page media type to an on-disk extension.
func (p BookPage) FileExtension() string {
	switch p.MediaType {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/avif":
		return "avif"
	case "image/jp2":
		return "jp2"
	default:
		return "jpg"
	}
}

// Book is a cached book record. Remote-sourced fields are written only
// by the Reconciler; Local is written only by the download side and by
// user actions, so the two families never race on the same field.
type Book struct {
	Key        string `json:"key"`
	RemoteID   string `json:"remoteId"`
	SeriesID   string `json:"seriesId"`
	LibraryID  string `json:"libraryId"`
	InstanceID string `json:"instanceId"`

	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Number       float64       `json:"number"`
	Created      time.Time     `json:"created"`
	LastModified time.Time     `json:"lastModified"`
	SizeBytes    int64         `json:"sizeBytes"`
	Media        Media         `json:"media"`
	Metadata     BookMetadata  `json:"metadata"`
	ReadProgress *ReadProgress `json:"readProgress,omitempty"`
	Deleted      bool          `json:"deleted"`
	Oneshot      bool          `json:"oneshot"`
	Unavailable  bool          `json:"unavailable"`

	Local BookLocalState `json:"local"`
}

// BookLocalState holds client-owned book fields the server never sees.
type BookLocalState struct {
	Download       DownloadStatus `json:"download"`
	PendingSince   *time.Time     `json:"pendingSince,omitempty"` // FIFO position in the download queue
	DownloadedAt   *time.Time     `json:"downloadedAt,omitempty"`
	DownloadedSize int64          `json:"downloadedSize,omitempty"`
	Pages          []BookPage     `json:"pages,omitempty"` // Cached manifest for offline reading
	SortKey        string         `json:"sortKey"`         // Derived lowercase sort index
}

// DisplayTitle prefers the metadata title over the raw file name.
func (b Book) DisplayTitle() string {
	if b.Metadata.Title != "" {
		return b.Metadata.Title
	}
	return b.Name
}

// IsRead reports whether the server considers the book completed.
func (b Book) IsRead() bool {
	return b.ReadProgress != nil && b.ReadProgress.Completed
}

// SortKeyFor computes the derived lowercase index used for offline
// filtering and sorting. Recomputable from remote fields at any time.
func SortKeyFor(title string, numberSort float64) string {
	return fmt.Sprintf("%08.2f_%s", numberSort, strings.ToLower(title))
}

// Collection is a cached server-side collection of series.
type Collection struct {
	Key          string    `json:"key"`
	RemoteID     string    `json:"remoteId"`
	InstanceID   string    `json:"instanceId"`
	Name         string    `json:"name"`
	Ordered      bool      `json:"ordered"`
	Filtered     bool      `json:"filtered"`
	Created      time.Time `json:"createdDate"`
	LastModified time.Time `json:"lastModifiedDate"`
	SeriesIDs    []string  `json:"seriesIds"`
	Unavailable  bool      `json:"unavailable"`
}

// ReadList is a cached server-side ordered list of books.
type ReadList struct {
	Key          string    `json:"key"`
	RemoteID     string    `json:"remoteId"`
	InstanceID   string    `json:"instanceId"`
	Name         string    `json:"name"`
	Summary      string    `json:"summary,omitempty"`
	Ordered      bool      `json:"ordered"`
	Filtered     bool      `json:"filtered"`
	Created      time.Time `json:"createdDate"`
	LastModified time.Time `json:"lastModifiedDate"`
	BookIDs      []string  `json:"bookIds"`
	Unavailable  bool      `json:"unavailable"`
}
