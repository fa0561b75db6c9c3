package komga

// Wire types for the Komga REST API. Field names follow the server's
// JSON exactly; mapping into domain entities happens in mapper.go.

import "encoding/json"

// pageDTO is the server's pagination envelope for list endpoints.
type pageDTO struct {
	Content       json.RawMessage `json:"content"`
	Number        int             `json:"number"`
	Size          int             `json:"size"`
	TotalElements int             `json:"totalElements"`
	TotalPages    int             `json:"totalPages"`
	First         bool            `json:"first"`
	Last          bool            `json:"last"`
}

type libraryDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Root        string `json:"root"`
	Unavailable bool   `json:"unavailable"`
}

type seriesMetadataDTO struct {
	Status           string   `json:"status"`
	Title            string   `json:"title"`
	TitleSort        string   `json:"titleSort"`
	Summary          string   `json:"summary"`
	Publisher        string   `json:"publisher"`
	ReadingDirection string   `json:"readingDirection"`
	AgeRating        *int     `json:"ageRating"`
	Language         string   `json:"language"`
	Genres           []string `json:"genres"`
	Tags             []string `json:"tags"`
	TotalBookCount   *int     `json:"totalBookCount"`
}

type seriesDTO struct {
	ID                   string            `json:"id"`
	LibraryID            string            `json:"libraryId"`
	Name                 string            `json:"name"`
	URL                  string            `json:"url"`
	Created              string            `json:"created"`
	LastModified         string            `json:"lastModified"`
	BooksCount           int               `json:"booksCount"`
	BooksReadCount       int               `json:"booksReadCount"`
	BooksUnreadCount     int               `json:"booksUnreadCount"`
	BooksInProgressCount int               `json:"booksInProgressCount"`
	Metadata             seriesMetadataDTO `json:"metadata"`
	Deleted              bool              `json:"deleted"`
	Oneshot              bool              `json:"oneshot"`
}

type authorDTO struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type bookMetadataDTO struct {
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	Number      string      `json:"number"`
	NumberSort  float64     `json:"numberSort"`
	ReleaseDate string      `json:"releaseDate"`
	Authors     []authorDTO `json:"authors"`
	Tags        []string    `json:"tags"`
	ISBN        string      `json:"isbn"`
}

type mediaDTO struct {
	Status               string `json:"status"`
	MediaType            string `json:"mediaType"`
	PagesCount           int    `json:"pagesCount"`
	MediaProfile         string `json:"mediaProfile"`
	EpubDivinaCompatible bool   `json:"epubDivinaCompatible"`
}

type readProgressDTO struct {
	Page         int    `json:"page"`
	Completed    bool   `json:"completed"`
	ReadDate     string `json:"readDate"`
	LastModified string `json:"lastModified"`
}

type bookDTO struct {
	ID           string           `json:"id"`
	SeriesID     string           `json:"seriesId"`
	LibraryID    string           `json:"libraryId"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	Number       float64          `json:"number"`
	Created      string           `json:"created"`
	LastModified string           `json:"lastModified"`
	SizeBytes    int64            `json:"sizeBytes"`
	Media        mediaDTO         `json:"media"`
	Metadata     bookMetadataDTO  `json:"metadata"`
	ReadProgress *readProgressDTO `json:"readProgress"`
	Deleted      bool             `json:"deleted"`
	Oneshot      bool             `json:"oneshot"`
}

type pageManifestDTO struct {
	Number    int    `json:"number"`
	MediaType string `json:"mediaType"`
}

type collectionDTO struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Ordered      bool     `json:"ordered"`
	Filtered     bool     `json:"filtered"`
	SeriesIDs    []string `json:"seriesIds"`
	Created      string   `json:"createdDate"`
	LastModified string   `json:"lastModifiedDate"`
}

type readListDTO struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Summary      string   `json:"summary"`
	Ordered      bool     `json:"ordered"`
	Filtered     bool     `json:"filtered"`
	BookIDs      []string `json:"bookIds"`
	Created      string   `json:"createdDate"`
	LastModified string   `json:"lastModifiedDate"`
}

type readProgressUpdateDTO struct {
	Page      int  `json:"page"`
	Completed bool `json:"completed"`
}
