package komga

import (
	"time"

	"github.com/folioreader/folio/internal/domain"
)

// Komga emits local-time timestamps without a zone offset alongside
// plain dates, so parsing tries the formats the server actually uses.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(value string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func mapLibrary(dto libraryDTO) domain.Library {
	return domain.Library{
		RemoteID:    dto.ID,
		Name:        dto.Name,
		Root:        dto.Root,
		Unavailable: dto.Unavailable,
	}
}

func mapSeries(dto seriesDTO) domain.Series {
	return domain.Series{
		RemoteID:             dto.ID,
		LibraryID:            dto.LibraryID,
		Name:                 dto.Name,
		URL:                  dto.URL,
		Created:              parseTime(dto.Created),
		LastModified:         parseTime(dto.LastModified),
		BooksCount:           dto.BooksCount,
		BooksReadCount:       dto.BooksReadCount,
		BooksUnreadCount:     dto.BooksUnreadCount,
		BooksInProgressCount: dto.BooksInProgressCount,
		Metadata: domain.SeriesMetadata{
			Status:           dto.Metadata.Status,
			Title:            dto.Metadata.Title,
			TitleSort:        dto.Metadata.TitleSort,
			Summary:          dto.Metadata.Summary,
			Publisher:        dto.Metadata.Publisher,
			ReadingDirection: dto.Metadata.ReadingDirection,
			AgeRating:        dto.Metadata.AgeRating,
			Language:         dto.Metadata.Language,
			Genres:           dto.Metadata.Genres,
			Tags:             dto.Metadata.Tags,
			TotalBookCount:   dto.Metadata.TotalBookCount,
		},
		Deleted: dto.Deleted,
		Oneshot: dto.Oneshot,
	}
}

func mapBook(dto bookDTO) domain.Book {
	book := domain.Book{
		RemoteID:     dto.ID,
		SeriesID:     dto.SeriesID,
		LibraryID:    dto.LibraryID,
		Name:         dto.Name,
		URL:          dto.URL,
		Number:       dto.Number,
		Created:      parseTime(dto.Created),
		LastModified: parseTime(dto.LastModified),
		SizeBytes:    dto.SizeBytes,
		Media: domain.Media{
			Status:               dto.Media.Status,
			MediaType:            dto.Media.MediaType,
			PagesCount:           dto.Media.PagesCount,
			Profile:              dto.Media.MediaProfile,
			EpubDivinaCompatible: dto.Media.EpubDivinaCompatible,
		},
		Metadata: domain.BookMetadata{
			Title:       dto.Metadata.Title,
			Summary:     dto.Metadata.Summary,
			Number:      dto.Metadata.Number,
			NumberSort:  dto.Metadata.NumberSort,
			ReleaseDate: dto.Metadata.ReleaseDate,
			Tags:        dto.Metadata.Tags,
			ISBN:        dto.Metadata.ISBN,
		},
		Deleted: dto.Deleted,
		Oneshot: dto.Oneshot,
	}
	for _, a := range dto.Metadata.Authors {
		book.Metadata.Authors = append(book.Metadata.Authors, domain.Author{Name: a.Name, Role: a.Role})
	}
	if dto.ReadProgress != nil {
		book.ReadProgress = &domain.ReadProgress{
			Page:         dto.ReadProgress.Page,
			Completed:    dto.ReadProgress.Completed,
			ReadDate:     parseTime(dto.ReadProgress.ReadDate),
			LastModified: parseTime(dto.ReadProgress.LastModified),
		}
	}
	return book
}

func mapBookPages(dtos []pageManifestDTO) []domain.BookPage {
	pages := make([]domain.BookPage, 0, len(dtos))
	for _, p := range dtos {
		pages = append(pages, domain.BookPage{Number: p.Number, MediaType: p.MediaType})
	}
	return pages
}

func mapCollection(dto collectionDTO) domain.Collection {
	return domain.Collection{
		RemoteID:     dto.ID,
		Name:         dto.Name,
		Ordered:      dto.Ordered,
		Filtered:     dto.Filtered,
		Created:      parseTime(dto.Created),
		LastModified: parseTime(dto.LastModified),
		SeriesIDs:    dto.SeriesIDs,
	}
}

func mapReadList(dto readListDTO) domain.ReadList {
	return domain.ReadList{
		RemoteID:     dto.ID,
		Name:         dto.Name,
		Summary:      dto.Summary,
		Ordered:      dto.Ordered,
		Filtered:     dto.Filtered,
		Created:      parseTime(dto.Created),
		LastModified: parseTime(dto.LastModified),
		BookIDs:      dto.BookIDs,
	}
}
