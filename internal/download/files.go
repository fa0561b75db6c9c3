package download

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/folioreader/folio/internal/domain"
)

// Layout on disk: <downloadDir>/<instanceID>/<bookID>/ holds either the
// numbered page images of an image book or the single source file of an
// EPUB book. The directory is the unit of cleanup.

func bookDir(downloadDir, instanceID, bookID string) string {
	return filepath.Join(downloadDir, instanceID, bookID)
}

func pageFileName(page domain.BookPage) string {
	return fmt.Sprintf("%04d.%s", page.Number, page.FileExtension())
}

func bookFileName(book domain.Book) string {
	ext := strings.ToLower(filepath.Ext(book.URL))
	if ext == "" {
		ext = ".epub"
	}
	return "book" + ext
}

// dirSize sums the file sizes under dir. A missing directory counts as
// zero so status reads stay cheap for never-downloaded books.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

func removeBookDir(downloadDir, instanceID, bookID string) error {
	return os.RemoveAll(bookDir(downloadDir, instanceID, bookID))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
