package download

import "github.com/folioreader/folio/internal/domain"

// PolicyActions is the outcome of evaluating a series' offline policy:
// which books to queue for download and which local copies to delete.
type PolicyActions struct {
	MarkPending []string // book keys to queue
	Remove      []string // book keys whose files should be deleted
}

// Evaluate decides queue and cleanup actions for one series. It is a
// pure function of the policy and the series' current books; callers
// pass books in reading order so a limit keeps the earliest unread
// ones. limit caps how many books may be queued in one pass, 0 meaning
// unlimited. Manual returns nothing: under manual the user drives every
// download.
func Evaluate(policy domain.OfflinePolicy, limit int, books []domain.Book) PolicyActions {
	var actions PolicyActions
	if policy == domain.PolicyManual || !policy.Valid() {
		return actions
	}

	for _, book := range books {
		if book.Unavailable {
			continue
		}
		state := book.Local.Download.State()

		wanted := false
		switch policy {
		case domain.PolicyAll:
			wanted = true
		case domain.PolicyUnreadOnly, domain.PolicyUnreadOnlyCleanupRead:
			wanted = !book.IsRead()
		}

		if wanted {
			if state == domain.DownloadNotDownloaded || state == domain.DownloadFailed {
				if limit == 0 || len(actions.MarkPending) < limit {
					actions.MarkPending = append(actions.MarkPending, book.Key)
				}
			}
			continue
		}

		if policy == domain.PolicyUnreadOnlyCleanupRead && state == domain.DownloadDownloaded {
			actions.Remove = append(actions.Remove, book.Key)
		}
	}
	return actions
}
