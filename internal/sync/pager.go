package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/logger"
)

// DefaultPageSize is the number of candidates requested per page.
const DefaultPageSize = 50

// walkPages streams every candidate of project updated at or after since
// to visit, one page at a time. It stops after the first short page, so a
// call is exactly one pass over the remote listing. It returns the number
// of pages fetched.
//
// Offsets grow by pageSize through a listing ordered by (updated, key), so
// candidates sharing a timestamp are all covered even when they span pages.
func walkPages(ctx context.Context, client RemoteClient, project string, since time.Time, pageSize int, visit func(cache.IssueRecord) error) (int, error) {
	pages := 0
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		page, err := client.FetchPage(ctx, project, since, pageSize, offset)
		if err != nil {
			return pages, fmt.Errorf("failed to fetch page at offset %d: %w", offset, err)
		}
		pages++
		logger.Debug("sync: %s page %d (offset %d) has %d candidates", project, pages, offset, len(page))

		for _, candidate := range page {
			if err := visit(candidate); err != nil {
				return pages, err
			}
		}

		if len(page) < pageSize {
			return pages, nil
		}
	}
}
