package mls

import (
	"context"
	"log"
	"strings"

	"mlscache/models"
)

// DefaultMaxPages bounds a single FetchAll against a misbehaving upstream.
const DefaultMaxPages = 200

// Searcher runs one page of a query.
type Searcher interface {
	SearchProperties(ctx context.Context, q Query) (*SearchResult, error)
}

// Why a FetchAll stopped
const (
	StopShortPage    = "short_page"
	StopTotalReached = "total_reached"
	StopPageCap      = "page_cap"
	StopPageError    = "page_error"
)

// FetchResult is what FetchAll accumulated. When Partial is set, Err holds
// the page error that ended the run early.
type FetchResult struct {
	Properties []models.Property
	Pages      int
	Fetched    int // records received before the office filter
	Total      int
	StopReason string
	Partial    bool
	Err        error
}

// Paginator walks every page of a query and keeps the brokerage's listings.
type Paginator struct {
	searcher   Searcher
	officeName string
	pageSize   int
	maxPages   int
}

func NewPaginator(searcher Searcher, officeName string, pageSize, maxPages int) *Paginator {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Paginator{
		searcher:   searcher,
		officeName: officeName,
		pageSize:   pageSize,
		maxPages:   maxPages,
	}
}

// FetchAll pages through base until a short page, the reported total or the
// page cap. A failure on the first page is returned as an error; a failure
// on a later page ends the walk and the pages already fetched are returned.
func (p *Paginator) FetchAll(ctx context.Context, base Query) (*FetchResult, error) {
	res := &FetchResult{Total: -1}
	q := base
	q.Top = p.pageSize
	q.Count = true
	q.Skip = 0

	for page := 0; ; page++ {
		if page >= p.maxPages {
			log.Printf("Paginator: %s hit page cap (%d pages)", base.Status, p.maxPages)
			res.StopReason = StopPageCap
			break
		}

		out, err := p.searcher.SearchProperties(ctx, q)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			log.Printf("Paginator: %s page %d failed, keeping %d records: %v", base.Status, page+1, len(res.Properties), err)
			res.StopReason = StopPageError
			res.Partial = true
			res.Err = err
			break
		}

		res.Pages++
		res.Fetched += len(out.Properties)
		if out.Total >= 0 {
			res.Total = out.Total
		}
		kept := 0
		for _, prop := range out.Properties {
			if OfficeMatches(prop.OfficeName, p.officeName) {
				res.Properties = append(res.Properties, prop)
				kept++
			}
		}
		log.Printf("Paginator: %s page %d: %d records, %d kept (total kept: %d)",
			base.Status, page+1, len(out.Properties), kept, len(res.Properties))

		if len(out.Properties) < out.PageSize {
			res.StopReason = StopShortPage
			break
		}
		if res.Total >= 0 && res.Fetched >= res.Total {
			res.StopReason = StopTotalReached
			break
		}
		q.Skip += out.PageSize
	}

	return res, nil
}

// OfficeMatches reports whether officeName belongs to the target brokerage:
// a case-insensitive substring match. An empty target matches everything.
func OfficeMatches(officeName, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return true
	}
	return strings.Contains(strings.ToLower(officeName), strings.ToLower(target))
}
