package mls

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"mlscache/models"
)

// fakeSearcher serves canned pages keyed by skip offset.
type fakeSearcher struct {
	pages    map[int][]models.Property
	total    int
	failAt   map[int]error
	pageSize int
	calls    []Query
}

func (f *fakeSearcher) SearchProperties(ctx context.Context, q Query) (*SearchResult, error) {
	f.calls = append(f.calls, q)
	if err, ok := f.failAt[q.Skip]; ok {
		return nil, err
	}
	size := f.pageSize
	if size == 0 {
		size = q.PageSize()
	}
	return &SearchResult{Properties: f.pages[q.Skip], PageSize: size, Total: f.total}, nil
}

func makeProps(prefix string, n int, office string) []models.Property {
	out := make([]models.Property, n)
	for i := range out {
		out[i] = models.Property{ListingID: fmt.Sprintf("%s-%d", prefix, i), OfficeName: office}
	}
	return out
}

func TestPaginator_StopsOnShortPage(t *testing.T) {
	s := &fakeSearcher{
		total: -1,
		pages: map[int][]models.Property{
			0:  makeProps("a", 25, "Grandview Realty"),
			25: makeProps("b", 5, "Grandview Realty"),
			50: makeProps("c", 25, "Grandview Realty"),
		},
	}
	p := NewPaginator(s, "grandview realty", 25, 0)

	res, err := p.FetchAll(context.Background(), Query{Status: models.StatusActive})
	require.NoError(t, err)
	require.Len(t, s.calls, 2)
	require.Equal(t, 0, s.calls[0].Skip)
	require.Equal(t, 25, s.calls[1].Skip)
	require.True(t, s.calls[0].Count)
	require.Equal(t, StopShortPage, res.StopReason)
	require.Equal(t, 30, res.Fetched)
	require.Len(t, res.Properties, 30)
	require.False(t, res.Partial)
}

func TestPaginator_StopsWhenTotalReached(t *testing.T) {
	s := &fakeSearcher{
		total: 50,
		pages: map[int][]models.Property{
			0:  makeProps("a", 25, "Grandview Realty"),
			25: makeProps("b", 25, "Grandview Realty"),
		},
	}
	res, err := NewPaginator(s, "", 25, 0).FetchAll(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, s.calls, 2)
	require.Equal(t, StopTotalReached, res.StopReason)
	require.Equal(t, 50, res.Total)
}

func TestPaginator_StopsAtPageCap(t *testing.T) {
	full := makeProps("x", 25, "Grandview Realty")
	s := &fakeSearcher{total: -1, pages: map[int][]models.Property{}}
	for skip := 0; skip < 25*10; skip += 25 {
		s.pages[skip] = full
	}

	res, err := NewPaginator(s, "", 25, 3).FetchAll(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, s.calls, 3)
	require.Equal(t, StopPageCap, res.StopReason)
	require.Equal(t, 3, res.Pages)
}

func TestPaginator_UsesEffectivePageSizeForStep(t *testing.T) {
	s := &fakeSearcher{
		total: -1,
		pages: map[int][]models.Property{
			0:  makeProps("a", 25, ""),
			25: makeProps("b", 3, ""),
		},
	}
	// asks for 50, upstream caps at 25
	res, err := NewPaginator(s, "", 50, 0).FetchAll(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, s.calls, 2)
	require.Equal(t, 25, s.calls[1].Skip)
	require.Equal(t, 28, res.Fetched)
}

func TestPaginator_FiltersByOffice(t *testing.T) {
	page := append(makeProps("ours", 3, "Grandview Realty - Downtown"), makeProps("theirs", 2, "Other Realty")...)
	s := &fakeSearcher{total: -1, pages: map[int][]models.Property{0: page}}

	res, err := NewPaginator(s, "Grandview Realty", 25, 0).FetchAll(context.Background(), Query{})
	require.NoError(t, err)
	require.Equal(t, 5, res.Fetched)
	require.Len(t, res.Properties, 3)
	for _, p := range res.Properties {
		require.Equal(t, "Grandview Realty - Downtown", p.OfficeName)
	}
}

func TestPaginator_FirstPageErrorPropagates(t *testing.T) {
	s := &fakeSearcher{failAt: map[int]error{0: ErrTimeout}}

	res, err := NewPaginator(s, "", 25, 0).FetchAll(context.Background(), Query{})
	require.ErrorIs(t, err, ErrTimeout)
	require.Nil(t, res)
}

func TestPaginator_LaterPageErrorKeepsAccumulated(t *testing.T) {
	s := &fakeSearcher{
		total:  -1,
		pages:  map[int][]models.Property{0: makeProps("a", 25, "Grandview Realty")},
		failAt: map[int]error{25: ErrTimeout},
	}

	res, err := NewPaginator(s, "", 25, 0).FetchAll(context.Background(), Query{})
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.ErrorIs(t, res.Err, ErrTimeout)
	require.Equal(t, StopPageError, res.StopReason)
	require.Len(t, res.Properties, 25)
}

func TestOfficeMatches(t *testing.T) {
	require.True(t, OfficeMatches("Grandview Realty - Downtown", "Grandview Realty"))
	require.True(t, OfficeMatches("GRANDVIEW REALTY", "grandview realty"))
	require.False(t, OfficeMatches("Other Realty", "Grandview Realty"))
	require.False(t, OfficeMatches("", "Grandview Realty"))
	require.True(t, OfficeMatches("Other Realty", ""))
}
