package mls

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxPageSize is the most records the API returns per request.
const MaxPageSize = 25

const (
	statusField   = "MlsStatus"
	modifiedField = "ModificationTimestamp"
	defaultOrder  = modifiedField + " desc"
)

// Granularity bounds a modified-on filter.
type Granularity int

const (
	ByYear Granularity = iota + 1
	ByMonth
	ByDay
	ByHour
)

// TimeBucket selects records modified within the year, month, day or hour
// containing At (UTC). The API has no "modified since" operator, so the
// bucket is expressed as equality clauses on date functions.
type TimeBucket struct {
	At          time.Time
	Granularity Granularity
}

// Query is a server-side search. Zero values mean "no constraint".
type Query struct {
	Status     string
	OfficeID   string
	City       string
	MinPrice   float64
	MaxPrice   float64
	MinBeds    float64
	MaxBeds    float64
	MinBaths   float64
	MaxBaths   float64
	ModifiedOn *TimeBucket
	OrderBy    string
	Top        int
	Skip       int
	Count      bool
	NoMedia    bool
}

// Filter builds the $filter expression for q.
func (q Query) Filter() string {
	var clauses []string

	if q.Status != "" {
		clauses = append(clauses, eq(statusField, q.Status))
	}
	if q.OfficeID != "" {
		clauses = append(clauses, eq("ListOfficeMlsId", q.OfficeID))
	}
	if q.City != "" {
		clauses = append(clauses, eq("City", q.City))
	}
	clauses = append(clauses, rangeClauses("ListPrice", q.MinPrice, q.MaxPrice)...)
	clauses = append(clauses, rangeClauses("BedroomsTotal", q.MinBeds, q.MaxBeds)...)
	clauses = append(clauses, rangeClauses("BathroomsTotalInteger", q.MinBaths, q.MaxBaths)...)
	if q.ModifiedOn != nil {
		clauses = append(clauses, q.ModifiedOn.clauses()...)
	}

	return strings.Join(clauses, " and ")
}

// Values encodes q as OData query parameters. Top is capped at MaxPageSize.
func (q Query) Values() url.Values {
	v := url.Values{}
	if f := q.Filter(); f != "" {
		v.Set("$filter", f)
	}
	v.Set("$top", strconv.Itoa(q.PageSize()))
	if q.Skip > 0 {
		v.Set("$skip", strconv.Itoa(q.Skip))
	}
	order := q.OrderBy
	if order == "" {
		order = defaultOrder
	}
	v.Set("$orderby", order)
	if q.Count {
		v.Set("$count", "true")
	}
	if !q.NoMedia {
		v.Set("$expand", "Media")
	}
	return v
}

// PageSize is the effective $top for q.
func (q Query) PageSize() int {
	if q.Top <= 0 || q.Top > MaxPageSize {
		return MaxPageSize
	}
	return q.Top
}

func (b TimeBucket) clauses() []string {
	at := b.At.UTC()
	g := b.Granularity
	if g == 0 {
		g = ByDay
	}

	clauses := []string{fmt.Sprintf("year(%s) eq %d", modifiedField, at.Year())}
	if g >= ByMonth {
		clauses = append(clauses, fmt.Sprintf("month(%s) eq %d", modifiedField, int(at.Month())))
	}
	if g >= ByDay {
		clauses = append(clauses, fmt.Sprintf("day(%s) eq %d", modifiedField, at.Day()))
	}
	if g >= ByHour {
		clauses = append(clauses, fmt.Sprintf("hour(%s) eq %d", modifiedField, at.Hour()))
	}
	return clauses
}

// lookupFilter matches a single listing by key or identifier.
func lookupFilter(id string) string {
	return "(" + eq("ListingKey", id) + " or " + eq("ListingId", id) + ")"
}

func eq(field, value string) string {
	return fmt.Sprintf("%s eq '%s'", field, strings.ReplaceAll(value, "'", "''"))
}

func rangeClauses(field string, min, max float64) []string {
	switch {
	case min > 0 && min == max:
		return []string{fmt.Sprintf("%s eq %s", field, num(min))}
	case min > 0 && max > 0:
		return []string{fmt.Sprintf("%s ge %s", field, num(min)), fmt.Sprintf("%s le %s", field, num(max))}
	case min > 0:
		return []string{fmt.Sprintf("%s ge %s", field, num(min))}
	case max > 0:
		return []string{fmt.Sprintf("%s le %s", field, num(max))}
	}
	return nil
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// String renders a compact description of q for logs.
func (q Query) String() string {
	s := "status=" + q.Status + " skip=" + strconv.Itoa(q.Skip) + " top=" + strconv.Itoa(q.PageSize())
	if q.City != "" {
		s += " city=" + q.City
	}
	return s
}
