package models

import (
	"sort"
	"strings"
	"time"
)

// StatusUnknown is the normalized status when the source carries none.
const StatusUnknown = "Unknown"

// Status buckets fetched by a refresh cycle
const (
	StatusActive        = "Active"
	StatusUnderContract = "Under Contract"
)

// Property is one normalized MLS listing as stored in the cache payload.
type Property struct {
	ListingID       string    `json:"listing_id"`
	ListingKey      string    `json:"listing_key"`
	RawStatus       string    `json:"raw_status"`
	StandardStatus  string    `json:"standard_status"`
	Status          string    `json:"status"`
	Price           float64   `json:"price"`
	StreetNumber    string    `json:"street_number"`
	StreetName      string    `json:"street_name"`
	UnitNumber      string    `json:"unit_number"`
	Address         string    `json:"address"`
	City            string    `json:"city"`
	State           string    `json:"state"`
	PostalCode      string    `json:"postal_code"`
	Bedrooms        float64   `json:"bedrooms"`
	Bathrooms       float64   `json:"bathrooms"`
	LivingArea      float64   `json:"living_area"`
	PropertyType    string    `json:"property_type"`
	PropertySubType string    `json:"property_sub_type"`
	Remarks         string    `json:"remarks"`
	AgentName       string    `json:"agent_name"`
	AgentEmail      string    `json:"agent_email"`
	AgentPhone      string    `json:"agent_phone"`
	OfficeName      string    `json:"office_name"`
	Photos          []Photo   `json:"photos"`
	ModifiedAt      time.Time `json:"modified_at"`
}

// Photo is one media record attached to a listing.
type Photo struct {
	URL         string `json:"url"`
	Order       int    `json:"order"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// SortedPhotos returns the photos ordered by display order.
func (p *Property) SortedPhotos() []Photo {
	photos := make([]Photo, len(p.Photos))
	copy(photos, p.Photos)
	sort.SliceStable(photos, func(i, j int) bool {
		return photos[i].Order < photos[j].Order
	})
	return photos
}

// PrimaryPhoto returns the lowest-ordered photo URL, or "" if there are none.
func (p *Property) PrimaryPhoto() string {
	photos := p.SortedPhotos()
	if len(photos) == 0 {
		return ""
	}
	return photos[0].URL
}

// FullAddress joins the street components, falling back to the unparsed address.
func (p *Property) FullAddress() string {
	if p.Address != "" {
		return p.Address
	}
	parts := []string{p.StreetNumber, p.StreetName}
	if p.UnitNumber != "" {
		parts = append(parts, "#"+p.UnitNumber)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// CachedProperty is a cache row: the property plus its bookkeeping columns.
type CachedProperty struct {
	Property  Property
	UpdatedAt time.Time
	IsActive  bool
}
