package mls

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mlscache/config"
	"mlscache/models"
)

// Record is one raw listing as returned by the API.
type Record map[string]any

// Logical fields resolved through extraction rules
const (
	FieldStatus     = "status"
	FieldPrice      = "price"
	FieldLivingArea = "living_area"
	FieldBedrooms   = "bedrooms"
	FieldBathrooms  = "bathrooms"
)

// Rule extracts a logical field from a record. Fields are tried in order and
// the first present one wins, unless Sum is set, in which case every present
// field is added up. A rule with SubTypes only applies to those property
// sub types.
type Rule struct {
	Fields   []string
	SubTypes []string
	Sum      bool
}

// Rules maps a logical field to its ordered extraction rules.
type Rules map[string][]Rule

var twoUnitSubTypes = []string{"Duplex", "Two Family", "2 Unit", "Two Unit"}

var DefaultRules = Rules{
	FieldStatus: {
		{Fields: []string{"MlsStatus"}},
		{Fields: []string{"StandardStatus"}},
	},
	FieldPrice: {
		{Fields: []string{"ListPrice"}},
	},
	FieldLivingArea: {
		{Fields: []string{"LivingArea"}},
		{Fields: []string{"BuildingAreaTotal"}},
		{Fields: []string{"MLSAligned_TwoUnitTotalSqFt"}, SubTypes: twoUnitSubTypes},
	},
	FieldBedrooms: {
		{Fields: []string{"BedroomsTotal"}},
		{Fields: []string{"Unit1BedroomsTotal", "Unit2BedroomsTotal"}, SubTypes: twoUnitSubTypes, Sum: true},
	},
	FieldBathrooms: {
		{Fields: []string{"BathroomsTotalInteger"}},
		{Fields: []string{"BathroomsTotalDecimal"}},
		{Fields: []string{"Unit1BathroomsTotal", "Unit2BathroomsTotal"}, SubTypes: twoUnitSubTypes, Sum: true},
	},
}

// RulesFromConfig returns DefaultRules with every logical field present in
// overrides replaced wholesale.
func RulesFromConfig(overrides map[string][]config.RuleConfig) Rules {
	rules := make(Rules, len(DefaultRules))
	for field, rs := range DefaultRules {
		rules[field] = rs
	}
	for field, rcs := range overrides {
		rs := make([]Rule, 0, len(rcs))
		for _, rc := range rcs {
			rs = append(rs, Rule{Fields: rc.Fields, SubTypes: rc.SubTypes, Sum: rc.Sum})
		}
		rules[field] = rs
	}
	return rules
}

// Normalizer maps raw records to models.Property. It holds no state beyond
// its rules, so Normalize is deterministic.
type Normalizer struct {
	rules Rules
}

func NewNormalizer(rules Rules) *Normalizer {
	if rules == nil {
		rules = DefaultRules
	}
	return &Normalizer{rules: rules}
}

func (n *Normalizer) Normalize(r Record) models.Property {
	subType := r.String("PropertySubType")

	status, ok := n.text(r, FieldStatus, subType)
	if !ok {
		status = models.StatusUnknown
	}

	p := models.Property{
		ListingID:       r.String("ListingId"),
		ListingKey:      r.String("ListingKey"),
		RawStatus:       r.String("MlsStatus"),
		StandardStatus:  r.String("StandardStatus"),
		Status:          status,
		Price:           n.number(r, FieldPrice, subType),
		StreetNumber:    r.String("StreetNumber"),
		StreetName:      r.String("StreetName"),
		UnitNumber:      r.String("UnitNumber"),
		Address:         r.String("UnparsedAddress"),
		City:            r.String("City"),
		State:           r.String("StateOrProvince"),
		PostalCode:      r.String("PostalCode"),
		Bedrooms:        n.number(r, FieldBedrooms, subType),
		Bathrooms:       n.number(r, FieldBathrooms, subType),
		LivingArea:      n.number(r, FieldLivingArea, subType),
		PropertyType:    r.String("PropertyType"),
		PropertySubType: subType,
		Remarks:         r.String("PublicRemarks"),
		AgentName:       r.String("ListAgentFullName"),
		AgentEmail:      r.String("ListAgentEmail"),
		AgentPhone:      firstNonEmpty(r.String("ListAgentDirectPhone"), r.String("ListAgentPreferredPhone")),
		OfficeName:      r.String("ListOfficeName"),
		Photos:          photos(r["Media"]),
		ModifiedAt:      r.Time("ModificationTimestamp"),
	}
	if p.ListingID == "" {
		p.ListingID = p.ListingKey
	}
	return p
}

func (n *Normalizer) text(r Record, field, subType string) (string, bool) {
	for _, rule := range n.rules[field] {
		if !rule.appliesTo(subType) {
			continue
		}
		for _, f := range rule.Fields {
			if v := r.String(f); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// number resolves a numeric field, defaulting to 0 when no rule matches.
func (n *Normalizer) number(r Record, field, subType string) float64 {
	for _, rule := range n.rules[field] {
		if !rule.appliesTo(subType) {
			continue
		}
		if rule.Sum {
			var total float64
			found := false
			for _, f := range rule.Fields {
				if v, ok := r.Number(f); ok {
					total += v
					found = true
				}
			}
			if found {
				return total
			}
			continue
		}
		for _, f := range rule.Fields {
			if v, ok := r.Number(f); ok {
				return v
			}
		}
	}
	return 0
}

func (rule Rule) appliesTo(subType string) bool {
	if len(rule.SubTypes) == 0 {
		return true
	}
	for _, s := range rule.SubTypes {
		if strings.EqualFold(s, subType) {
			return true
		}
	}
	return false
}

// String returns a trimmed string value, "" when absent or null.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Number returns a numeric value; numeric strings are accepted.
func (r Record) Number(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (r Record) Time(key string) time.Time {
	s := r.String(key)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func photos(v any) []models.Photo {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []models.Photo
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec := Record(m)
		url := rec.String("MediaURL")
		if url == "" {
			continue
		}
		order := i
		if o, ok := rec.Number("Order"); ok {
			order = int(o)
		}
		out = append(out, models.Photo{
			URL:         url,
			Order:       order,
			Category:    rec.String("MediaCategory"),
			Description: firstNonEmpty(rec.String("ShortDescription"), rec.String("LongDescription")),
		})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
