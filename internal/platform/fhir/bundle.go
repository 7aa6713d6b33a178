package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// MatchGradeExtension is the URL of the search-entry extension that grades a
// $match result.
const MatchGradeExtension = "http://hl7.org/fhir/StructureDefinition/match-grade"

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode      string      `json:"mode,omitempty"`
	Score     *float64    `json:"score,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL string
	Params  map[string]string
	Count   int
	Offset  int
	Total   int
}

// NewSearchBundle creates a searchset Bundle with self/next/previous links.
func NewSearchBundle(resources []interface{}, params SearchBundleParams) *Bundle {
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		raw, _ := json.Marshal(r)
		entries[i] = BundleEntry{
			FullURL:  fullURLOf(raw),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	b := newBundle("searchset", entries)
	b.Total = &params.Total
	b.Link = paginationLinks(params)
	return b
}

// NewMatchBundle creates the searchset returned by $match. Entries are
// expected in descending score order.
func NewMatchBundle(entries []BundleEntry) *Bundle {
	total := len(entries)
	b := newBundle("searchset", entries)
	b.Total = &total
	return b
}

// MatchEntry builds a $match entry carrying score and grade.
func MatchEntry(resource interface{}, score float64, grade string) BundleEntry {
	raw, _ := json.Marshal(resource)
	return BundleEntry{
		FullURL:  fullURLOf(raw),
		Resource: raw,
		Search: &BundleSearch{
			Mode:      "match",
			Score:     &score,
			Extension: []Extension{{URL: MatchGradeExtension, ValueCode: grade}},
		},
	}
}

func newBundle(typ string, entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         typ,
		Timestamp:    &now,
		Entry:        entries,
	}
}

func fullURLOf(raw json.RawMessage) string {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.ResourceType == "" || head.ID == "" {
		return ""
	}
	return FormatReference(head.ResourceType, head.ID)
}

func paginationLinks(p SearchBundleParams) []BundleLink {
	link := func(offset int) string {
		q := url.Values{}
		for k, v := range p.Params {
			q.Set(k, v)
		}
		q.Set("_count", fmt.Sprint(p.Count))
		q.Set("_offset", fmt.Sprint(offset))
		return p.BaseURL + "?" + q.Encode()
	}

	links := []BundleLink{{Relation: "self", URL: link(p.Offset)}}
	if p.Count <= 0 {
		return links
	}
	if next := p.Offset + p.Count; next < p.Total {
		links = append(links, BundleLink{Relation: "next", URL: link(next)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: link(prev)})
	}
	return links
}
