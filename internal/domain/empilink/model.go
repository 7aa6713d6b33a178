package empilink

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/fhir"
)

// Link maps to the empi_link table.
type Link struct {
	empi.Link
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ListFilter narrows link listings. Zero fields do not filter.
type ListFilter struct {
	TargetRef   string
	PersonID    uuid.UUID
	MatchResult empi.MatchResult
}

// ManualLinkRequest is the body of POST /empi/links.
type ManualLinkRequest struct {
	PersonID    string `json:"personId" validate:"required,uuid"`
	TargetRef   string `json:"targetRef" validate:"required"`
	MatchResult string `json:"matchResult" validate:"required,oneof=MATCH NO_MATCH"`
}

// ResolveResult is what one decision cycle produced for a target.
type ResolveResult struct {
	TargetRef  string                        `json:"target"`
	Operation  empi.OperationType            `json:"operation"`
	Candidates []empi.MatchedPersonCandidate `json:"candidates,omitempty"`
	Trace      []string                      `json:"trace"`
	Links      []*Link                       `json:"links"`
}

// ToParameters renders the result as a FHIR Parameters resource.
func (r *ResolveResult) ToParameters() map[string]interface{} {
	params := []map[string]interface{}{
		{"name": "target", "valueReference": fhir.Reference{Reference: r.TargetRef}},
		{"name": "operation", "valueCode": string(r.Operation)},
	}
	for _, msg := range r.Trace {
		params = append(params, map[string]interface{}{"name": "trace", "valueString": msg})
	}
	for _, l := range r.Links {
		params = append(params, linkParameter(l))
	}
	return map[string]interface{}{
		"resourceType": "Parameters",
		"parameter":    params,
	}
}

func linkParameter(l *Link) map[string]interface{} {
	return map[string]interface{}{
		"name": "link",
		"part": []map[string]interface{}{
			{"name": "personId", "valueReference": fhir.Reference{Reference: empi.PersonRef(l.PersonID)}},
			{"name": "targetId", "valueReference": fhir.Reference{Reference: l.TargetRef}},
			{"name": "matchResult", "valueCode": string(l.MatchResult)},
			{"name": "linkSource", "valueCode": string(l.LinkSource)},
			{"name": "version", "valueInteger": l.Version},
		},
	}
}

// LinksToParameters renders a link listing as a FHIR Parameters resource.
func LinksToParameters(links []*Link) map[string]interface{} {
	params := make([]map[string]interface{}, 0, len(links))
	for _, l := range links {
		params = append(params, linkParameter(l))
	}
	return map[string]interface{}{
		"resourceType": "Parameters",
		"parameter":    params,
	}
}
