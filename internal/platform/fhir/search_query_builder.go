package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SearchParamType defines the FHIR search parameter type.
type SearchParamType int

const (
	SearchParamToken  SearchParamType = iota // exact match, or system|code with SysColumn
	SearchParamDate                          // supports the eq, ne, gt, lt, ge, le prefixes
	SearchParamString                        // case-insensitive prefix match, :exact and :contains
)

// SearchParamConfig maps a FHIR search parameter to its database representation.
type SearchParamConfig struct {
	Type      SearchParamType
	Column    string
	SysColumn string
}

// SearchQuery builds SQL WHERE clauses from FHIR search parameters.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{table: table, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// ApplyParam applies a single search parameter. A name may carry a modifier,
// e.g. "family:exact".
func (q *SearchQuery) ApplyParam(config SearchParamConfig, modifier, value string) {
	switch config.Type {
	case SearchParamToken:
		system, code, hasSystem := strings.Cut(value, "|")
		if !hasSystem || config.SysColumn == "" {
			q.Add(fmt.Sprintf("%s = $%d", config.Column, q.idx), value)
			return
		}
		if system != "" {
			q.Add(fmt.Sprintf("%s = $%d", config.SysColumn, q.idx), system)
		}
		if code != "" {
			q.Add(fmt.Sprintf("%s = $%d", config.Column, q.idx), code)
		}
	case SearchParamDate:
		q.addDate(config.Column, value)
	case SearchParamString:
		switch modifier {
		case "exact":
			q.Add(fmt.Sprintf("%s = $%d", config.Column, q.idx), value)
		case "contains":
			q.Add(fmt.Sprintf("%s ILIKE $%d", config.Column, q.idx), "%"+escapeLike(value)+"%")
		default:
			q.Add(fmt.Sprintf("%s ILIKE $%d", config.Column, q.idx), escapeLike(value)+"%")
		}
	}
}

// ApplyParams applies all matching search parameters from the given map.
// Parameters without a config are ignored.
func (q *SearchQuery) ApplyParams(params map[string]string, configs map[string]SearchParamConfig) {
	for name, value := range params {
		base, modifier, _ := strings.Cut(name, ":")
		if config, ok := configs[base]; ok {
			q.ApplyParam(config, modifier, value)
		}
	}
}

var datePrefixes = map[string]string{"eq": "=", "ne": "!=", "gt": ">", "lt": "<", "ge": ">=", "le": "<="}

func (q *SearchQuery) addDate(column, value string) {
	op := "="
	if len(value) > 2 {
		if sqlOp, ok := datePrefixes[value[:2]]; ok {
			op, value = sqlOp, value[2:]
		}
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		// Unparseable dates fall back to a text comparison.
		q.Add(fmt.Sprintf("%s::text = $%d", column, q.idx), value)
		return
	}
	q.Add(fmt.Sprintf("%s %s $%d", column, op, q.idx), t)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL(limit, offset int) string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the search args followed by limit and offset.
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

// ExtractSearchParams extracts search parameters from the query string,
// excluding control parameters (_count, _offset, _sort, ...).
func ExtractSearchParams(c echo.Context) map[string]string {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) == 0 || strings.HasPrefix(k, "_") {
			continue
		}
		params[k] = v[0]
	}
	return params
}
