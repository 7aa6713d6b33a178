package person

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/db"
	"github.com/ehr/empi/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type personRepoPG struct{ pool *pgxpool.Pool }

func NewPersonRepoPG(pool *pgxpool.Pool) PersonRepository {
	return &personRepoPG{pool: pool}
}

func (r *personRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const personCols = `id, active, name_family, name_given, gender, birth_date,
	address_line, address_city, address_postal_code,
	telecom_phone, telecom_email, identifiers,
	version_id, created_at, updated_at`

func (r *personRepoPG) scanRow(row pgx.Row) (*Person, error) {
	var p Person
	var ids []byte
	err := row.Scan(&p.ID, &p.Active, &p.NameFamily, &p.NameGiven, &p.Gender, &p.BirthDate,
		&p.AddressLine, &p.AddressCity, &p.AddressPostalCode,
		&p.TelecomPhone, &p.TelecomEmail, &ids,
		&p.VersionID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &p.Identifiers); err != nil {
			return nil, fmt.Errorf("decode identifiers of person %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func (r *personRepoPG) scanRows(rows pgx.Rows) ([]*Person, error) {
	defer rows.Close()
	var items []*Person
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func encodeIdentifiers(ids []fhir.Identifier) ([]byte, error) {
	if ids == nil {
		ids = []fhir.Identifier{}
	}
	return json.Marshal(ids)
}

func (r *personRepoPG) Create(ctx context.Context, p *Person) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	ids, err := encodeIdentifiers(p.Identifiers)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO person (id, active, name_family, name_given, gender, birth_date,
			address_line, address_city, address_postal_code,
			telecom_phone, telecom_email, identifiers)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING version_id, created_at, updated_at`,
		p.ID, p.Active, p.NameFamily, p.NameGiven, p.Gender, p.BirthDate,
		p.AddressLine, p.AddressCity, p.AddressPostalCode,
		p.TelecomPhone, p.TelecomEmail, ids).Scan(&p.VersionID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *personRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Person, error) {
	return r.get(ctx, `SELECT `+personCols+` FROM person WHERE id = $1`, id)
}

func (r *personRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Person, error) {
	return r.get(ctx, `SELECT `+personCols+` FROM person WHERE id = $1 FOR UPDATE`, id)
}

func (r *personRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Person, error) {
	p, err := r.scanRow(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", empi.ErrPersonNotFound, id)
	}
	return p, err
}

func (r *personRepoPG) Update(ctx context.Context, p *Person) error {
	ids, err := encodeIdentifiers(p.Identifiers)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE person SET active=$2, name_family=$3, name_given=$4, gender=$5, birth_date=$6,
			address_line=$7, address_city=$8, address_postal_code=$9,
			telecom_phone=$10, telecom_email=$11, identifiers=$12,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $13
		RETURNING version_id, updated_at`,
		p.ID, p.Active, p.NameFamily, p.NameGiven, p.Gender, p.BirthDate,
		p.AddressLine, p.AddressCity, p.AddressPostalCode,
		p.TelecomPhone, p.TelecomEmail, ids, p.VersionID).Scan(&p.VersionID, &p.UpdatedAt)
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var current int
	err = r.conn(ctx).QueryRow(ctx, `SELECT version_id FROM person WHERE id = $1`, p.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", empi.ErrPersonNotFound, p.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %w: person %s at version %d, write based on %d",
		empi.ErrCollaborator, ErrVersionConflict, p.ID, current, p.VersionID)
}

var personSearchParams = map[string]fhir.SearchParamConfig{
	"family":    {Type: fhir.SearchParamString, Column: "name_family"},
	"given":     {Type: fhir.SearchParamString, Column: "name_given"},
	"name":      {Type: fhir.SearchParamString, Column: "name_family"},
	"birthdate": {Type: fhir.SearchParamDate, Column: "birth_date"},
	"gender":    {Type: fhir.SearchParamToken, Column: "gender"},
	"active":    {Type: fhir.SearchParamToken, Column: "active::text"},
}

func (r *personRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Person, int, error) {
	qb := fhir.NewSearchQuery("person", personCols)
	qb.ApplyParams(params, personSearchParams)
	if v, ok := params["identifier"]; ok {
		addIdentifierClause(qb, v)
	}
	qb.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// addIdentifierClause handles identifier=system|value and identifier=value.
func addIdentifierClause(qb *fhir.SearchQuery, value string) {
	id := fhir.Identifier{Value: value}
	if sys, v, ok := strings.Cut(value, "|"); ok {
		id = fhir.Identifier{System: sys, Value: v}
	}
	if id.Value == "" {
		return
	}
	filter, err := identifierFilter(id)
	if err != nil {
		return
	}
	qb.Add(fmt.Sprintf("identifiers @> $%d::jsonb", qb.Idx()), filter)
}

// identifierFilter builds the JSONB containment value for one identifier.
func identifierFilter(id fhir.Identifier) (string, error) {
	filter := map[string]string{"value": id.Value}
	if id.System != "" {
		filter["system"] = id.System
	}
	b, err := json.Marshal([]map[string]string{filter})
	return string(b), err
}

func (r *personRepoPG) SearchByDemographics(ctx context.Context, params map[string]string, limit int) ([]*Person, error) {
	var clauses []string
	var args []interface{}
	if v := params["family"]; v != "" {
		args = append(args, strings.ToLower(v))
		clauses = append(clauses, fmt.Sprintf("lower(name_family) = $%d", len(args)))
	}
	if v := params["birthdate"]; v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("birth_date = $%d::date", len(args)))
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	args = append(args, limit)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+personCols+` FROM person
		WHERE active AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY created_at
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *personRepoPG) FindByIdentifiers(ctx context.Context, eids []empi.CanonicalEID) ([]*Person, error) {
	if len(eids) == 0 {
		return nil, nil
	}
	filters := make([]string, 0, len(eids))
	for _, e := range eids {
		p, err := identifierFilter(fhir.Identifier{System: e.System, Value: e.Value})
		if err != nil {
			return nil, err
		}
		filters = append(filters, p)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+personCols+` FROM person
		WHERE active AND identifiers @> ANY($1::jsonb[])
		ORDER BY created_at`, filters)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}
