package empilink

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/empi/internal/domain/person"
	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/db"
	"github.com/ehr/empi/internal/platform/fhir"
)

const (
	uniqueViolation   = "23505"
	oneMatchIndexName = "uq_empi_link_one_match"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type linkRepoPG struct{ pool *pgxpool.Pool }

func NewLinkRepoPG(pool *pgxpool.Pool) LinkRepository {
	return &linkRepoPG{pool: pool}
}

func (r *linkRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const linkCols = `id, person_id, target_ref, match_result, link_source, version, created_at, updated_at`

func (r *linkRepoPG) scanRow(row pgx.Row) (*Link, error) {
	var l Link
	var result, source string
	if err := row.Scan(&l.ID, &l.PersonID, &l.TargetRef, &result, &source, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.MatchResult = empi.MatchResult(result)
	l.LinkSource = empi.LinkSource(source)
	return &l, nil
}

func (r *linkRepoPG) scanRows(rows pgx.Rows) ([]*Link, error) {
	defer rows.Close()
	var items []*Link
	for rows.Next() {
		l, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *linkRepoPG) Find(ctx context.Context, personID uuid.UUID, targetRef string) (*empi.Link, error) {
	l, err := r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+linkCols+` FROM empi_link WHERE person_id = $1 AND target_ref = $2`, personID, targetRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s -> %s", empi.ErrLinkNotFound, empi.PersonRef(personID), targetRef)
	}
	if err != nil {
		return nil, err
	}
	return &l.Link, nil
}

func (r *linkRepoPG) FindByTargetAndResult(ctx context.Context, targetRef string, result empi.MatchResult) ([]*empi.Link, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+linkCols+` FROM empi_link WHERE target_ref = $1 AND match_result = $2 ORDER BY created_at`,
		targetRef, string(result))
	if err != nil {
		return nil, err
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*empi.Link, len(items))
	for i, l := range items {
		out[i] = &l.Link
	}
	return out, nil
}

// Save upserts on (person_id, target_ref). Every write bumps the version. A
// second MATCH link for the target violates the partial unique index and is
// reported as an invariant violation.
func (r *linkRepoPG) Save(ctx context.Context, l *empi.Link) (*empi.Link, error) {
	id := l.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	out := *l
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO empi_link (id, person_id, target_ref, match_result, link_source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (person_id, target_ref) DO UPDATE
			SET match_result = EXCLUDED.match_result,
				link_source = EXCLUDED.link_source,
				version = empi_link.version + 1,
				updated_at = NOW()
		RETURNING id, version`,
		id, l.PersonID, l.TargetRef, string(l.MatchResult), string(l.LinkSource)).Scan(&out.ID, &out.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneMatchIndexName {
			return nil, fmt.Errorf("%w: %s already has a MATCH link", empi.ErrInvariant, l.TargetRef)
		}
		return nil, err
	}
	return &out, nil
}

func (r *linkRepoPG) Delete(ctx context.Context, l *empi.Link) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM empi_link WHERE person_id = $1 AND target_ref = $2`, l.PersonID, l.TargetRef)
	return err
}

func (r *linkRepoPG) LockTarget(ctx context.Context, targetRef string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, targetRef)
	if err != nil {
		return fmt.Errorf("lock %s: %w", targetRef, err)
	}
	return nil
}

func (r *linkRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Link, int, error) {
	qb := fhir.NewSearchQuery("empi_link", linkCols)
	if filter.TargetRef != "" {
		qb.Add(fmt.Sprintf("target_ref = $%d", qb.Idx()), filter.TargetRef)
	}
	if filter.PersonID != uuid.Nil {
		qb.Add(fmt.Sprintf("person_id = $%d", qb.Idx()), filter.PersonID)
	}
	if filter.MatchResult != "" {
		qb.Add(fmt.Sprintf("match_result = $%d", qb.Idx()), string(filter.MatchResult))
	}
	qb.OrderBy("created_at, target_ref")

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

// CountLinkedTargets counts the MATCH and POSSIBLE_MATCH links of a person to
// patient and practitioner records. Duplicate flags between persons do not count.
func (r *linkRepoPG) CountLinkedTargets(ctx context.Context, personID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM empi_link
		WHERE person_id = $1
			AND match_result IN ('MATCH', 'POSSIBLE_MATCH')
			AND target_ref NOT LIKE 'Person/%'`, personID).Scan(&n)
	return n, err
}

func (r *linkRepoPG) ListPersonLinks(ctx context.Context, personID uuid.UUID) ([]person.LinkView, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+linkCols+` FROM empi_link WHERE person_id = $1 ORDER BY created_at`, personID)
	if err != nil {
		return nil, err
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]person.LinkView, len(items))
	for i, l := range items {
		out[i] = person.LinkView{TargetRef: l.TargetRef, MatchResult: l.MatchResult, LinkSource: l.LinkSource}
	}
	return out, nil
}
