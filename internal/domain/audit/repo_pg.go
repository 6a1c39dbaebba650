package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/radiology/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

const entryCols = `id, tenant_id, actor_id, action, entity_type, entity_id, detail, occurred_at`

// Append inserts e. Outside a request (the retry loop) there is no tenant
// connection in ctx, so one is acquired for e.TenantID.
func (s *storePG) Append(ctx context.Context, e *Entry) error {
	insert := func(ctx context.Context) error {
		_, err := db.Conn(ctx, s.pool).Exec(ctx, `
			INSERT INTO governance_audit_entry (`+entryCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ID, e.TenantID, e.ActorID, e.Action, e.EntityType, e.EntityID, e.Detail, e.OccurredAt)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	}

	if db.TxFromContext(ctx) == nil && db.ConnFromContext(ctx) == nil && e.TenantID != "" {
		return db.WithTenantConn(ctx, s.pool, e.TenantID, insert)
	}
	return insert(ctx)
}

func (s *storePG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("entity_type", f.EntityType)
	add("entity_id", f.EntityID)
	add("actor_id", f.ActorID)
	add("action", f.Action)

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, s.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM governance_audit_entry`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT `+entryCols+` FROM governance_audit_entry%s
		ORDER BY occurred_at DESC, id LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &e.Detail, &e.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	return &e, nil
}
