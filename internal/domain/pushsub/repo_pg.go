package pushsub

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medclinic/clinic/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const subColumns = `id, user_id, role, token, platform, user_agent, created_at, updated_at`

func (r *repoPG) Upsert(ctx context.Context, s *Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO push_subscription (id, user_id, role, token, platform, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			role = EXCLUDED.role,
			platform = EXCLUDED.platform,
			user_agent = EXCLUDED.user_agent,
			updated_at = NOW()
		RETURNING `+subColumns,
		s.ID, s.UserID, s.Role, s.Token, s.Platform, s.UserAgent,
	)
	stored, err := scanSub(row)
	if err != nil {
		return err
	}
	*s = *stored
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx, `SELECT `+subColumns+` FROM push_subscription WHERE id = $1`, id))
}

func (r *repoPG) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+subColumns+` FROM push_subscription WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM push_subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *repoPG) DeleteTokens(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM push_subscription WHERE token = ANY($1)`, tokens)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.Role, &s.Token, &s.Platform, &s.UserAgent, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
