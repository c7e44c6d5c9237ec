package reminder

import (
	"context"
	"fmt"
	"time"

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

const reminderColumns = `id, user_id, role, channel, email, template_id, data, send_at,
	status, attempts, last_error, claimed_at, created_at, sent_at`

func (r *repoPG) Create(ctx context.Context, rem *Reminder) error {
	rem.ID = uuid.New()
	rem.Status = StatusPending
	data := rem.Data
	if data == nil {
		data = map[string]string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reminder (id, user_id, role, channel, email, template_id, data, send_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		rem.ID, rem.UserID, rem.Role, rem.Channel, rem.Email, rem.TemplateID, data, rem.SendAt, rem.Status,
	).Scan(&rem.CreatedAt)
}

// ClaimDue flips the batch to processing in one statement. SKIP LOCKED keeps
// concurrent claims disjoint and the status change keeps the rows out of
// later claims until the lease runs out.
func (r *repoPG) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Reminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE reminder SET status = 'processing', claimed_at = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM reminder
			WHERE (status = 'pending' AND send_at <= $1)
			   OR (status = 'processing' AND claimed_at < $2)
			ORDER BY send_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+reminderColumns, now, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBySendAt(out)
	return out, nil
}

func (r *repoPG) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return r.setStatus(ctx, `UPDATE reminder SET status = 'sent', sent_at = $2, last_error = '' WHERE id = $1 AND status = 'processing'`, id, sentAt)
}

func (r *repoPG) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.setStatus(ctx, `UPDATE reminder SET status = 'failed', last_error = $2 WHERE id = $1 AND status = 'processing'`, id, reason)
}

func (r *repoPG) setStatus(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Reminder, int, error) {
	where := ``
	var args []interface{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reminder`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+reminderColumns+` FROM reminder`+where+` ORDER BY send_at DESC LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rem)
	}
	return out, total, rows.Err()
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	var rem Reminder
	err := row.Scan(
		&rem.ID, &rem.UserID, &rem.Role, &rem.Channel, &rem.Email, &rem.TemplateID, &rem.Data, &rem.SendAt,
		&rem.Status, &rem.Attempts, &rem.LastError, &rem.ClaimedAt, &rem.CreatedAt, &rem.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &rem, nil
}
