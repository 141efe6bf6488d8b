package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PostgresStore persists settlement history in PostgreSQL. The schema lives
// in migrations/ and is applied with cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	prepare(r)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, agent_addr, provider_addr, vault_addr, amount, nonce,
			tx_id, protocol, status, error, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,0), $6::NUMERIC(20,0), $7, $8, $9, $10, $11)`,
		r.ID, r.Agent, r.Provider, r.Vault,
		strconv.FormatUint(r.Amount, 10), strconv.FormatUint(r.Nonce, 10),
		nullString(r.TxID), nullString(r.Protocol), string(r.Status), nullString(r.Error),
		r.CreatedAt,
	)
	return err
}

const recordColumns = `id, agent_addr, provider_addr, vault_addr, amount::TEXT, nonce::TEXT,
		       tx_id, protocol, status, error, created_at`

func (p *PostgresStore) List(ctx context.Context, agent string, limit int, opts ...ListOption) ([]*Record, error) {
	limit = clampLimit(limit)
	o := applyListOpts(opts)

	var (
		where []string
		args  []any
	)
	if agent != "" {
		args = append(args, agent)
		where = append(where, fmt.Sprintf("agent_addr = $%d", len(args)))
	}
	if o.after != nil {
		args = append(args, o.after.CreatedAt, o.after.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d::UUID)", len(args)-1, len(args)))
	}
	query := `SELECT ` + recordColumns + ` FROM settlements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			r                       Record
			amount, nonce, status   string
			txID, protocol, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Agent, &r.Provider, &r.Vault, &amount, &nonce,
			&txID, &protocol, &status, &errText, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Amount, _ = strconv.ParseUint(amount, 10, 64)
		r.Nonce, _ = strconv.ParseUint(nonce, 10, 64)
		r.TxID = txID.String
		r.Protocol = protocol.String
		r.Status = Status(status)
		r.Error = errText.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
