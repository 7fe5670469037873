package chat

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads users from the <schema>.users table.
// Rows are provisioned by the account service; this type never writes.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a read-only directory. The pool is owned by the caller.
func NewPostgresDirectory(pool *pgxpool.Pool, schema string) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if schema == "" {
		schema = DefaultSchema
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("chat: invalid schema identifier")
	}
	return &PostgresDirectory{pool: pool, schema: schema}, nil
}

func (d *PostgresDirectory) Get(ctx context.Context, id string) (User, error) {
	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url FROM `+pgIdent(d.schema, "users")+` WHERE id = $1`, id,
	).Scan(&u.ID, &u.DisplayName, &u.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound("chat.users.Get", "user not found")
	}
	return u, err
}

func (d *PostgresDirectory) List(ctx context.Context) ([]User, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, display_name, avatar_url FROM `+pgIdent(d.schema, "users")+` ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a user row. Used by dev seeding and tests.
func (d *PostgresDirectory) Upsert(ctx context.Context, u User) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(d.schema, "users")+` (id, display_name, avatar_url)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`,
		u.ID, u.DisplayName, u.AvatarURL,
	)
	return err
}

var _ UserDirectory = (*PostgresDirectory)(nil)
