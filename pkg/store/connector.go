// Package store persists dicomirror documents in PostgreSQL, used as a
// document store: each entity kind lives in one table holding the document
// as JSONB next to the few columns that carry indexes. The destination
// store's unique index on the source back-reference is the authority on
// "already processed" for the whole pipeline.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ErrDuplicate reports that an insert collided with a uniqueness constraint.
// The pipeline treats it as "someone already committed this unit of work".
var ErrDuplicate = errors.New("document already exists")

// unique_violation, https://www.postgresql.org/docs/current/errcodes-appendix.html
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	return false
}

// ConnConfig describes one database connection. Passwords are never written
// in config files; PasswordEnv names the environment variable holding one.
type ConnConfig struct {
	Host        string `yaml:"host" json:"host" hcl:"host,optional"`
	Port        int    `yaml:"port" json:"port" hcl:"port,optional"`
	Database    string `yaml:"database" json:"database" hcl:"database,optional"`
	Username    string `yaml:"username" json:"username" hcl:"username,optional"`
	PasswordEnv string `yaml:"password_env" json:"password_env" hcl:"password_env,optional"`
	SSLMode     string `yaml:"ssl_mode" json:"ssl_mode" hcl:"ssl_mode,optional"`
}

// Validate checks the fields that have no usable default.
func (c ConnConfig) Validate() error {
	if c.Host == "" {
		return errors.New("store host is required")
	}
	if c.Database == "" {
		return errors.New("store database is required")
	}
	return nil
}

// DSN renders the connection string. The password is injected here and
// nowhere else, so it cannot leak through config dumps or logs.
func (c ConnConfig) DSN(password string) string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	auth := ""
	if c.Username != "" {
		auth = url.QueryEscape(c.Username)
		if password != "" {
			auth += ":" + url.QueryEscape(password)
		}
		auth += "@"
	}
	return fmt.Sprintf("postgres://%s%s:%d/%s?sslmode=%s", auth, c.Host, port, c.Database, sslMode)
}

// String renders the connection with the password masked.
func (c ConnConfig) String() string {
	if os.Getenv(c.PasswordEnv) != "" {
		return c.DSN("********")
	}
	return c.DSN("")
}

// Connector owns one live database handle.
type Connector struct {
	db *sqlx.DB
}

// Connect opens and pings the database. The password is read from the
// configured environment variable at connect time.
func Connect(ctx context.Context, cfg ConnConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("invalid store configuration: %w", err)
	}

	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN(password))
	if err != nil {
		return nil, errors.Errorf("connecting to %s: %w", cfg.String(), err)
	}

	zerolog.Ctx(ctx).Debug().Str("store", cfg.String()).Msg("connected")
	return &Connector{db: db}, nil
}

// DB exposes the underlying handle for DAOs.
func (c *Connector) DB() *sqlx.DB {
	return c.db
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	return c.db.Close()
}
