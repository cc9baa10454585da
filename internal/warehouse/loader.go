// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pgx-contrib/pgxotel"

	"github.com/cardinalhq/stageloader/internal/logctx"
	"github.com/cardinalhq/stageloader/internal/sinkerr"
)

const (
	// DriverPGX is the jackc/pgx database/sql driver.
	DriverPGX = "pgx"
	// DriverPQ is the lib/pq driver.
	DriverPQ = "postgres"
)

// OpenFunc opens a database handle; openTraced by default.
type OpenFunc func(driverName, dataSourceName string) (*sql.DB, error)

// Config describes the warehouse connection.
type Config struct {
	Driver        string
	ConnectionURL string
	Credentials   Credentials
	CopyOptions   string
}

// Loader runs one COPY per call on a connection it opens and closes itself.
type Loader struct {
	cfg  Config
	open OpenFunc
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOpenFunc replaces the default open function.
func WithOpenFunc(open OpenFunc) LoaderOption {
	return func(l *Loader) {
		l.open = open
	}
}

func NewLoader(cfg Config, opts ...LoaderOption) *Loader {
	if cfg.Driver == "" {
		cfg.Driver = DriverPGX
	}
	cfg.ConnectionURL = NormalizeURL(cfg.ConnectionURL)
	l := &Loader{cfg: cfg, open: openTraced}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// openTraced opens pgx handles with query tracing. Other drivers go through
// sql.Open unchanged.
func openTraced(driverName, dataSourceName string) (*sql.DB, error) {
	if driverName != DriverPGX {
		return sql.Open(driverName, dataSourceName)
	}
	cc, err := pgx.ParseConfig(dataSourceName)
	if err != nil {
		return nil, err
	}
	cc.Tracer = &pgxotel.QueryTracer{
		Name: "warehouse",
	}
	return stdlib.OpenDB(*cc), nil
}

// NormalizeURL accepts JDBC-style jdbc:redshift:// and jdbc:postgresql://
// addresses and rewrites them for the Go drivers.
func NormalizeURL(u string) string {
	u = strings.TrimPrefix(u, "jdbc:")
	for _, scheme := range []string{"redshift://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(u, scheme); ok {
			return "postgres://" + rest
		}
	}
	return u
}

// Statement returns the COPY for manifestURL into table.
func (l *Loader) Statement(manifestURL, table string) string {
	return CopyStatement(table, manifestURL, l.cfg.Credentials, l.cfg.CopyOptions)
}

// RedactedStatement is Statement with the credentials masked.
func (l *Loader) RedactedStatement(manifestURL, table string) string {
	return CopyStatement(table, manifestURL, l.cfg.Credentials.Redacted(), l.cfg.CopyOptions)
}

// Load runs the COPY. Any failure is returned as *sinkerr.CopyFailedError.
func (l *Loader) Load(ctx context.Context, manifestURL, table string) (err error) {
	logger := logctx.FromContext(ctx).With(slog.String("table", table), slog.String("manifest", manifestURL))
	fail := func(err error) error {
		return &sinkerr.CopyFailedError{Stage: "load", Table: table, ManifestURL: manifestURL, Err: err}
	}

	db, err := l.open(l.cfg.Driver, l.cfg.ConnectionURL)
	if err != nil {
		return fail(fmt.Errorf("open %s connection: %w", l.cfg.Driver, err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("Failed to close warehouse handle", slog.Any("error", cerr))
		}
	}()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("Failed to close warehouse connection", slog.Any("error", cerr))
		}
	}()

	logger.Info("Executing load", slog.String("statement", l.RedactedStatement(manifestURL, table)))
	start := time.Now()
	if _, err := conn.ExecContext(ctx, l.Statement(manifestURL, table)); err != nil {
		return fail(err)
	}
	logger.Info("Load complete", slog.Duration("duration", time.Since(start)))
	return nil
}
