// Package store persists the asset inventory to a relational
// database. The write-through model is deliberately simple: between
// flushes the in-memory store is the source of truth, and a flush
// walks every entry touched since the previous one.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"prads/internal/assets"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS asset (
	ip       TEXT NOT NULL,
	service  TEXT NOT NULL,
	time     INTEGER NOT NULL,
	fp       TEXT NOT NULL,
	mac      TEXT,
	os       TEXT,
	details  TEXT,
	link     TEXT,
	distance INTEGER,
	hostname TEXT
)`

const pgSchema = `CREATE TABLE IF NOT EXISTS asset (
	ip       TEXT NOT NULL,
	service  TEXT NOT NULL,
	time     BIGINT NOT NULL,
	fp       TEXT NOT NULL,
	mac      TEXT,
	os       TEXT,
	details  TEXT,
	link     TEXT,
	distance INTEGER,
	hostname TEXT
)`

const (
	selQuery = `SELECT ip, fp, time FROM asset WHERE service = ? AND ip = ? AND fp = ?`
	updQuery = `UPDATE asset SET time = ?, os = ?, details = ? WHERE ip = ? AND fp = ?`
	insQuery = `INSERT INTO asset (ip, service, time, fp, mac, os, details, link, distance, hostname)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// DB is the persistence handle. One goroutine owns it.
type DB struct {
	x   *sqlx.DB
	sel *sqlx.Stmt
	upd *sqlx.Stmt
	ins *sqlx.Stmt
	log zerolog.Logger

	// LastUpdate is the flush cursor: entries whose time is at or
	// past it are written on the next flush. Monotonically
	// non-decreasing.
	LastUpdate int64
}

// Open connects using a prads db spec: "sqlite:<path>" or
// "postgres:<dsn>". Credentials from the config fold into the
// postgres DSN.
func Open(spec, user, pass string, log zerolog.Logger) (*DB, error) {
	driver, dsn, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("db spec %q: want driver:dsn", spec)
	}

	var schema string
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		schema = sqliteSchema
	case "postgres", "postgresql":
		driver = "postgres"
		schema = pgSchema
		if user != "" {
			dsn += " user=" + user
		}
		if pass != "" {
			dsn += " password=" + pass
		}
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	x, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// One writer only; also keeps :memory: databases on a single
		// connection instead of one per pooled conn.
		x.SetMaxOpenConns(1)
	}
	if _, err := x.Exec(schema); err != nil {
		x.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	d := &DB{x: x, log: log}
	for _, p := range []struct {
		dst **sqlx.Stmt
		q   string
	}{
		{&d.sel, selQuery},
		{&d.upd, updQuery},
		{&d.ins, insQuery},
	} {
		st, err := x.Preparex(x.Rebind(p.q))
		if err != nil {
			x.Close()
			return nil, fmt.Errorf("prepare %q: %w", p.q, err)
		}
		*p.dst = st
	}
	return d, nil
}

// Flush writes every asset touched since the cursor, commits once,
// and advances the cursor. A failing statement is logged with its
// bound values and skipped; memory is never rolled back, so the entry
// is retried when it is next touched.
func (d *DB) Flush(s *assets.Store, now int64) error {
	tx, err := d.x.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	sel := tx.Stmtx(d.sel)
	upd := tx.Stmtx(d.upd)
	ins := tx.Stmtx(d.ins)

	written := 0
	s.ForEach(func(a *assets.Asset) {
		if a.LastSeen < d.LastUpdate {
			return
		}
		var ip, fp string
		var tm int64
		err := sel.QueryRow(string(a.Service), a.IP, a.FP).Scan(&ip, &fp, &tm)
		switch {
		case err == nil:
			if _, err := upd.Exec(a.LastSeen, a.OS, a.Details, a.IP, a.FP); err != nil {
				d.log.Error().Err(err).
					Str("ip", a.IP).Str("fp", a.FP).Str("os", a.OS).
					Msg("asset update failed")
				return
			}
			written++
		case errors.Is(err, sql.ErrNoRows):
			if _, err := ins.Exec(a.IP, string(a.Service), a.LastSeen, a.FP,
				a.MAC, a.OS, a.Details, a.Link, a.Distance, a.Hostname); err != nil {
				d.log.Error().Err(err).
					Str("ip", a.IP).Str("service", string(a.Service)).Str("fp", a.FP).
					Msg("asset insert failed")
				return
			}
			written++
		default:
			d.log.Error().Err(err).
				Str("ip", a.IP).Str("fp", a.FP).
				Msg("asset select failed")
		}
	})

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if now > d.LastUpdate {
		d.LastUpdate = now
	}
	s.ResetDirty()
	d.log.Debug().Int("written", written).Int64("cursor", d.LastUpdate).Msg("asset flush")
	return nil
}

// Dump writes the persisted table to w, one asset log style line per
// row. Used by --dumpdb.
func (d *DB) Dump(w io.Writer) error {
	rows, err := d.x.Queryx(`SELECT ip, service, time, fp, mac, os, details, link, distance, hostname FROM asset ORDER BY time`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a assets.Asset
		var svc string
		if err := rows.Scan(&a.IP, &svc, &a.LastSeen, &a.FP, &a.MAC,
			&a.OS, &a.Details, &a.Link, &a.Distance, &a.Hostname); err != nil {
			return err
		}
		a.Service = assets.Kind(svc)
		fmt.Fprintf(w, "%11d [%-8s] ip:%-15s %s - %s [%s] distance:%d link:%s mac:%s\n",
			a.LastSeen, a.Service, a.IP, a.OS, a.Details, a.FP, a.Distance, a.Link, a.MAC)
	}
	return rows.Err()
}

// Close tears the handle down.
func (d *DB) Close() error {
	for _, st := range []*sqlx.Stmt{d.sel, d.upd, d.ins} {
		if st != nil {
			st.Close()
		}
	}
	return d.x.Close()
}
