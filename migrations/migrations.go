// Package migrations embeds the SQL schema for the PostgreSQL ledger store
// and applies it. The schema_migrations table uses the golang-migrate format
// (bigint version + dirty flag) so the two tools are interchangeable.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

// Migration is one numbered schema change.
type Migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// Load returns the embedded migrations ordered by version.
func Load() ([]Migration, error) {
	return load(files)
}

func load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, e := range entries {
		name := e.Name()
		var dir string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			dir = "up"
		case strings.HasSuffix(name, ".down.sql"):
			dir = "down"
		default:
			continue
		}

		ver, err := versionFromFile(name)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", name, err)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		m, ok := byVersion[ver]
		if !ok {
			m = &Migration{Version: ver, Name: strings.TrimSuffix(name, "."+dir+".sql")}
			byVersion[ver] = m
		}
		if dir == "up" {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up script", m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_ledger.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}

func ensureTable(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies every migration not yet recorded as clean and returns how many
// ran.
func Up(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (int, error) {
	ms, err := Load()
	if err != nil {
		return 0, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range ms {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			m.Version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", m.Name, err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("migration", m.Name))
			continue
		}

		// Marked dirty first so a crash mid-apply is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx, m.Up); err != nil {
			return applied, fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", m.Name, err)
		}

		logger.Info("migration applied", zap.String("migration", m.Name))
		applied++
	}
	return applied, nil
}

// Down reverts the most recently applied migration. It returns false when
// there was nothing to revert.
func Down(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (bool, error) {
	ms, err := Load()
	if err != nil {
		return false, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return false, err
	}

	var ver int64
	err = db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&ver)
	if err != nil {
		return false, fmt.Errorf("read current version: %w", err)
	}
	if ver == 0 {
		return false, nil
	}

	for _, m := range ms {
		if m.Version != ver {
			continue
		}
		if m.Down == "" {
			return false, fmt.Errorf("migration %s has no down script", m.Name)
		}
		if _, err := db.Exec(ctx, m.Down); err != nil {
			return false, fmt.Errorf("revert %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, ver); err != nil {
			return false, fmt.Errorf("unrecord %s: %w", m.Name, err)
		}
		logger.Info("migration reverted", zap.String("migration", m.Name))
		return true, nil
	}
	return false, fmt.Errorf("applied version %d is unknown to this build", ver)
}
