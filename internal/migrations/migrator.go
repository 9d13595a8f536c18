package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"

	dbmigrations "github.com/vinaykr8807/WhispShare-qz/db/migrations"
)

// Migrator 按文件名顺序执行 *.up.sql 迁移，并在 schema_migrations 中记录已执行的文件。
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger *zap.Logger
}

// New 使用内嵌的迁移脚本创建 Migrator。
func New(db *sql.DB, logger *zap.Logger) *Migrator {
	return NewWithFS(db, dbmigrations.UpFiles, logger)
}

// NewWithFS 允许指定迁移脚本来源。
func NewWithFS(db *sql.DB, files fs.FS, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, files: files, logger: logger}
}

// Apply 执行全部尚未执行的 up 迁移，返回本次执行的文件名。
func (m *Migrator) Apply(ctx context.Context) ([]string, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}

	done := make([]string, 0, len(pending))
	for _, mig := range pending {
		if err := m.applyOne(ctx, mig); err != nil {
			return done, err
		}
		m.logger.Info("migration applied", zap.String("name", mig.Name))
		done = append(done, mig.Name)
	}
	return done, nil
}

// Pending 返回尚未执行的迁移。
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("nil database connection")
	}

	if err := m.ensureSchemaMigrations(ctx); err != nil {
		return nil, err
	}

	applied, err := m.fetchApplied(ctx)
	if err != nil {
		return nil, err
	}

	files, err := loadMigrationFiles(m.files)
	if err != nil {
		return nil, err
	}

	pending := files[:0]
	for _, mig := range files {
		if !applied[mig.Name] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Migration 为一个 up 迁移脚本。
type Migration struct {
	Name string
	SQL  string
}

func loadMigrationFiles(files fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	var out []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return nil, fmt.Errorf("migration %s is empty", name)
		}
		out = append(out, Migration{Name: name, SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Migrator) ensureSchemaMigrations(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) fetchApplied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applied, nil
}

func (m *Migrator) applyOne(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", mig.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, mig.Name); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", mig.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.Name, err)
	}

	return nil
}
