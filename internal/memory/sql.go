package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"OpenMCP-Nexus/deploy/migrations"
)

// 支持的 SQL 方言，同时也是 database/sql 的驱动名。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLConfig 描述 SQL 连接参数。
type SQLConfig struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLRecorder 把轨迹写入 MySQL 或 SQLite。
type SQLRecorder struct {
	db      *sql.DB
	dialect string
}

// NewSQLRecorder 创建连接池并执行内嵌迁移。
func NewSQLRecorder(ctx context.Context, cfg SQLConfig) (*SQLRecorder, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", cfg.Dialect)
	}
	switch cfg.Dialect {
	case DialectMySQL, DialectSQLite:
	default:
		return nil, fmt.Errorf("暂不支持的存储驱动: %s", cfg.Dialect)
	}

	db, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	s := &SQLRecorder{db: db, dialect: cfg.Dialect}
	s.configurePool(cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLRecorder) configurePool(cfg SQLConfig) {
	if s.dialect == DialectSQLite {
		// SQLite 只允许单写者。
		s.db.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		s.db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		s.db.SetMaxOpenConns(10)
	}
	s.db.SetMaxIdleConns(5)
	if cfg.ConnMaxLifetime > 0 {
		s.db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		s.db.SetConnMaxLifetime(30 * time.Minute)
	}
}

// Record 写入一条轨迹。
func (s *SQLRecorder) Record(ctx context.Context, trace Trace) error {
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}
	output := ""
	if trace.Output != nil {
		encoded, err := json.Marshal(trace.Output)
		if err != nil {
			return fmt.Errorf("序列化轨迹输出失败: %w", err)
		}
		output = string(encoded)
	}
	const stmt = `INSERT INTO traces
        (intent_id, kind, route, agent, description, output, error, steps, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		trace.IntentID,
		string(trace.Kind),
		trace.Route,
		trace.Agent,
		trace.Description,
		output,
		trace.Error,
		trace.Steps,
		trace.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入轨迹失败: %w", err)
	}
	return nil
}

// Recent 查询最近的若干条轨迹。
func (s *SQLRecorder) Recent(ctx context.Context, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT intent_id, kind, route, agent, description, output, error, steps, created_at
        FROM traces ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询轨迹失败: %w", err)
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		var (
			trace   Trace
			kind    string
			output  string
			created int64
		)
		if err := rows.Scan(&trace.IntentID, &kind, &trace.Route, &trace.Agent, &trace.Description, &output, &trace.Error, &trace.Steps, &created); err != nil {
			return nil, fmt.Errorf("解析轨迹失败: %w", err)
		}
		trace.Kind = Kind(kind)
		trace.CreatedAt = time.UnixMilli(created).UTC()
		if output != "" {
			var v any
			if err := json.Unmarshal([]byte(output), &v); err == nil {
				trace.Output = v
			}
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历轨迹失败: %w", err)
	}
	return traces, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRecorder) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *SQLRecorder) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(migrations.Files, s.dialect)
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLRecorder) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func (s *SQLRecorder) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles(fsys fs.FS, dialect string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dialect)
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		content, err := fs.ReadFile(fsys, path.Join(dialect, name))
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{
			version:    parseMigrationVersion(name),
			name:       name,
			statements: statements,
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
