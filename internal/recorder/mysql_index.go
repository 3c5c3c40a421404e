package recorder

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"PulseAnchor-Chain/deploy/migrations"
	xerrors "PulseAnchor-Chain/internal/errors"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLIndex 使用 MySQL 保存产物索引。
type MySQLIndex struct {
	db *sql.DB
}

// NewMySQLIndex 创建一个新的 MySQLIndex。
func NewMySQLIndex(dsn string) (*MySQLIndex, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	index := &MySQLIndex{db: db}
	if err := index.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return index, nil
}

// initSchema 按文件名顺序执行内嵌的迁移脚本。脚本本身幂等。
func (m *MySQLIndex) initSchema() error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移脚本失败")
		}
		for _, stmt := range strings.Split(string(script), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := m.db.Exec(stmt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移脚本失败: "+name)
			}
		}
	}
	return nil
}

// Insert 实现 ArtifactIndex 接口。
func (m *MySQLIndex) Insert(ctx context.Context, entry IndexEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "索引记录缺少 ID")
	}

	const stmt = `INSERT INTO artifact_index
        (id, sequence, kind, identity, path, root, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := m.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.Sequence,
		entry.Kind,
		entry.Identity,
		entry.Path,
		entry.Root,
		entry.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入索引记录失败")
	}
	return nil
}

// ListBySequence 实现 ArtifactIndex 接口。
func (m *MySQLIndex) ListBySequence(ctx context.Context, sequence uint64) ([]IndexEntry, error) {
	const stmt = `SELECT id, sequence, kind, identity, path, root, created_at
        FROM artifact_index WHERE sequence = ? ORDER BY created_at ASC`

	rows, err := m.db.QueryContext(ctx, stmt, sequence)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询索引记录失败")
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var entry IndexEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.Sequence,
			&entry.Kind,
			&entry.Identity,
			&entry.Path,
			&entry.Root,
			&entry.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析索引记录失败")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历索引记录失败")
	}
	return entries, nil
}

// Close 关闭数据库连接。
func (m *MySQLIndex) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

var _ ArtifactIndex = (*MySQLIndex)(nil)
