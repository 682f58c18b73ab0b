package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"Forged-Core/deploy/migrations"
	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/logger"
)

const (
	createVersionsSQL = `CREATE TABLE IF NOT EXISTS forged_schema_versions (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    file VARCHAR(255) NOT NULL,
    checksum CHAR(66) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version, checksum FROM forged_schema_versions`
	recordVersionSQL  = `INSERT INTO forged_schema_versions (version, file, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// schemaStep 是一个迁移文件：同一版本的语句在一个事务内执行。
type schemaStep struct {
	version    string
	file       string
	checksum   string
	statements []string
}

// schemaMigrator 把内嵌的 SQL 文件按版本顺序应用到报告库，
// 已应用的版本连同内容摘要记录在 forged_schema_versions 中。
type schemaMigrator struct {
	db    *sql.DB
	files fs.FS
	log   *slog.Logger
	now   func() time.Time
}

func newSchemaMigrator(db *sql.DB) *schemaMigrator {
	return &schemaMigrator{db: db, files: migrations.Files, log: logger.Named("mysql"), now: time.Now}
}

// migrate 返回本次新应用的版本。已记录的版本若文件内容变化则拒绝继续。
func (m *schemaMigrator) migrate(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, createVersionsSQL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 forged_schema_versions 失败")
	}
	recorded, err := m.recorded(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := m.steps()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, step := range steps {
		if sum, ok := recorded[step.version]; ok {
			if sum != step.checksum {
				return applied, xerrors.New(xerrors.CodeStorageFailure,
					fmt.Sprintf("迁移 %s 已应用但文件 %s 内容已改变", step.version, step.file),
					xerrors.WithMetadata("version", step.version),
					xerrors.WithMetadata("recorded", sum),
					xerrors.WithMetadata("current", step.checksum))
			}
			m.log.Debug("迁移已存在，跳过", "version", step.version)
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return applied, err
		}
		m.log.Info("迁移已应用", "version", step.version, "file", step.file, "statements", len(step.statements))
		applied = append(applied, step.version)
	}
	return applied, nil
}

func (m *schemaMigrator) recorded(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询迁移记录失败")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析迁移记录失败")
		}
		out[version] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历迁移记录失败")
	}
	return out, nil
}

func (m *schemaMigrator) apply(ctx context.Context, step schemaStep) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for i, stmt := range step.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行 %s 第 %d 条语句失败", step.file, i+1),
				xerrors.WithMetadata("version", step.version))
		}
	}
	if _, err := tx.ExecContext(ctx, recordVersionSQL, step.version, step.file, step.checksum, m.now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败", xerrors.WithMetadata("version", step.version))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败", xerrors.WithMetadata("version", step.version))
	}
	return nil
}

// steps 读取全部 .sql 文件，按版本排序；没有可执行语句的文件被忽略。
func (m *schemaMigrator) steps() ([]schemaStep, error) {
	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出迁移文件失败")
	}
	seen := make(map[string]string, len(names))
	var steps []schemaStep
	for _, name := range names {
		raw, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败", xerrors.WithMetadata("file", name))
		}
		statements := sqlStatements(string(raw))
		if len(statements) == 0 {
			continue
		}
		version := stepVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeStorageFailure,
				fmt.Sprintf("迁移版本 %s 重复: %s 与 %s", version, prev, name))
		}
		seen[version] = name
		steps = append(steps, schemaStep{
			version:    version,
			file:       name,
			checksum:   crypto.Keccak256Hash(raw).Hex(),
			statements: statements,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// sqlStatements 去掉 "--" 注释行后按分号切分。
func sqlStatements(content string) []string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// stepVersion 取文件名中第一个 "_" 或 "." 之前的部分，例如 0001_init.sql -> 0001。
func stepVersion(name string) string {
	if i := strings.IndexAny(name, "_."); i > 0 {
		return name[:i]
	}
	return name
}
