package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/registry"
)

// HistoryEntry 是某个扩展在一次加载中的结果。
type HistoryEntry struct {
	ReportID  string           `json:"report_id"`
	StartedAt time.Time        `json:"started_at"`
	Outcome   registry.Outcome `json:"outcome"`
}

// ReportRepository 抽象加载报告的持久化接口。
type ReportRepository interface {
	Save(ctx context.Context, rep registry.Report) error
	Get(ctx context.Context, id string) (registry.Report, error)
	ListLatest(ctx context.Context, limit int) ([]registry.Report, error)
	History(ctx context.Context, name string, limit int) ([]HistoryEntry, error)
	Close() error
}

const memoryRetention = 512

// MemoryReportRepository 使用本地 JSON 行文件保存报告，重启后可恢复最近的记录。
type MemoryReportRepository struct {
	mu       sync.RWMutex
	dataFile string
	reports  []registry.Report
}

// NewMemoryReportRepository 创建文件仓库，dataDir 为空时使用当前目录。
func NewMemoryReportRepository(dataDir string) (*MemoryReportRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemoryReportRepository{dataFile: filepath.Join(dataDir, "load-reports.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录报告。
func (m *MemoryReportRepository) Save(_ context.Context, rep registry.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开报告日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(rep)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化报告失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告日志失败")
	}

	m.reports = append([]registry.Report{rep}, m.reports...)
	if len(m.reports) > memoryRetention {
		m.reports = m.reports[:memoryRetention]
	}
	return nil
}

// Get 按 ID 查找报告。
func (m *MemoryReportRepository) Get(_ context.Context, id string) (registry.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rep := range m.reports {
		if rep.ID == id {
			return rep, nil
		}
	}
	return registry.Report{}, notFound(id)
}

// ListLatest 返回最近的报告，按时间倒序排列。
func (m *MemoryReportRepository) ListLatest(_ context.Context, limit int) ([]registry.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.reports) {
		limit = len(m.reports)
	}
	results := make([]registry.Report, limit)
	copy(results, m.reports[:limit])
	return results, nil
}

// History 返回某个扩展最近的加载结果。
func (m *MemoryReportRepository) History(_ context.Context, name string, limit int) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []HistoryEntry
	for _, rep := range m.reports {
		if o, ok := rep.Outcome(name); ok {
			out = append(out, HistoryEntry{ReportID: rep.ID, StartedAt: rep.StartedAt, Outcome: o})
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Close 文件仓库无需释放资源。
func (m *MemoryReportRepository) Close() error { return nil }

func (m *MemoryReportRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取报告日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	var restored []registry.Report
	for scanner.Scan() {
		var rep registry.Report
		if err := json.Unmarshal(scanner.Bytes(), &rep); err != nil {
			continue
		}
		restored = append([]registry.Report{rep}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析报告日志失败")
	}
	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	m.reports = restored
	return nil
}

// SQLReportRepository 使用 MySQL 存储报告，明细同时写入 load_outcomes 以便按扩展查询。
type SQLReportRepository struct {
	db *sql.DB
}

// NewSQLReportRepository 创建连接池并执行迁移。
func NewSQLReportRepository(ctx context.Context, cfg Config) (*SQLReportRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := newSchemaMigrator(db).migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLReportRepository{db: db}, nil
}

const (
	insertReportSQL = `INSERT INTO load_reports
    (id, started_at, duration_ms, active_count, failed_count, outcomes)
    VALUES (?, ?, ?, ?, ?, ?)`
	insertOutcomeSQL = `INSERT INTO load_outcomes
    (report_id, position, name, version, fingerprint, status, code, reason, skipped, duration_ms, started_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectReportSQL = `SELECT id, started_at, duration_ms, outcomes FROM load_reports`
	selectHistorySQL = `SELECT report_id, started_at, name, version, fingerprint, status, code, reason, skipped, duration_ms
    FROM load_outcomes WHERE name = ? ORDER BY started_at DESC, report_id DESC LIMIT ?`
)

// Save 在一个事务中写入报告与明细。
func (s *SQLReportRepository) Save(ctx context.Context, rep registry.Report) error {
	outcomes, err := json.Marshal(rep.Outcomes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化报告失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	started := rep.StartedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx, insertReportSQL,
		rep.ID, started, rep.Duration.Milliseconds(), len(rep.Active()), len(rep.Failed()), string(outcomes),
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 load_reports 失败", xerrors.WithMetadata("report", rep.ID))
	}
	for i, o := range rep.Outcomes {
		if _, err := tx.ExecContext(ctx, insertOutcomeSQL,
			rep.ID, i, o.Name, o.Version, o.Fingerprint, string(o.Status), string(o.Code), o.Reason, o.Skipped, o.Duration.Milliseconds(), started,
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 load_outcomes 失败", xerrors.WithMetadata("report", rep.ID))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Get 按 ID 查询报告。
func (s *SQLReportRepository) Get(ctx context.Context, id string) (registry.Report, error) {
	reports, err := s.query(ctx, selectReportSQL+` WHERE id = ?`, id)
	if err != nil {
		return registry.Report{}, err
	}
	if len(reports) == 0 {
		return registry.Report{}, notFound(id)
	}
	return reports[0], nil
}

// ListLatest 查询最近的若干份报告。
func (s *SQLReportRepository) ListLatest(ctx context.Context, limit int) ([]registry.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, selectReportSQL+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLReportRepository) query(ctx context.Context, stmt string, args ...any) ([]registry.Report, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报告失败")
	}
	defer rows.Close()

	var reports []registry.Report
	for rows.Next() {
		var (
			rep        registry.Report
			started    int64
			durationMS int64
			outcomes   []byte
		)
		if err := rows.Scan(&rep.ID, &started, &durationMS, &outcomes); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析报告失败")
		}
		rep.StartedAt = time.UnixMilli(started).UTC()
		rep.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal(outcomes, &rep.Outcomes); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析报告 %s 明细失败", rep.ID))
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历报告失败")
	}
	return reports, nil
}

// History 查询某个扩展最近的加载结果。
func (s *SQLReportRepository) History(ctx context.Context, name string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectHistorySQL, name, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询加载历史失败")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h          HistoryEntry
			started    int64
			status     string
			code       string
			durationMS int64
		)
		if err := rows.Scan(&h.ReportID, &started, &h.Outcome.Name, &h.Outcome.Version, &h.Outcome.Fingerprint,
			&status, &code, &h.Outcome.Reason, &h.Outcome.Skipped, &durationMS); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析加载历史失败")
		}
		h.StartedAt = time.UnixMilli(started).UTC()
		h.Outcome.Status = registry.Status(status)
		h.Outcome.Code = xerrors.Code(code)
		h.Outcome.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历加载历史失败")
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (s *SQLReportRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("load report %s not found", id),
		xerrors.WithMetadata("report", id))
}
