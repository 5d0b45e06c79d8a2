package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxEntries 是文件日志在内存中保留的最大步骤数。
const DefaultMaxEntries = 1000

// StepRecord 表示一次页面步骤的落库结构。答案以原始 JSON 文本保存，
// 身份凭证从不写入。
type StepRecord struct {
	RunID          string `json:"run_id"`
	Sequence       int    `json:"sequence"`
	URL            string `json:"url"`
	Endpoint       string `json:"endpoint,omitempty"`
	EndpointSource string `json:"endpoint_source,omitempty"`
	Override       string `json:"override,omitempty"`
	Rounds         int    `json:"rounds"`
	Submitted      bool   `json:"submitted"`
	Answer         string `json:"answer,omitempty"`
	Correct        bool   `json:"correct"`
	NextURL        string `json:"next_url,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Journal 抽象步骤日志的持久化接口。
type Journal interface {
	Save(ctx context.Context, record StepRecord) error
	ListByRun(ctx context.Context, runID string) ([]StepRecord, error)
}

// MemoryJournal 以 JSON Lines 文件追加写入步骤记录，并在内存中保留最近的若干条。
type MemoryJournal struct {
	mu         sync.RWMutex
	dataFile   string
	maxEntries int
	records    []StepRecord
}

// NewMemoryJournal 创建文件型步骤日志，启动时从磁盘恢复。
func NewMemoryJournal(dataDir string, maxEntries int) (*MemoryJournal, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	journal := &MemoryJournal{dataFile: filepath.Join(dataDir, "steps.log"), maxEntries: maxEntries}
	if err := journal.loadFromDisk(); err != nil {
		return nil, err
	}
	return journal, nil
}

// Save 以追加写的方式记录步骤结果。
func (m *MemoryJournal) Save(_ context.Context, record StepRecord) error {
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run_id 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开步骤日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化步骤记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入步骤日志失败: %w", err)
	}

	m.records = append(m.records, record)
	m.trim()
	return nil
}

// ListByRun 按步骤序号返回某次运行的全部记录。
func (m *MemoryJournal) ListByRun(_ context.Context, runID string) ([]StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []StepRecord
	for _, record := range m.records {
		if record.RunID == runID {
			results = append(results, record)
		}
	}
	return results, nil
}

func (m *MemoryJournal) trim() {
	if overflow := len(m.records) - m.maxEntries; overflow > 0 {
		m.records = append([]StepRecord(nil), m.records[overflow:]...)
	}
}

func (m *MemoryJournal) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取步骤日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record StepRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		m.records = append(m.records, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析步骤日志失败: %w", err)
	}
	m.trim()
	return nil
}

// SQLJournal 使用 MySQL 存储步骤记录。
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal 创建连接池、执行迁移并返回步骤日志。
func NewSQLJournal(ctx context.Context, cfg Config) (*SQLJournal, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLJournal{db: db}, nil
}

// NewSQLJournalFromDB 复用已经完成迁移的连接池。
func NewSQLJournalFromDB(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// Save 将步骤记录写入 MySQL。
func (s *SQLJournal) Save(ctx context.Context, record StepRecord) error {
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run_id 不能为空")
	}
	const stmt = `INSERT INTO step_journal
        (run_id, sequence, url, endpoint, endpoint_source, override_name, rounds, submitted, answer, correct, next_url, reason, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.RunID,
		record.Sequence,
		record.URL,
		record.Endpoint,
		record.EndpointSource,
		record.Override,
		record.Rounds,
		record.Submitted,
		record.Answer,
		record.Correct,
		record.NextURL,
		record.Reason,
		record.Error,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入步骤日志失败: %w", err)
	}
	return nil
}

// ListByRun 查询某次运行的全部步骤。
func (s *SQLJournal) ListByRun(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, sequence, url, endpoint, endpoint_source, override_name, rounds, submitted, answer, correct, next_url, reason, error, created_at
        FROM step_journal WHERE run_id = ? ORDER BY sequence ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("查询步骤日志失败: %w", err)
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var (
			record                                 StepRecord
			endpoint, answer, nextURL, reason, msg sql.NullString
		)
		if err := rows.Scan(&record.RunID, &record.Sequence, &record.URL, &endpoint, &record.EndpointSource, &record.Override,
			&record.Rounds, &record.Submitted, &answer, &record.Correct, &nextURL, &reason, &msg, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析步骤日志失败: %w", err)
		}
		record.Endpoint = endpoint.String
		record.Answer = answer.String
		record.NextURL = nextURL.String
		record.Reason = reason.String
		record.Error = msg.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历步骤日志失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
