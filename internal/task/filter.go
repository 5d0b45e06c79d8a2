package task

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"QuizChain/internal/agent"
)

// 列表分页的默认值与上限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// RunFilter 描述运行列表与统计的筛选条件。内存存储通过 Matches 过滤，
// MySQL 存储通过 where 生成同义的 SQL 条件。
type RunFilter struct {
	Limit        int
	Offset       int
	Statuses     []Status
	Terminations []agent.Termination
	PrincipalID  string
	Query        string
	UpdatedSince int64
	UpdatedUntil int64
	// Finished 为非 nil 时按是否已有运行汇总过滤。
	Finished  *bool
	Ascending bool
}

// FilterOption 修改 RunFilter。
type FilterOption func(*RunFilter)

// NewRunFilter 应用选项并规整分页与枚举值。
func NewRunFilter(opts ...FilterOption) RunFilter {
	var f RunFilter
	for _, opt := range opts {
		if opt != nil {
			opt(&f)
		}
	}
	f.normalize()
	return f
}

// WithLimit 限制返回条数，超过上限时截断。
func WithLimit(limit int) FilterOption {
	return func(f *RunFilter) { f.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) FilterOption {
	return func(f *RunFilter) { f.Offset = offset }
}

// WithStatuses 只保留处于给定状态的运行。
func WithStatuses(statuses ...Status) FilterOption {
	return func(f *RunFilter) { f.Statuses = append([]Status(nil), statuses...) }
}

// WithTerminations 只保留以给定方式结束的运行，例如 stalled。
func WithTerminations(terminations ...agent.Termination) FilterOption {
	return func(f *RunFilter) { f.Terminations = append([]agent.Termination(nil), terminations...) }
}

// WithPrincipal 只保留指定身份触发的运行。
func WithPrincipal(principalID string) FilterOption {
	return func(f *RunFilter) { f.PrincipalID = principalID }
}

// WithQuery 在 ID、身份、地址、错误与结束原因中做不区分大小写的模糊匹配。
func WithQuery(query string) FilterOption {
	return func(f *RunFilter) { f.Query = query }
}

// WithUpdatedSince 只保留在该时刻及之后更新过的运行。
func WithUpdatedSince(ts time.Time) FilterOption {
	return func(f *RunFilter) { f.UpdatedSince = unixOrZero(ts) }
}

// WithUpdatedUntil 只保留在该时刻及之前更新过的运行。
func WithUpdatedUntil(ts time.Time) FilterOption {
	return func(f *RunFilter) { f.UpdatedUntil = unixOrZero(ts) }
}

// WithFinished 按是否已经写入运行汇总过滤。
func WithFinished(finished bool) FilterOption {
	return func(f *RunFilter) { f.Finished = &finished }
}

// WithAscending 按更新时间升序返回。
func WithAscending() FilterOption {
	return func(f *RunFilter) { f.Ascending = true }
}

// IsValidTermination 检查运行结束方式是否为已知取值。
func IsValidTermination(t agent.Termination) bool {
	switch t {
	case agent.TerminationFinished, agent.TerminationStalled, agent.TerminationCanceled, agent.TerminationFailed:
		return true
	default:
		return false
	}
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func (f *RunFilter) normalize() {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Statuses = dedupe(f.Statuses, IsValidStatus)
	f.Terminations = dedupe(f.Terminations, IsValidTermination)
	f.PrincipalID = strings.TrimSpace(f.PrincipalID)
	f.Query = strings.TrimSpace(f.Query)
}

func dedupe[T comparable](values []T, valid func(T) bool) []T {
	seen := make(map[T]struct{}, len(values))
	out := make([]T, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || !valid(v) {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Matches 判断运行是否满足全部条件。
func (f RunFilter) Matches(run *Task) bool {
	if run == nil {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, run.Status) {
		return false
	}
	if len(f.Terminations) > 0 {
		if run.Result == nil || !contains(f.Terminations, agent.Termination(run.Result.Termination)) {
			return false
		}
	}
	if f.PrincipalID != "" && run.PrincipalID != f.PrincipalID {
		return false
	}
	if f.UpdatedSince > 0 && run.UpdatedAt < f.UpdatedSince {
		return false
	}
	if f.UpdatedUntil > 0 && run.UpdatedAt > f.UpdatedUntil {
		return false
	}
	if f.Finished != nil && (run.Result != nil) != *f.Finished {
		return false
	}
	return f.Query == "" || matchesQuery(run, f.Query)
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func matchesQuery(run *Task, query string) bool {
	query = strings.ToLower(query)
	fields := []string{run.ID, run.PrincipalID, run.StartURL, run.CurrentURL, run.LastError}
	if run.Result != nil {
		fields = append(fields, run.Result.FinalURL, run.Result.LastReason)
	}
	if len(run.Metadata) > 0 {
		if raw, err := json.Marshal(run.Metadata); err == nil {
			fields = append(fields, string(raw))
		}
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

// sortAndPage 按更新时间排序后截取当前页，用于内存存储。
func (f RunFilter) sortAndPage(runs []*Task) []*Task {
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if f.Ascending {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})
	if f.Offset >= len(runs) {
		return []*Task{}
	}
	runs = runs[f.Offset:]
	if len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs
}

// queryColumns 是模糊查询覆盖的 run_states 列。
var queryColumns = []string{"id", "principal_id", "start_url", "current_url", "metadata", "last_error", "result_final_url", "result_last_reason"}

// where 生成与 Matches 等价的 SQL 条件，没有条件时返回空字符串。
func (f RunFilter) where() (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(f.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, status := range f.Statuses {
			args = append(args, string(status))
		}
	}
	if len(f.Terminations) > 0 {
		conditions = append(conditions, "result_termination IN ("+placeholders(len(f.Terminations))+")")
		for _, t := range f.Terminations {
			args = append(args, string(t))
		}
	}
	if f.PrincipalID != "" {
		conditions = append(conditions, "principal_id = ?")
		args = append(args, f.PrincipalID)
	}
	if f.UpdatedSince > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, f.UpdatedSince)
	}
	if f.UpdatedUntil > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, f.UpdatedUntil)
	}
	if f.Finished != nil {
		if *f.Finished {
			conditions = append(conditions, "result_termination <> ''")
		} else {
			conditions = append(conditions, "(result_termination IS NULL OR result_termination = '')")
		}
	}
	if f.Query != "" {
		likes := make([]string, 0, len(queryColumns))
		pattern := "%" + f.Query + "%"
		for _, column := range queryColumns {
			likes = append(likes, column+" LIKE ?")
			args = append(args, pattern)
		}
		conditions = append(conditions, "("+strings.Join(likes, " OR ")+")")
	}
	return strings.Join(conditions, " AND "), args
}

// orderBy 返回与 sortAndPage 一致的排序子句。
func (f RunFilter) orderBy() string {
	if f.Ascending {
		return " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	return " ORDER BY updated_at DESC, created_at DESC, id DESC"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
