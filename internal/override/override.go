package override

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"QuizChain/internal/quiz"
)

// Strategy 描述覆盖条目的求值方式。
type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategyPageRegex Strategy = "page_regex"
	StrategyFetch     Strategy = "fetch"
)

// Entry 是一条以 URL 正则为键的确定性答案规则。
type Entry struct {
	Name     string   `json:"name" yaml:"name"`
	Pattern  string   `json:"pattern" yaml:"pattern"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	Answer   any      `json:"answer,omitempty" yaml:"answer,omitempty"`
	Source   string   `json:"source,omitempty" yaml:"source,omitempty"`
	Regex    string   `json:"regex,omitempty" yaml:"regex,omitempty"`
	Group    int      `json:"group,omitempty" yaml:"group,omitempty"`
	As       string   `json:"as,omitempty" yaml:"as,omitempty"`
	DataURL  string   `json:"data_url,omitempty" yaml:"data_url,omitempty"`

	urlRe   *regexp.Regexp
	valueRe *regexp.Regexp
}

// File 是覆盖表文件的顶层结构。
type File struct {
	Overrides []Entry `json:"overrides" yaml:"overrides"`
}

// Table 按文件顺序保存覆盖条目，首个匹配者生效。
type Table struct {
	entries []Entry
}

// NewTable 校验并编译条目。
func NewTable(entries []Entry) (*Table, error) {
	compiled := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			e.Name = fmt.Sprintf("override-%d", i)
		}
		if err := e.compile(); err != nil {
			return nil, fmt.Errorf("覆盖条目 %s 无效: %w", e.Name, err)
		}
		compiled = append(compiled, e)
	}
	return &Table{entries: compiled}, nil
}

// Load 从 YAML 或 JSON 文件加载覆盖表，格式由扩展名决定。
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("覆盖表文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取覆盖表失败: %w", err)
	}
	var file File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &file)
	default:
		err = yaml.Unmarshal(content, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("解析覆盖表失败: %w", err)
	}
	return NewTable(file.Overrides)
}

// Len 返回条目数量。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Match 返回第一个 URL 匹配的条目。
func (t *Table) Match(pageURL string) (*Entry, bool) {
	if t == nil {
		return nil, false
	}
	for i := range t.entries {
		if t.entries[i].urlRe.MatchString(pageURL) {
			return &t.entries[i], true
		}
	}
	return nil, false
}

// Fetcher 负责获取 fetch 策略需要的外部数据。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Resolve 匹配条目、预取外部数据并求值。未命中时 matched 为 false；
// 命中但求值失败时返回错误，调用方应回退到决策循环。
func (t *Table) Resolve(ctx context.Context, step quiz.QuizStep, fetcher Fetcher) (answer json.RawMessage, name string, matched bool, err error) {
	entry, ok := t.Match(step.URL)
	if !ok {
		return nil, "", false, nil
	}
	var data []byte
	if entry.Strategy == StrategyFetch {
		target, err := entry.DataLocation(step.URL)
		if err != nil {
			return nil, entry.Name, true, err
		}
		if fetcher == nil {
			return nil, entry.Name, true, fmt.Errorf("覆盖条目 %s 需要 fetcher", entry.Name)
		}
		data, err = fetcher.Fetch(ctx, target)
		if err != nil {
			return nil, entry.Name, true, fmt.Errorf("获取覆盖数据失败: %w", err)
		}
	}
	answer, err = entry.Apply(step, data)
	return answer, entry.Name, true, err
}

// DataLocation 将 data_url 解析为绝对地址。
func (e *Entry) DataLocation(pageURL string) (string, error) {
	ref, err := url.Parse(e.DataURL)
	if err != nil {
		return "", fmt.Errorf("data_url 无效: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("无法解析相对 data_url %q", e.DataURL)
	}
	return base.ResolveReference(ref).String(), nil
}

// Apply 是纯函数：只依赖页面内容与预取数据，不修改任何共享状态。
func (e *Entry) Apply(step quiz.QuizStep, data []byte) (json.RawMessage, error) {
	switch e.Strategy {
	case StrategyFixed:
		encoded, err := json.Marshal(normalizeYAML(e.Answer))
		if err != nil {
			return nil, fmt.Errorf("编码固定答案失败: %w", err)
		}
		return encoded, nil
	case StrategyPageRegex:
		value, err := e.extract(e.sourceText(step))
		if err != nil {
			return nil, err
		}
		return convert(value, e.As)
	case StrategyFetch:
		if e.valueRe == nil {
			return convert(string(bytes.TrimSpace(data)), e.As)
		}
		value, err := e.extract(string(data))
		if err != nil {
			return nil, err
		}
		return convert(value, e.As)
	}
	return nil, fmt.Errorf("未知的覆盖策略 %q", e.Strategy)
}

func (e *Entry) compile() error {
	if e.Pattern == "" {
		return fmt.Errorf("pattern 不能为空")
	}
	re, err := regexp.Compile(e.Pattern)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	e.urlRe = re
	if e.Regex != "" {
		vr, err := regexp.Compile(e.Regex)
		if err != nil {
			return fmt.Errorf("regex: %w", err)
		}
		if e.Group > vr.NumSubexp() {
			return fmt.Errorf("group %d 超出捕获组数量 %d", e.Group, vr.NumSubexp())
		}
		e.valueRe = vr
	}
	switch e.As {
	case "", "string", "number", "json":
	default:
		return fmt.Errorf("as 仅支持 string|number|json")
	}
	switch e.Strategy {
	case StrategyFixed:
	case StrategyPageRegex:
		if e.valueRe == nil {
			return fmt.Errorf("page_regex 需要 regex")
		}
		switch e.Source {
		case "", "text", "markup", "scripts":
		default:
			return fmt.Errorf("source 仅支持 text|markup|scripts")
		}
	case StrategyFetch:
		if e.DataURL == "" {
			return fmt.Errorf("fetch 需要 data_url")
		}
	default:
		return fmt.Errorf("未知的策略 %q", e.Strategy)
	}
	return nil
}

func (e *Entry) sourceText(step quiz.QuizStep) string {
	switch e.Source {
	case "markup":
		return step.RenderedMarkup
	case "scripts":
		return step.ScriptText
	default:
		return step.RenderedText
	}
}

func (e *Entry) extract(text string) (string, error) {
	m := e.valueRe.FindStringSubmatch(text)
	if m == nil {
		return "", fmt.Errorf("覆盖条目 %s 的 regex 未命中", e.Name)
	}
	return strings.TrimSpace(m[e.Group]), nil
}

func convert(value, as string) (json.RawMessage, error) {
	switch as {
	case "number":
		cleaned := strings.ReplaceAll(strings.TrimSpace(value), ",", "")
		if i, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
			return json.RawMessage(strconv.FormatInt(i, 10)), nil
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, fmt.Errorf("无法将 %q 转换为数字", value)
		}
		return json.Marshal(f)
	case "json":
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("提取结果不是合法 JSON")
		}
		return json.RawMessage(value), nil
	default:
		return json.Marshal(value)
	}
}

// normalizeYAML 将 yaml.v3 解出的 map[string]any 之外的键类型转换为字符串键。
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
