package override

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuizChain/internal/quiz"
)

type stubFetcher struct {
	body  string
	err   error
	calls []string
}

func (s *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	s.calls = append(s.calls, url)
	return []byte(s.body), s.err
}

const sampleYAML = `
overrides:
  - name: entry-page
    pattern: '/project2$'
    strategy: fixed
    answer: ""
  - name: secret-code
    pattern: 'scrape'
    strategy: page_regex
    source: text
    regex: 'secret code is (\d[\d,]*)'
    group: 1
    as: number
  - name: remote-sum
    pattern: 'remote'
    strategy: fetch
    data_url: /data/sum.txt
    as: number
  - name: object
    pattern: 'object'
    strategy: fixed
    answer:
      total: 3
      tags: [a, b]
`

func loadSample(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	table, err := Load(path)
	require.NoError(t, err)
	return table
}

func TestLoadKeepsFileOrder(t *testing.T) {
	table := loadSample(t)
	assert.Equal(t, 4, table.Len())

	entry, ok := table.Match("https://quiz.example/scrape/project2")
	require.True(t, ok)
	assert.Equal(t, "entry-page", entry.Name)
}

func TestFixedAnswer(t *testing.T) {
	table := loadSample(t)
	answer, name, matched, err := table.Resolve(context.Background(), quiz.QuizStep{URL: "https://q/object"}, nil)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "object", name)
	assert.JSONEq(t, `{"total":3,"tags":["a","b"]}`, string(answer))
}

func TestPageRegexAnswer(t *testing.T) {
	table := loadSample(t)
	step := quiz.QuizStep{URL: "https://q/scrape?email=x", RenderedText: "The secret code is 12,345 today."}
	answer, _, matched, err := table.Resolve(context.Background(), step, nil)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "12345", string(answer))
}

func TestPageRegexMissFallsThrough(t *testing.T) {
	table := loadSample(t)
	_, _, matched, err := table.Resolve(context.Background(), quiz.QuizStep{URL: "https://q/scrape", RenderedText: "nothing"}, nil)
	assert.True(t, matched)
	assert.Error(t, err)
}

func TestFetchResolvesRelativeDataURL(t *testing.T) {
	table := loadSample(t)
	fetcher := &stubFetcher{body: " 42.5\n"}
	answer, _, _, err := table.Resolve(context.Background(), quiz.QuizStep{URL: "https://q.example/remote/1"}, fetcher)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://q.example/data/sum.txt"}, fetcher.calls)
	assert.Equal(t, "42.5", string(answer))
}

func TestFetchErrorFallsThrough(t *testing.T) {
	table := loadSample(t)
	_, _, matched, err := table.Resolve(context.Background(), quiz.QuizStep{URL: "https://q/remote"}, &stubFetcher{err: errors.New("down")})
	assert.True(t, matched)
	assert.Error(t, err)
}

func TestNoMatch(t *testing.T) {
	table := loadSample(t)
	_, _, matched, err := table.Resolve(context.Background(), quiz.QuizStep{URL: "https://q/unknown"}, nil)
	assert.False(t, matched)
	assert.NoError(t, err)

	var empty *Table
	_, ok := empty.Match("https://q")
	assert.False(t, ok)
}

func TestApplyIsPure(t *testing.T) {
	table := loadSample(t)
	entry, ok := table.Match("https://q/scrape")
	require.True(t, ok)
	step := quiz.QuizStep{URL: "https://q/scrape", RenderedText: "secret code is 7"}

	first, err := entry.Apply(step, nil)
	require.NoError(t, err)
	second, err := entry.Apply(step, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "secret code is 7", step.RenderedText)
}

func TestNewTableValidation(t *testing.T) {
	bad := [][]Entry{
		{{Pattern: "", Strategy: StrategyFixed}},
		{{Pattern: "(", Strategy: StrategyFixed}},
		{{Pattern: "x", Strategy: StrategyPageRegex}},
		{{Pattern: "x", Strategy: StrategyFetch}},
		{{Pattern: "x", Strategy: "guess"}},
		{{Pattern: "x", Strategy: StrategyPageRegex, Regex: "(a)", Group: 2}},
		{{Pattern: "x", Strategy: StrategyFixed, As: "bool"}},
	}
	for _, entries := range bad {
		_, err := NewTable(entries)
		assert.Error(t, err, "%+v", entries)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"overrides":[{"name":"j","pattern":"q","strategy":"fixed","answer":5}]}`), 0o600))
	table, err := Load(path)
	require.NoError(t, err)
	answer, _, _, err := table.Resolve(context.Background(), quiz.QuizStep{URL: "https://q"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(answer))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(0)
	body, err := f.Fetch(context.Background(), srv.URL+"/data")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
