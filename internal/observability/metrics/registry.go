package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	counterKind   kind = "counter"
	histogramKind kind = "histogram"
)

// series holds one label combination of a family.
type series struct {
	labels  []string
	value   uint64
	buckets []uint64
	sum     float64
}

// family is a named metric with a fixed label set. Histogram bucket counts
// are cumulative, the +Inf bucket is the observation count.
type family struct {
	name   string
	help   string
	kind   kind
	labels []string
	bounds []float64

	mu     sync.Mutex
	series map[string]*series
}

var (
	registryMu sync.Mutex
	registry   []*family
)

func register(f *family) *family {
	registryMu.Lock()
	registry = append(registry, f)
	registryMu.Unlock()
	return f
}

func newCounter(name, help string, labels ...string) *family {
	return register(&family{name: name, help: help, kind: counterKind, labels: labels, series: make(map[string]*series)})
}

func newHistogram(name, help string, bounds []float64, labels ...string) *family {
	return register(&family{name: name, help: help, kind: histogramKind, labels: labels, bounds: bounds, series: make(map[string]*series)})
}

// lookup must be called with f.mu held.
func (f *family) lookup(values []string) *series {
	fixed := make([]string, len(f.labels))
	copy(fixed, values)
	key := strings.Join(fixed, "\x1f")
	s := f.series[key]
	if s == nil {
		s = &series{labels: fixed}
		if f.kind == histogramKind {
			s.buckets = make([]uint64, len(f.bounds))
		}
		f.series[key] = s
	}
	return s
}

func (f *family) inc(values ...string) {
	f.mu.Lock()
	f.lookup(values).value++
	f.mu.Unlock()
}

func (f *family) observe(v float64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.lookup(values)
	s.value++
	s.sum += v
	for i, bound := range f.bounds {
		if v <= bound {
			s.buckets[i]++
		}
	}
}

// count returns the counter value, or the observation count of a histogram.
func (f *family) count(values ...string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(values).value
}

func (f *family) render(b *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)

	keys := make([]string, 0, len(f.series))
	for key := range f.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := f.series[key]
		if f.kind == counterKind {
			fmt.Fprintf(b, "%s%s %d\n", f.name, f.labelSet(s.labels, ""), s.value)
			continue
		}
		for i, bound := range f.bounds {
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelSet(s.labels, formatFloat(bound)), s.buckets[i])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelSet(s.labels, "+Inf"), s.value)
		fmt.Fprintf(b, "%s_sum%s %s\n", f.name, f.labelSet(s.labels, ""), formatFloat(s.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, f.labelSet(s.labels, ""), s.value)
	}
}

func (f *family) labelSet(values []string, le string) string {
	pairs := make([]string, 0, len(f.labels)+1)
	for i, label := range f.labels {
		pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", label, escape(values[i])))
	}
	if le != "" {
		pairs = append(pairs, fmt.Sprintf("le=\"%s\"", le))
	}
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// Render returns every registered family in Prometheus text exposition format.
func Render() string {
	registryMu.Lock()
	families := append([]*family(nil), registry...)
	registryMu.Unlock()

	var b strings.Builder
	b.Grow(2048)
	for _, f := range families {
		f.render(&b)
	}
	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
