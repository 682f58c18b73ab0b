// Package metrics 以 Prometheus 文本格式暴露宿主的运行指标：管理 API 请求、
// 事件分发与处理器结果、扩展生命周期转换以及加载耗时。
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var defaultBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type series struct {
	labels []string
	value  uint64
	hist   *histogram
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

// family 是同名指标的全部序列。
type family struct {
	name    string
	help    string
	kind    string
	labels  []string
	buckets []float64

	mu     sync.Mutex
	series map[string]*series
}

func newFamily(name, help, kind string, buckets []float64, labels ...string) *family {
	return &family{name: name, help: help, kind: kind, labels: labels, buckets: buckets, series: make(map[string]*series)}
}

func (f *family) get(values []string) *series {
	key := strings.Join(values, "\xff")
	s := f.series[key]
	if s == nil {
		s = &series{labels: append([]string(nil), values...)}
		if f.kind == "histogram" {
			s.hist = &histogram{counts: make([]uint64, len(f.buckets))}
		}
		f.series[key] = s
	}
	return s
}

func (f *family) inc(values ...string) {
	f.mu.Lock()
	f.get(values).value++
	f.mu.Unlock()
}

func (f *family) observe(v float64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.get(values).hist
	h.count++
	h.sum += v
	for idx, bound := range f.buckets {
		if v <= bound {
			h.counts[idx]++
		}
	}
}

func (f *family) value(values ...string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[strings.Join(values, "\xff")]; ok {
		if s.hist != nil {
			return s.hist.count
		}
		return s.value
	}
	return 0
}

func (f *family) reset() {
	f.mu.Lock()
	f.series = make(map[string]*series)
	f.mu.Unlock()
}

func (f *family) render(b *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)

	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := f.series[k]
		if s.hist == nil {
			fmt.Fprintf(b, "%s%s %d\n", f.name, f.labelSet(s.labels), s.value)
			continue
		}
		for idx, bound := range f.buckets {
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelSet(s.labels, "le", formatFloat(bound)), s.hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelSet(s.labels, "le", "+Inf"), s.hist.count)
		fmt.Fprintf(b, "%s_sum%s %s\n", f.name, f.labelSet(s.labels), formatFloat(s.hist.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, f.labelSet(s.labels), s.hist.count)
	}
}

func (f *family) labelSet(values []string, extra ...string) string {
	if len(values) == 0 && len(extra) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values)+1)
	for i, v := range values {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", f.labels[i], escape(v)))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", extra[i], escape(extra[i+1])))
	}
	return "{" + strings.Join(parts, ",") + "}"
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
