// Package observability carries the process-local metrics registry and
// the tracing bootstrap for the scheduler service.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type seriesKind int

const (
	kindCounter seriesKind = iota
	kindGauge
)

type series struct {
	kind   seriesKind
	name   string
	labels map[string]string
	value  float64
}

// Registry is a minimal counter/gauge store with label sets. It exists
// so the scheduler can expose a JSON snapshot and a Prometheus text
// rendering without pulling a metrics server into the engine.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(kindCounter, name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(kindGauge, name, labels).value = value
}

func (r *Registry) upsertLocked(kind seriesKind, name string, labels map[string]string) *series {
	key := seriesKey(kind, name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: kind, name: name, labels: cloneLabels(labels)}
		r.series[key] = s
	}
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{Counters: []MetricPoint{}, Gauges: []MetricPoint{}}
	for _, s := range r.series {
		point := MetricPoint{Name: s.name, Labels: cloneLabels(s.labels), Value: s.value}
		switch s.kind {
		case kindCounter:
			out.Counters = append(out.Counters, point)
		case kindGauge:
			out.Gauges = append(out.Gauges, point)
		}
	}
	sort.Slice(out.Counters, func(i, j int) bool { return pointLess(out.Counters[i], out.Counters[j]) })
	sort.Slice(out.Gauges, func(i, j int) bool { return pointLess(out.Gauges[i], out.Gauges[j]) })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

// RenderPrometheus emits the registry in the Prometheus text exposition
// format, one sorted line per series.
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges))
	for _, p := range s.Counters {
		lines = append(lines, promLine(p))
	}
	for _, p := range s.Gauges {
		lines = append(lines, promLine(p))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func pointLess(a, b MetricPoint) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return labelString(a.Labels) < labelString(b.Labels)
}

func seriesKey(kind seriesKind, name string, labels map[string]string) string {
	return strconv.Itoa(int(kind)) + "|" + name + "|" + labelString(labels)
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func promLine(p MetricPoint) string {
	name := sanitizeMetricName(p.Name)
	value := strconv.FormatFloat(p.Value, 'f', -1, 64)
	if len(p.Labels) == 0 {
		return name + " " + value
	}
	keys := make([]string, 0, len(p.Labels))
	for k := range p.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), p.Labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), value)
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "imgsched_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
