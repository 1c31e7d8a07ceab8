// Package results applies the sample, sort and limit stages to a merged
// federated result.
package results

import (
	"cmp"
	"encoding/json"
	"math/rand/v2"
	"slices"
	"sync"

	"lcc-server/internal/domain"
)

// Pipeline runs sample → sort → limit, always in that order.
type Pipeline struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPipeline creates a Pipeline drawing samples from rnd. A nil rnd uses
// a randomly seeded generator.
func NewPipeline(rnd *rand.Rand) *Pipeline {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Pipeline{rnd: rnd}
}

// Outcome reports what the pipeline did.
type Outcome struct {
	Rows    []domain.Row
	Sampled bool
	Sorted  bool
	// Limit is the limit actually applied; 0 when none was.
	Limit int
}

// Apply processes rows according to spec. maxRows > 0 is the caller's role
// limit: it caps the output even when spec.Limit is larger or unset.
// The input slice is not modified.
func (p *Pipeline) Apply(rows []domain.Row, spec domain.ResultSpec, maxRows int) Outcome {
	out := Outcome{Rows: slices.Clone(rows)}

	if spec.Sample > 0 && spec.Sample < len(out.Rows) {
		out.Rows = p.sample(out.Rows, spec.Sample)
		out.Sampled = true
	}

	if len(spec.Sort) > 0 {
		SortRows(out.Rows, spec.Sort)
		out.Sorted = true
	}

	limit := spec.Limit
	if maxRows > 0 && (limit <= 0 || maxRows < limit) {
		limit = maxRows
	}
	if limit > 0 && limit < len(out.Rows) {
		out.Rows = out.Rows[:limit]
		out.Limit = limit
	}
	return out
}

// sample picks n rows uniformly without replacement, keeping their
// original relative order.
func (p *Pipeline) sample(rows []domain.Row, n int) []domain.Row {
	p.mu.Lock()
	perm := p.rnd.Perm(len(rows))
	p.mu.Unlock()

	picked := perm[:n]
	slices.Sort(picked)
	out := make([]domain.Row, n)
	for i, idx := range picked {
		out[i] = rows[idx]
	}
	return out
}

// SortRows stably sorts rows by keys. Nulls and missing values sort last
// in either direction. Numbers sort before strings.
func SortRows(rows []domain.Row, keys []domain.SortKey) {
	slices.SortStableFunc(rows, func(a, b domain.Row) int {
		for _, k := range keys {
			if c := compareKey(a[k.Column], b[k.Column], k.Descending); c != 0 {
				return c
			}
		}
		return 0
	})
}

func compareKey(a, b any, desc bool) int {
	aNull, bNull := a == nil, b == nil
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return 1
	case bNull:
		return -1
	}
	c := compareValues(a, b)
	if desc {
		return -c
	}
	return c
}

func compareValues(a, b any) int {
	af, aNum := number(a)
	bf, bNum := number(b)
	switch {
	case aNum && bNum:
		return cmp.Compare(af, bf)
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return cmp.Compare(text(a), text(b))
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	b, _ := json.Marshal(v)
	return string(b)
}
