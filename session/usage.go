package session

import (
	"sort"
	"sync"
	"time"
)

// Usage is the token accounting of one or more provider calls. InputTokens
// includes CachedInputTokens.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + o.InputTokens,
		CachedInputTokens: u.CachedInputTokens + o.CachedInputTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
	}
}

// Rate is a price in USD per million tokens.
type Rate struct {
	Input       float64
	CachedInput float64
	Output      float64
}

// Cost prices u. Cached tokens are billed at the cached rate and excluded
// from the regular input charge.
func (r Rate) Cost(u Usage) float64 {
	uncached := u.InputTokens - u.CachedInputTokens
	if uncached < 0 {
		uncached = 0
	}
	return float64(uncached)/1e6*r.Input +
		float64(u.CachedInputTokens)/1e6*r.CachedInput +
		float64(u.OutputTokens)/1e6*r.Output
}

// RateTable supplies prices by provider and model.
type RateTable interface {
	Rate(provider, model string) (Rate, bool)
}

type BucketKey struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Bucket aggregates usage for one (provider, model) pair.
type Bucket struct {
	BucketKey
	Usage
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
	// Priced is false when the rate table had no entry for the key.
	Priced bool `json:"priced"`
}

// Request describes the most recent provider call.
type Request struct {
	BucketKey
	Usage
	Cost float64   `json:"cost"`
	At   time.Time `json:"at"`
}

// Summary is a value snapshot of the tracker.
type Summary struct {
	Running      []Bucket
	Lifetime     []Bucket
	RunningCost  float64
	LifetimeCost float64
	Last         *Request
}

// UsageTracker keeps running totals (cleared by /clear) and lifetime totals
// (never cleared while the process runs).
type UsageTracker struct {
	mu       sync.Mutex
	rates    RateTable
	running  map[BucketKey]*Bucket
	lifetime map[BucketKey]*Bucket
	last     *Request
	now      func() time.Time
}

func NewUsageTracker(rates RateTable) *UsageTracker {
	return &UsageTracker{
		rates:    rates,
		running:  make(map[BucketKey]*Bucket),
		lifetime: make(map[BucketKey]*Bucket),
		now:      time.Now,
	}
}

// Record adds one provider call and returns the priced request.
func (t *UsageTracker) Record(provider, model string, u Usage) Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := BucketKey{Provider: provider, Model: model}
	var cost float64
	priced := false
	if t.rates != nil {
		if r, ok := t.rates.Rate(provider, model); ok {
			cost, priced = r.Cost(u), true
		}
	}
	add(t.running, key, u, cost, priced, 1)
	add(t.lifetime, key, u, cost, priced, 1)
	t.last = &Request{BucketKey: key, Usage: u, Cost: cost, At: t.now()}
	return *t.last
}

// Seed adds previously persisted totals to the lifetime buckets only.
func (t *UsageTracker) Seed(buckets []Bucket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range buckets {
		add(t.lifetime, b.BucketKey, b.Usage, b.Cost, b.Priced, b.Requests)
	}
}

// ResetRunning clears running totals and the last request.
func (t *UsageTracker) ResetRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = make(map[BucketKey]*Bucket)
	t.last = nil
}

func (t *UsageTracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Running: sorted(t.running), Lifetime: sorted(t.lifetime)}
	for _, b := range s.Running {
		s.RunningCost += b.Cost
	}
	for _, b := range s.Lifetime {
		s.LifetimeCost += b.Cost
	}
	if t.last != nil {
		last := *t.last
		s.Last = &last
	}
	return s
}

func add(m map[BucketKey]*Bucket, key BucketKey, u Usage, cost float64, priced bool, requests int) {
	b, ok := m[key]
	if !ok {
		b = &Bucket{BucketKey: key, Priced: priced}
		m[key] = b
	}
	b.Usage = b.Usage.Add(u)
	b.Requests += requests
	b.Cost += cost
	b.Priced = b.Priced || priced
}

func sorted(m map[BucketKey]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
