package pricing

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidEntry = errors.New("invalid pricing entry")
	ErrUnknownType  = errors.New("unknown pricing type")
)

// Type identifies how a pricing entry bills usage. Closed set.
type Type string

const (
	TypeTokenBased         Type = "token_based"
	TypePerCall            Type = "per_call"
	TypePerMinute          Type = "per_minute"
	TypePerSecond          Type = "per_second"
	TypePer1KChars         Type = "per_1k_chars"
	TypePerMillion         Type = "per_million"
	TypePerMillionTokens   Type = "per_million_tokens"
	TypePer1KRequests      Type = "per_1k_requests"
	TypePercentageFixedFee Type = "percentage_fixed_fee"
	TypePerGBMonth         Type = "per_gb_month"
	TypePerImage           Type = "per_image"
)

// ValidType reports whether t belongs to the closed pricing type set.
func ValidType(t Type) bool {
	switch t {
	case TypeTokenBased, TypePerCall, TypePerMinute, TypePerSecond,
		TypePer1KChars, TypePerMillion, TypePerMillionTokens,
		TypePer1KRequests, TypePercentageFixedFee, TypePerGBMonth,
		TypePerImage:
		return true
	}
	return false
}

// Data holds the scheme parameters. Only the fields the entry's Type reads
// are meaningful; the rest stay zero.
type Data struct {
	InputRate       float64 `json:"input_rate,omitempty"`
	OutputRate      float64 `json:"output_rate,omitempty"`
	CachedInputRate float64 `json:"cached_input_rate,omitempty"`
	Rate            float64 `json:"rate,omitempty"`
	Percentage      float64 `json:"percentage,omitempty"`
	FixedFee        float64 `json:"fixed_fee,omitempty"`
}

// Entry is one versioned pricing row. Historical rows are never mutated;
// price changes append a new row with a later effective date.
type Entry struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	EffectiveDate time.Time `json:"effective_date"`
	Type          Type      `json:"pricing_type"`
	Data          Data      `json:"pricing_data"`
	Active        bool      `json:"active"`
}

// Validate checks the fields every entry must carry.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Provider) == "" || strings.TrimSpace(e.Model) == "" {
		return ErrInvalidEntry
	}
	if e.EffectiveDate.IsZero() {
		return ErrInvalidEntry
	}
	if !ValidType(e.Type) {
		return ErrUnknownType
	}
	return nil
}

func entryKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "\x00" + strings.TrimSpace(model)
}

// Table is an immutable point-in-time pricing snapshot. Lookups walk the
// per-model history backwards to find the newest entry effective at the
// event's own timestamp, so late-arriving events price correctly and
// pricing changes never rewrite history.
type Table struct {
	entries map[string][]Entry // sorted by EffectiveDate ascending
	count   int
}

// NewTable builds a snapshot from the given entries. Invalid entries are
// dropped silently; the caller validates on the write path.
func NewTable(entries []Entry) *Table {
	grouped := make(map[string][]Entry)
	count := 0
	for _, e := range entries {
		if e.Validate() != nil {
			continue
		}
		key := entryKey(e.Provider, e.Model)
		grouped[key] = append(grouped[key], e)
		count++
	}
	for key := range grouped {
		rows := grouped[key]
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].EffectiveDate.Before(rows[j].EffectiveDate)
		})
		grouped[key] = rows
	}
	return &Table{entries: grouped, count: count}
}

// Lookup returns the most recent active entry with EffectiveDate <= at.
func (t *Table) Lookup(provider, model string, at time.Time) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	rows := t.entries[entryKey(provider, model)]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Active && !rows[i].EffectiveDate.After(at) {
			return rows[i], true
		}
	}
	return Entry{}, false
}

// Entries returns every row in the snapshot, sorted by provider/model/date.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, t.count)
	for _, rows := range t.entries {
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out
}

// Len returns the number of rows in the snapshot.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.count
}

// Registry hands out the current pricing snapshot. Updates build a fresh
// Table and swap it atomically; readers never see a half-applied update.
// Writers serialize on the mutex so concurrent updates cannot lose each
// other's rows during the merge.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Table]
}

// NewRegistry starts with the provided entries (may be empty).
func NewRegistry(entries []Entry) *Registry {
	r := &Registry{}
	r.current.Store(NewTable(entries))
	return r
}

// Snapshot returns the active table.
func (r *Registry) Snapshot() *Table {
	return r.current.Load()
}

// Lookup resolves pricing for (provider, model) as of the given time.
func (r *Registry) Lookup(provider, model string, at time.Time) (Entry, bool) {
	return r.Snapshot().Lookup(provider, model, at)
}

// Upsert appends new rows and swaps in a fresh snapshot. Rows matching an
// existing (provider, model, effective_date) replace that row's data and
// active flag; all other historical rows are carried over untouched.
func (r *Registry) Upsert(entries ...Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.Snapshot().Entries()
	merged := make([]Entry, 0, len(existing)+len(entries))
	replaced := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		replaced[upsertKey(e)] = struct{}{}
	}
	for _, e := range existing {
		if _, ok := replaced[upsertKey(e)]; ok {
			continue
		}
		merged = append(merged, e)
	}
	merged = append(merged, entries...)
	r.current.Store(NewTable(merged))
	return nil
}

// Deactivate hides an entry from lookups without deleting its history.
// The deactivated row is returned so callers can persist the flag.
func (r *Registry) Deactivate(provider, model string, effectiveDate time.Time) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.Snapshot().Entries()
	var deactivated Entry
	found := false
	for i := range existing {
		if entryKey(existing[i].Provider, existing[i].Model) == entryKey(provider, model) &&
			existing[i].EffectiveDate.Equal(effectiveDate) {
			existing[i].Active = false
			deactivated = existing[i]
			found = true
		}
	}
	if found {
		r.current.Store(NewTable(existing))
	}
	return deactivated, found
}

func upsertKey(e Entry) string {
	return entryKey(e.Provider, e.Model) + "\x00" + e.EffectiveDate.UTC().Format(time.RFC3339)
}
