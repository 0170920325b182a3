// Package migrator moves threadr's persistent state from Redis to Postgres
// while the application keeps serving traffic through both stores.
//
// The package is organised around four pieces: a declarative mapping registry
// describing how each source key pattern becomes rows in the target schema, a
// write-routing controller the application calls on every read and write, a
// batch migration manager that executes the registry's plan, and a read-only
// auditor that characterises the keyspace before anything moves.
package migrator

import (
	"fmt"
	"path"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityAll      Priority = "all"
)

// rank maps priorities onto phase indexes; lower runs earlier.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityAll:
		return true
	}
	return false
}

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// TransformKind enumerates the registered transforms. Keying transforms by an
// enum instead of a free-form name makes a missing transform a startup-time
// error instead of a runtime nil.
type TransformKind int

const (
	TransformNone TransformKind = iota
	TransformUser
	TransformSubscription
	TransformAPIKey
	TransformThread
	TransformUsageFanout
	TransformPaymentEvent
)

func (k TransformKind) String() string {
	switch k {
	case TransformNone:
		return "none"
	case TransformUser:
		return "user"
	case TransformSubscription:
		return "subscription"
	case TransformAPIKey:
		return "api_key"
	case TransformThread:
		return "thread"
	case TransformUsageFanout:
		return "usage_fanout"
	case TransformPaymentEvent:
		return "payment_event"
	}
	return fmt.Sprintf("transform(%d)", int(k))
}

// MappingEntry declares how one source key pattern corresponds to the target
// schema. An empty TargetTable marks a pattern that is intentionally not
// migrated; such entries must use TransformNone.
type MappingEntry struct {
	SourcePattern   string
	EntityKind      string
	TargetTable     string
	Priority        Priority
	Complexity      Complexity
	Description     string
	Transform       TransformKind
	ValidationRules []string
	Dependencies    []string
}

// Migrated reports whether the pattern has a target table at all.
func (e MappingEntry) Migrated() bool { return e.TargetTable != "" }

// Registry is the single source of truth for what each source key pattern
// becomes in the target schema.
type Registry struct {
	entries    []MappingEntry
	transforms map[TransformKind]TransformFunc
	rules      map[string]ValidationRule
	byKind     map[string]int
}

// NewRegistry builds a registry from the given entries with the built-in
// transform and validation-rule sets. Call Validate before using it.
func NewRegistry(entries []MappingEntry) *Registry {
	r := &Registry{
		entries:    entries,
		transforms: builtinTransforms(),
		rules:      builtinRules(),
		byKind:     make(map[string]int, len(entries)),
	}
	for i := range entries {
		r.byKind[entries[i].EntityKind] = i
	}
	return r
}

// DefaultRegistry returns the production threadr mapping catalog.
func DefaultRegistry() *Registry {
	return NewRegistry([]MappingEntry{
		{
			SourcePattern:   "user:*",
			EntityKind:      "user",
			TargetTable:     "users",
			Priority:        PriorityCritical,
			Complexity:      ComplexityMedium,
			Description:     "account records keyed by user id, email is the natural key",
			Transform:       TransformUser,
			ValidationRules: []string{"email_required", "valid_timestamp"},
		},
		{
			SourcePattern:   "subscription:user:*",
			EntityKind:      "subscription",
			TargetTable:     "subscriptions",
			Priority:        PriorityCritical,
			Complexity:      ComplexityMedium,
			Description:     "billing subscription per user",
			Transform:       TransformSubscription,
			ValidationRules: []string{"owner_resolved", "valid_timestamp"},
			Dependencies:    []string{"user:*"},
		},
		{
			SourcePattern:   "apikey:*",
			EntityKind:      "apikey",
			TargetTable:     "api_keys",
			Priority:        PriorityHigh,
			Complexity:      ComplexityLow,
			Description:     "hashed API keys",
			Transform:       TransformAPIKey,
			ValidationRules: []string{"owner_resolved", "key_hash_required"},
			Dependencies:    []string{"user:*"},
		},
		{
			SourcePattern:   "thread:*",
			EntityKind:      "thread",
			TargetTable:     "threads",
			Priority:        PriorityHigh,
			Complexity:      ComplexityHigh,
			Description:     "generated tweet threads with their payloads",
			Transform:       TransformThread,
			ValidationRules: []string{"owner_resolved", "topic_required"},
			Dependencies:    []string{"user:*"},
		},
		{
			SourcePattern:   "usage:monthly:*",
			EntityKind:      "usage",
			TargetTable:     "usage_records",
			Priority:        PriorityMedium,
			Complexity:      ComplexityHigh,
			Description:     "monthly usage aggregates, fanned out into per-day rows",
			Transform:       TransformUsageFanout,
			ValidationRules: []string{"owner_resolved", "positive_count"},
			Dependencies:    []string{"user:*"},
		},
		{
			SourcePattern:   "payment:event:*",
			EntityKind:      "payment",
			TargetTable:     "payment_events",
			Priority:        PriorityMedium,
			Complexity:      ComplexityMedium,
			Description:     "billing provider webhook events",
			Transform:       TransformPaymentEvent,
			ValidationRules: []string{"owner_resolved", "positive_amount"},
			Dependencies:    []string{"subscription:user:*"},
		},
		{
			SourcePattern: "ratelimit:*",
			EntityKind:    "ratelimit",
			Priority:      PriorityLow,
			Complexity:    ComplexityLow,
			Description:   "ephemeral rate-limit counters, expire on their own",
			Transform:     TransformNone,
		},
		{
			SourcePattern: "session:*",
			EntityKind:    "session",
			Priority:      PriorityLow,
			Complexity:    ComplexityLow,
			Description:   "login sessions, recreated on next login",
			Transform:     TransformNone,
		},
		{
			SourcePattern: "cache:*",
			EntityKind:    "cache",
			Priority:      PriorityLow,
			Complexity:    ComplexityLow,
			Description:   "derived caches, rebuilt on demand",
			Transform:     TransformNone,
		},
	})
}

// Validate checks the catalog before any I/O happens: every migrated entry
// must have a registered transform and known validation rules, dependencies
// must point at declared patterns, and the dependency graph must be acyclic.
func (r *Registry) Validate() error {
	byPattern := make(map[string]bool, len(r.entries))
	for _, e := range r.entries {
		if byPattern[e.SourcePattern] {
			return fmt.Errorf("duplicate mapping for pattern %q", e.SourcePattern)
		}
		byPattern[e.SourcePattern] = true
	}

	for _, e := range r.entries {
		if !e.Migrated() {
			if e.Transform != TransformNone {
				return fmt.Errorf("pattern %q has no target table but transform %s", e.SourcePattern, e.Transform)
			}
			continue
		}
		if e.Transform == TransformNone {
			return fmt.Errorf("pattern %q maps to table %q without a transform", e.SourcePattern, e.TargetTable)
		}
		if _, ok := r.transforms[e.Transform]; !ok {
			return fmt.Errorf("pattern %q references unregistered transform %s", e.SourcePattern, e.Transform)
		}
		for _, rule := range e.ValidationRules {
			if _, ok := r.rules[rule]; !ok {
				return fmt.Errorf("pattern %q references unknown validation rule %q", e.SourcePattern, rule)
			}
		}
		for _, dep := range e.Dependencies {
			if !byPattern[dep] {
				return fmt.Errorf("pattern %q depends on undeclared pattern %q", e.SourcePattern, dep)
			}
		}
	}

	// a cyclic graph is a configuration error, surfaced here rather than at
	// plan time
	if _, err := r.Plan(PlanFilter{}); err != nil {
		return err
	}
	return nil
}

// Entries returns the catalog in declaration order.
func (r *Registry) Entries() []MappingEntry {
	out := make([]MappingEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Match categorises a source key by its mapping pattern.
func (r *Registry) Match(key string) (MappingEntry, bool) {
	for _, e := range r.entries {
		if ok, _ := path.Match(e.SourcePattern, key); ok {
			return e, true
		}
	}
	return MappingEntry{}, false
}

// EntryForKind resolves the mapping the write-routing controller should use
// for a given entity kind.
func (r *Registry) EntryForKind(kind string) (MappingEntry, bool) {
	i, ok := r.byKind[kind]
	if !ok {
		return MappingEntry{}, false
	}
	return r.entries[i], true
}

func (r *Registry) transformFor(e MappingEntry) (TransformFunc, error) {
	fn, ok := r.transforms[e.Transform]
	if !ok {
		return nil, fmt.Errorf("transform %s not registered", e.Transform)
	}
	return fn, nil
}
