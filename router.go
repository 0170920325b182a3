package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoshdog/threadr-migrate/internal/repository"
)

// WriteStrategy governs which store(s) receive writes and which answers
// reads. Exactly one strategy is active at a time; operators advance it as
// the migration progresses.
type WriteStrategy string

const (
	// SourceOnly is the pre-migration default: Redis receives every write
	// and serves every read.
	SourceOnly WriteStrategy = "source_only"
	// DualWrite sends writes to both stores while Redis stays authoritative
	// for reads.
	DualWrite WriteStrategy = "dual_write"
	// TargetPrimary keeps dual writes but promotes Postgres to serve reads.
	TargetPrimary WriteStrategy = "target_primary"
	// TargetOnly completes the cutover: Postgres alone receives durable
	// writes. Unmigrated ephemeral kinds still live in Redis.
	TargetOnly WriteStrategy = "target_only"
)

func (s WriteStrategy) valid() bool {
	switch s {
	case SourceOnly, DualWrite, TargetPrimary, TargetOnly:
		return true
	}
	return false
}

func (s WriteStrategy) writesSource() bool { return s != TargetOnly }
func (s WriteStrategy) writesTarget() bool { return s != SourceOnly }
func (s WriteStrategy) readsTarget() bool  { return s == TargetPrimary || s == TargetOnly }

// ErrAllWritesFailed reports that every store designated by the active
// strategy rejected the write.
var ErrAllWritesFailed = errors.New("all writes failed")

// ErrNotFound reports a read miss on whichever store is authoritative.
var ErrNotFound = errors.New("not found")

// ControllerStats counts controller activity. Counters are atomic because
// the controller is called from many concurrent request tasks.
type ControllerStats struct {
	writesToSource    atomic.Int64
	writesToTarget    atomic.Int64
	sourceFailures    atomic.Int64
	targetFailures    atomic.Int64
	consistencyErrors atomic.Int64
	strategySwitches  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the controller counters.
type StatsSnapshot struct {
	WritesToSource    int64 `json:"writes_to_source"`
	WritesToTarget    int64 `json:"writes_to_target"`
	SourceFailures    int64 `json:"source_failures"`
	TargetFailures    int64 `json:"target_failures"`
	ConsistencyErrors int64 `json:"consistency_errors"`
	StrategySwitches  int64 `json:"strategy_switches"`
}

func (s *ControllerStats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		WritesToSource:    s.writesToSource.Load(),
		WritesToTarget:    s.writesToTarget.Load(),
		SourceFailures:    s.sourceFailures.Load(),
		TargetFailures:    s.targetFailures.Load(),
		ConsistencyErrors: s.consistencyErrors.Load(),
		StrategySwitches:  s.strategySwitches.Load(),
	}
}

// Controller gives the application one logical write/read API regardless of
// which store currently holds truth.
type Controller struct {
	source   repository.KeyValueStore
	target   repository.TargetStore
	registry *Registry
	logger   *logrus.Logger
	timeout  time.Duration

	mu       sync.RWMutex
	strategy WriteStrategy

	stats ControllerStats
}

type ControllerOption func(*Controller)

func WithControllerLogger(logger *logrus.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithWriteTimeout bounds each per-store call so a hung side cannot stall
// the other.
func WithWriteTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.timeout = d }
}

func NewController(source repository.KeyValueStore, target repository.TargetStore, registry *Registry, opts ...ControllerOption) *Controller {
	c := &Controller{
		source:   source,
		target:   target,
		registry: registry,
		logger:   logrus.StandardLogger(),
		timeout:  2 * time.Second,
		strategy: SourceOnly,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Strategy returns the active write strategy.
func (c *Controller) Strategy() WriteStrategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy
}

// SwitchStrategy atomically replaces the active strategy. In-flight
// operations finish under the strategy they started with; the prior strategy
// and accumulated counters are logged for audit.
func (c *Controller) SwitchStrategy(next WriteStrategy) error {
	if !next.valid() {
		return fmt.Errorf("unknown write strategy %q", next)
	}

	c.mu.Lock()
	prior := c.strategy
	c.strategy = next
	c.mu.Unlock()

	c.stats.strategySwitches.Add(1)
	snap := c.stats.snapshot()
	c.logger.WithFields(logrus.Fields{
		"prior":              prior,
		"next":               next,
		"writes_to_source":   snap.WritesToSource,
		"writes_to_target":   snap.WritesToTarget,
		"consistency_errors": snap.ConsistencyErrors,
	}).Info("write strategy switched")
	return nil
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

// Write routes one application write according to the active strategy. When
// both stores are designated, the two writes run concurrently; if exactly one
// side fails the caller still gets success and the discrepancy is logged as a
// consistency error for later reconciliation.
func (c *Controller) Write(ctx context.Context, entityKind, key, payload string) error {
	strategy := c.Strategy()

	entry, known := c.registry.EntryForKind(entityKind)
	toTarget := strategy.writesTarget() && known && entry.Migrated()
	// unmigrated kinds (sessions, rate limits, caches) always live in the
	// source store
	toSource := strategy.writesSource() || !toTarget

	if toSource && toTarget {
		return c.dualWrite(ctx, strategy, entry, entityKind, key, payload)
	}
	if toTarget {
		err := c.writeTarget(ctx, entry, key, payload)
		if err != nil {
			c.stats.targetFailures.Add(1)
			return err
		}
		c.stats.writesToTarget.Add(1)
		return nil
	}

	if err := c.writeSource(ctx, key, payload); err != nil {
		c.stats.sourceFailures.Add(1)
		return err
	}
	c.stats.writesToSource.Add(1)
	return nil
}

func (c *Controller) dualWrite(ctx context.Context, strategy WriteStrategy, entry MappingEntry, entityKind, key, payload string) error {
	var (
		wg                   sync.WaitGroup
		sourceErr, targetErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sourceErr = c.writeSource(ctx, key, payload)
	}()
	go func() {
		defer wg.Done()
		targetErr = c.writeTarget(ctx, entry, key, payload)
	}()
	wg.Wait()

	if sourceErr != nil {
		c.stats.sourceFailures.Add(1)
	} else {
		c.stats.writesToSource.Add(1)
	}
	if targetErr != nil {
		c.stats.targetFailures.Add(1)
	} else {
		c.stats.writesToTarget.Add(1)
	}

	switch {
	case sourceErr != nil && targetErr != nil:
		return fmt.Errorf("%w: source: %v; target: %v", ErrAllWritesFailed, sourceErr, targetErr)
	case sourceErr != nil, targetErr != nil:
		// partial success: availability wins during the transition window,
		// the discrepancy is logged for reconciliation
		c.stats.consistencyErrors.Add(1)
		side, err := "target", targetErr
		if sourceErr != nil {
			side, err = "source", sourceErr
		}
		c.logger.WithFields(logrus.Fields{
			"strategy": strategy,
			"side":     side,
			"kind":     entityKind,
			"key":      key,
		}).WithError(err).Warn("partial dual write, consistency error recorded")
	}
	return nil
}

func (c *Controller) writeSource(ctx context.Context, key, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.source.Set(ctx, key, payload, 0)
}

func (c *Controller) writeTarget(ctx context.Context, entry MappingEntry, key, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fn, err := c.registry.transformFor(entry)
	if err != nil {
		return err
	}
	result, err := fn(key, payload)
	if err != nil {
		return err
	}
	if result.Skip {
		return nil
	}

	// live writes resolve the owner against the target store directly; the
	// cross-reference cache only exists inside a migration run
	for _, rec := range result.Records {
		if ref, ok := rec.(interface {
			OwnerEmail() string
			SetUserID(string)
		}); ok && ref.OwnerEmail() != "" {
			user, err := c.target.FindUserByEmail(ctx, ref.OwnerEmail())
			if err == nil {
				ref.SetUserID(user.ID)
			}
		}
	}

	return c.target.Transaction(ctx, func(tx repository.TargetTx) error {
		for _, rec := range result.Records {
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Read serves one application read from whichever store the strategy marks
// authoritative. Source reads return the stored payload verbatim; target reads
// marshal the relational row, so once reads are promoted callers see the
// target schema's field set.
func (c *Controller) Read(ctx context.Context, entityKind, key string) (string, error) {
	strategy := c.Strategy()
	entry, known := c.registry.EntryForKind(entityKind)

	if strategy.readsTarget() && known && entry.Migrated() {
		rec, err := c.target.GetBySourceKey(ctx, entry.TargetTable, key)
		if errors.Is(err, repository.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", err
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		return string(payload), nil
	}

	val, err := c.source.Get(ctx, key)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return val, err
}
