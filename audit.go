package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoshdog/threadr-migrate/internal/repository"
)

// ttlBuckets are the expiration histogram boundaries. Keys expiring soon are
// an urgency signal: they will disappear before a slow migration reaches
// them.
var ttlBuckets = []struct {
	Label string
	Max   time.Duration
}{
	{"under_1h", time.Hour},
	{"under_24h", 24 * time.Hour},
	{"under_7d", 7 * 24 * time.Hour},
	{"over_7d", 1<<63 - 1},
}

const defaultSampleLimit = 15

// CategoryStat summarises one mapping pattern's share of the keyspace.
type CategoryStat struct {
	Pattern     string   `json:"pattern"`
	TargetTable string   `json:"target_table,omitempty"`
	Priority    Priority `json:"priority"`
	Count       int64    `json:"count"`
	ApproxBytes int64    `json:"approx_bytes"`
	Samples     []string `json:"samples,omitempty"`
}

// AuditReport characterises the source keyspace before migration begins. It
// is a static document for the human operator, not an input to the
// orchestrator.
type AuditReport struct {
	GeneratedAt    time.Time            `json:"generated_at"`
	TotalKeys      int64                `json:"total_keys"`
	Categories     []CategoryStat       `json:"categories"`
	UnknownKeys    int64                `json:"unknown_keys"`
	UnknownSamples []string             `json:"unknown_samples,omitempty"`
	PriorityTotals map[Priority]int64   `json:"priority_totals"`
	TTLHistogram   map[string]int64     `json:"ttl_histogram"`
	ApproxBytes    int64                `json:"approx_bytes"`
}

func (r *AuditReport) WriteFile(path string) error {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// Auditor scans the source store read-only and produces volume and priority
// estimates that drive phase filters and scheduling.
type Auditor struct {
	source      repository.KeyValueStore
	registry    *Registry
	logger      *logrus.Logger
	sampleLimit int
}

func NewAuditor(source repository.KeyValueStore, registry *Registry, logger *logrus.Logger) *Auditor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Auditor{
		source:      source,
		registry:    registry,
		logger:      logger,
		sampleLimit: defaultSampleLimit,
	}
}

// Run walks the full keyspace once. Values are only fetched for bounded
// samples of business-critical categories; footprint figures are
// extrapolated from those samples.
func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	if err := a.source.Ping(ctx); err != nil {
		return nil, err
	}

	report := &AuditReport{
		GeneratedAt:    time.Now().UTC(),
		PriorityTotals: make(map[Priority]int64),
		TTLHistogram:   make(map[string]int64),
	}
	byPattern := make(map[string]*CategoryStat)
	sampleBytes := make(map[string]int64)
	for _, e := range a.registry.Entries() {
		byPattern[e.SourcePattern] = &CategoryStat{
			Pattern:     e.SourcePattern,
			TargetTable: e.TargetTable,
			Priority:    e.Priority,
		}
	}

	err := a.source.Scan(ctx, "*", func(key string) error {
		report.TotalKeys++

		a.bucketTTL(ctx, key, report)

		entry, ok := a.registry.Match(key)
		if !ok {
			report.UnknownKeys++
			if len(report.UnknownSamples) < a.sampleLimit {
				report.UnknownSamples = append(report.UnknownSamples, key)
			}
			return nil
		}

		stat := byPattern[entry.SourcePattern]
		stat.Count++
		report.PriorityTotals[entry.Priority]++

		// bounded sample of decoded values for manual inspection of the
		// business-critical tiers
		if entry.Priority == PriorityCritical && len(stat.Samples) < a.sampleLimit {
			value, err := a.source.Get(ctx, key)
			if err == nil {
				stat.Samples = append(stat.Samples, value)
				sampleBytes[entry.SourcePattern] += int64(len(key) + len(value))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for pattern, stat := range byPattern {
		if n := int64(len(stat.Samples)); n > 0 {
			// extrapolate category footprint from the sample average
			stat.ApproxBytes = sampleBytes[pattern] / n * stat.Count
		}
		report.ApproxBytes += stat.ApproxBytes
		report.Categories = append(report.Categories, *stat)
	}
	sort.Slice(report.Categories, func(i, j int) bool {
		a, b := report.Categories[i], report.Categories[j]
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		return a.Pattern < b.Pattern
	})

	a.logger.WithFields(logrus.Fields{
		"total_keys":   report.TotalKeys,
		"unknown_keys": report.UnknownKeys,
	}).Info("audit scan complete")
	return report, nil
}

func (a *Auditor) bucketTTL(ctx context.Context, key string, report *AuditReport) {
	ttl, err := a.source.TTL(ctx, key)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return // expired mid-scan
	}
	if err != nil {
		a.logger.WithError(err).WithField("key", key).Warn("ttl lookup failed")
		return
	}
	if ttl < 0 {
		report.TTLHistogram["no_ttl"]++
		return
	}
	for _, bucket := range ttlBuckets {
		if ttl < bucket.Max {
			report.TTLHistogram[bucket.Label]++
			return
		}
	}
}
