package migrator

import (
	"encoding/json"
	"os"
)

// MappingDoc is the operator-review form of one catalog entry.
type MappingDoc struct {
	SourcePattern   string     `json:"source_pattern"`
	EntityKind      string     `json:"entity_kind"`
	TargetTable     string     `json:"target_table,omitempty"`
	Priority        Priority   `json:"priority"`
	Complexity      Complexity `json:"complexity"`
	Description     string     `json:"description"`
	Transform       string     `json:"transform"`
	ValidationRules []string   `json:"validation_rules,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	Phase           int        `json:"phase"`
}

// RegistryDoc enumerates every pattern with its planned phase, exported for
// operator review before a run. Nothing consumes it at runtime.
type RegistryDoc struct {
	Mappings []MappingDoc `json:"mappings"`
}

// ExportDoc renders the catalog and its computed phase assignments.
func (r *Registry) ExportDoc() (RegistryDoc, error) {
	plan, err := r.Plan(PlanFilter{})
	if err != nil {
		return RegistryDoc{}, err
	}

	var doc RegistryDoc
	for _, e := range r.entries {
		doc.Mappings = append(doc.Mappings, MappingDoc{
			SourcePattern:   e.SourcePattern,
			EntityKind:      e.EntityKind,
			TargetTable:     e.TargetTable,
			Priority:        e.Priority,
			Complexity:      e.Complexity,
			Description:     e.Description,
			Transform:       e.Transform.String(),
			ValidationRules: e.ValidationRules,
			Dependencies:    e.Dependencies,
			Phase:           plan.PhaseOf(e.SourcePattern),
		})
	}
	return doc, nil
}

func (d RegistryDoc) WriteFile(path string) error {
	payload, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}
