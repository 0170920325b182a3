package migrator

import (
	"fmt"

	"github.com/hoshdog/threadr-migrate/internal/models"
)

// ValidationRule checks one transformed record. Rules run after foreign keys
// have been resolved through the cross-reference cache.
type ValidationRule func(rec models.TargetRecord) error

func builtinRules() map[string]ValidationRule {
	return map[string]ValidationRule{
		"email_required": func(rec models.TargetRecord) error {
			u, ok := rec.(*models.User)
			if !ok {
				return fmt.Errorf("email_required applies to users, got %s", rec.TableName())
			}
			if u.Email == "" {
				return fmt.Errorf("missing email")
			}
			return nil
		},
		"valid_timestamp": func(rec models.TargetRecord) error {
			var zero bool
			switch r := rec.(type) {
			case *models.User:
				zero = r.CreatedAt.IsZero()
			case *models.Subscription:
				zero = r.CreatedAt.IsZero()
			case *models.Thread:
				zero = r.CreatedAt.IsZero()
			case *models.PaymentEvent:
				zero = r.CreatedAt.IsZero()
			}
			if zero {
				return fmt.Errorf("unparsable created_at")
			}
			return nil
		},
		"owner_resolved": func(rec models.TargetRecord) error {
			ref, ok := rec.(models.OwnerRef)
			if !ok {
				return fmt.Errorf("owner_resolved applies to user-owned records, got %s", rec.TableName())
			}
			if ref.UserRef() == "" {
				return fmt.Errorf("no user found for email %q", ref.OwnerEmail())
			}
			return nil
		},
		"key_hash_required": func(rec models.TargetRecord) error {
			k, ok := rec.(*models.APIKey)
			if !ok {
				return fmt.Errorf("key_hash_required applies to api keys, got %s", rec.TableName())
			}
			if k.KeyHash == "" {
				return fmt.Errorf("missing key hash")
			}
			return nil
		},
		"topic_required": func(rec models.TargetRecord) error {
			t, ok := rec.(*models.Thread)
			if !ok {
				return fmt.Errorf("topic_required applies to threads, got %s", rec.TableName())
			}
			if t.Topic == "" {
				return fmt.Errorf("missing topic")
			}
			return nil
		},
		"positive_count": func(rec models.TargetRecord) error {
			u, ok := rec.(*models.UsageRecord)
			if !ok {
				return fmt.Errorf("positive_count applies to usage records, got %s", rec.TableName())
			}
			if u.Generations < 0 {
				return fmt.Errorf("negative generation count %d", u.Generations)
			}
			return nil
		},
		"positive_amount": func(rec models.TargetRecord) error {
			p, ok := rec.(*models.PaymentEvent)
			if !ok {
				return fmt.Errorf("positive_amount applies to payment events, got %s", rec.TableName())
			}
			if p.AmountCents < 0 {
				return fmt.Errorf("negative amount %d", p.AmountCents)
			}
			return nil
		},
	}
}

// validateRecord runs every rule attached to the entry against one record.
// The first violation wins; a nil return means the record may be inserted.
func (r *Registry) validateRecord(e MappingEntry, rec models.TargetRecord) *models.ValidationFailure {
	for _, name := range e.ValidationRules {
		rule, ok := r.rules[name]
		if !ok {
			// Validate() rejects unknown rules before any run starts
			continue
		}
		if err := rule(rec); err != nil {
			return &models.ValidationFailure{
				SourceKey: rec.Key(),
				Table:     rec.TableName(),
				Rule:      name,
				Detail:    err.Error(),
			}
		}
	}
	return nil
}
