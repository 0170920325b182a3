package migrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hoshdog/threadr-migrate/internal/models"
)

// TransformResult is what a transform produces for one source record: zero or
// more typed target records, or an instruction to skip the record entirely.
// Skips are counted as skipped, never as failed.
type TransformResult struct {
	Records []models.TargetRecord
	Skip    bool
	Reason  string
}

func skip(reason string) TransformResult {
	return TransformResult{Skip: true, Reason: reason}
}

// TransformFunc converts a raw source record into target rows. Transforms are
// pure: they never touch either store.
type TransformFunc func(sourceKey, sourceValue string) (TransformResult, error)

func builtinTransforms() map[TransformKind]TransformFunc {
	return map[TransformKind]TransformFunc{
		TransformUser:         transformUser,
		TransformSubscription: transformSubscription,
		TransformAPIKey:       transformAPIKey,
		TransformThread:       transformThread,
		TransformUsageFanout:  transformUsageFanout,
		TransformPaymentEvent: transformPaymentEvent,
	}
}

type sourceEnvelope struct {
	Deleted bool `json:"deleted"`
}

func decode(sourceKey, sourceValue string, dst any) (skipped *TransformResult, err error) {
	if strings.TrimSpace(sourceValue) == "" {
		s := skip("empty value")
		return &s, nil
	}

	var env sourceEnvelope
	if err := json.Unmarshal([]byte(sourceValue), &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sourceKey, err)
	}
	if env.Deleted {
		s := skip("tombstone")
		return &s, nil
	}

	if err := json.Unmarshal([]byte(sourceValue), dst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sourceKey, err)
	}
	return nil, nil
}

func transformUser(sourceKey, sourceValue string) (TransformResult, error) {
	var payload struct {
		Email     string `json:"email"`
		Plan      string `json:"plan"`
		CreatedAt string `json:"created_at"`
	}
	if s, err := decode(sourceKey, sourceValue, &payload); s != nil || err != nil {
		if s != nil {
			return *s, nil
		}
		return TransformResult{}, err
	}

	return TransformResult{Records: []models.TargetRecord{&models.User{
		ID:        uuid.NewString(),
		SourceKey: sourceKey,
		Email:     strings.ToLower(strings.TrimSpace(payload.Email)),
		Plan:      payload.Plan,
		CreatedAt: models.ParseTime(payload.CreatedAt),
	}}}, nil
}

func transformSubscription(sourceKey, sourceValue string) (TransformResult, error) {
	var payload struct {
		Email            string `json:"email"`
		Tier             string `json:"tier"`
		Status           string `json:"status"`
		CurrentPeriodEnd string `json:"current_period_end"`
		CreatedAt        string `json:"created_at"`
	}
	if s, err := decode(sourceKey, sourceValue, &payload); s != nil || err != nil {
		if s != nil {
			return *s, nil
		}
		return TransformResult{}, err
	}

	return TransformResult{Records: []models.TargetRecord{&models.Subscription{
		ID:               uuid.NewString(),
		SourceKey:        sourceKey,
		Email:            strings.ToLower(strings.TrimSpace(payload.Email)),
		Tier:             payload.Tier,
		Status:           payload.Status,
		CurrentPeriodEnd: models.ParseTime(payload.CurrentPeriodEnd),
		CreatedAt:        models.ParseTime(payload.CreatedAt),
	}}}, nil
}

func transformAPIKey(sourceKey, sourceValue string) (TransformResult, error) {
	var payload struct {
		Email     string `json:"email"`
		KeyHash   string `json:"key_hash"`
		Label     string `json:"label"`
		CreatedAt string `json:"created_at"`
	}
	if s, err := decode(sourceKey, sourceValue, &payload); s != nil || err != nil {
		if s != nil {
			return *s, nil
		}
		return TransformResult{}, err
	}

	return TransformResult{Records: []models.TargetRecord{&models.APIKey{
		ID:        uuid.NewString(),
		SourceKey: sourceKey,
		Email:     strings.ToLower(strings.TrimSpace(payload.Email)),
		KeyHash:   payload.KeyHash,
		Label:     payload.Label,
		CreatedAt: models.ParseTime(payload.CreatedAt),
	}}}, nil
}

func transformThread(sourceKey, sourceValue string) (TransformResult, error) {
	var payload struct {
		Email     string   `json:"email"`
		Topic     string   `json:"topic"`
		Tweets    []string `json:"tweets"`
		Posted    bool     `json:"posted"`
		CreatedAt string   `json:"created_at"`
	}
	if s, err := decode(sourceKey, sourceValue, &payload); s != nil || err != nil {
		if s != nil {
			return *s, nil
		}
		return TransformResult{}, err
	}

	tweets, err := json.Marshal(payload.Tweets)
	if err != nil {
		return TransformResult{}, fmt.Errorf("encode tweets for %s: %w", sourceKey, err)
	}

	return TransformResult{Records: []models.TargetRecord{&models.Thread{
		ID:        uuid.NewString(),
		SourceKey: sourceKey,
		Email:     strings.ToLower(strings.TrimSpace(payload.Email)),
		Topic:     payload.Topic,
		Tweets:    string(tweets),
		Posted:    payload.Posted,
		CreatedAt: models.ParseTime(payload.CreatedAt),
	}}}, nil
}

// transformUsageFanout turns one monthly aggregate into one usage row per day,
// the one place a single source record becomes multiple target rows.
func transformUsageFanout(sourceKey, sourceValue string) (TransformResult, error) {
	var payload struct {
		Email string         `json:"email"`
		Days  map[string]int `json:"days"`
	}
	if s, err := decode(sourceKey, sourceValue, &payload); s != nil || err != nil {
		if s != nil {
			return *s, nil
		}
		return TransformResult{}, err
	}
	if len(payload.Days) == 0 {
		return skip("no usage recorded"), nil
	}

	days := make([]string, 0, len(payload.Days))
	for day := range payload.Days {
		days = append(days, day)
	}
	sort.Strings(days)

	records := make([]models.TargetRecord, 0, len(days))
	for _, day := range days {
		records = append(records, &models.UsageRecord{
			ID:          uuid.NewString(),
			SourceKey:   sourceKey,
			Email:       strings.ToLower(strings.TrimSpace(payload.Email)),
			Day:         models.ParseDay(day),
			DayKey:      day,
			Generations: payload.Days[day],
		})
	}
	return TransformResult{Records: records}, nil
}

func transformPaymentEvent(sourceKey, sourceValue string) (TransformResult, error) {
	var payload struct {
		Email       string `json:"email"`
		EventID     string `json:"event_id"`
		AmountCents int64  `json:"amount_cents"`
		Type        string `json:"type"`
		CreatedAt   string `json:"created_at"`
	}
	if s, err := decode(sourceKey, sourceValue, &payload); s != nil || err != nil {
		if s != nil {
			return *s, nil
		}
		return TransformResult{}, err
	}

	return TransformResult{Records: []models.TargetRecord{&models.PaymentEvent{
		ID:          uuid.NewString(),
		SourceKey:   sourceKey,
		Email:       strings.ToLower(strings.TrimSpace(payload.Email)),
		ProviderID:  payload.EventID,
		AmountCents: payload.AmountCents,
		EventType:   payload.Type,
		CreatedAt:   models.ParseTime(payload.CreatedAt),
	}}}, nil
}
