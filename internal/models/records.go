package models

import (
	"time"
)

// TargetRecord is the typed intermediate produced by transforms and consumed
// by the inserters. Every migrated row carries the source key it came from,
// which is what makes re-runs conflict-safe.
type TargetRecord interface {
	TableName() string
	RecordID() string
	Key() string
}

// OwnerRef is implemented by records that reference a user through the email
// natural key. The user id is filled in from the cross-reference cache after
// transformation.
type OwnerRef interface {
	OwnerEmail() string
	SetUserID(id string)
	UserRef() string
}

type User struct {
	ID		string		`gorm:"primaryKey;type:uuid" json:"id"`
	SourceKey	string		`gorm:"uniqueIndex" json:"source_key"`
	Email		string		`gorm:"uniqueIndex" json:"email"`
	Plan		string		`json:"plan"`
	CreatedAt	time.Time	`json:"created_at"`
}

func (User) TableName() string   { return "users" }
func (u *User) RecordID() string { return u.ID }
func (u *User) Key() string      { return u.SourceKey }

type Subscription struct {
	ID			string		`gorm:"primaryKey;type:uuid" json:"id"`
	SourceKey		string		`gorm:"uniqueIndex" json:"source_key"`
	UserID			string		`gorm:"type:uuid;index" json:"user_id"`
	Email			string		`gorm:"-" json:"-"`
	Tier			string		`json:"tier"`
	Status			string		`json:"status"`
	CurrentPeriodEnd	time.Time	`json:"current_period_end"`
	CreatedAt		time.Time	`json:"created_at"`
}

func (Subscription) TableName() string      { return "subscriptions" }
func (s *Subscription) RecordID() string    { return s.ID }
func (s *Subscription) Key() string         { return s.SourceKey }
func (s *Subscription) OwnerEmail() string  { return s.Email }
func (s *Subscription) SetUserID(id string) { s.UserID = id }
func (s *Subscription) UserRef() string     { return s.UserID }

type Thread struct {
	ID		string		`gorm:"primaryKey;type:uuid" json:"id"`
	SourceKey	string		`gorm:"uniqueIndex" json:"source_key"`
	UserID		string		`gorm:"type:uuid;index" json:"user_id"`
	Email		string		`gorm:"-" json:"-"`
	Topic		string		`json:"topic"`
	Tweets		string		`json:"tweets"`
	Posted		bool		`json:"posted"`
	CreatedAt	time.Time	`json:"created_at"`
}

func (Thread) TableName() string      { return "threads" }
func (t *Thread) RecordID() string    { return t.ID }
func (t *Thread) Key() string         { return t.SourceKey }
func (t *Thread) OwnerEmail() string  { return t.Email }
func (t *Thread) SetUserID(id string) { t.UserID = id }
func (t *Thread) UserRef() string     { return t.UserID }

type APIKey struct {
	ID		string		`gorm:"primaryKey;type:uuid" json:"id"`
	SourceKey	string		`gorm:"uniqueIndex" json:"source_key"`
	UserID		string		`gorm:"type:uuid;index" json:"user_id"`
	Email		string		`gorm:"-" json:"-"`
	KeyHash		string		`json:"key_hash"`
	Label		string		`json:"label"`
	CreatedAt	time.Time	`json:"created_at"`
}

func (APIKey) TableName() string      { return "api_keys" }
func (k *APIKey) RecordID() string    { return k.ID }
func (k *APIKey) Key() string         { return k.SourceKey }
func (k *APIKey) OwnerEmail() string  { return k.Email }
func (k *APIKey) SetUserID(id string) { k.UserID = id }
func (k *APIKey) UserRef() string     { return k.UserID }

type UsageRecord struct {
	ID		string		`gorm:"primaryKey;type:uuid" json:"id"`
	SourceKey	string		`gorm:"uniqueIndex:idx_usage_src_day" json:"source_key"`
	UserID		string		`gorm:"type:uuid;index" json:"user_id"`
	Email		string		`gorm:"-" json:"-"`
	Day		time.Time	`json:"day"`
	DayKey		string		`gorm:"uniqueIndex:idx_usage_src_day" json:"day_key"`
	Generations	int		`json:"generations"`
	CreatedAt	time.Time	`json:"created_at"`
}

func (UsageRecord) TableName() string   { return "usage_records" }
func (u *UsageRecord) RecordID() string { return u.ID }

// Key returns the per-row conflict key. Usage aggregates fan out into one row
// per day, so the source key alone is not unique across the fan-out.
func (u *UsageRecord) Key() string         { return u.SourceKey + "#" + u.DayKey }
func (u *UsageRecord) OwnerEmail() string  { return u.Email }
func (u *UsageRecord) SetUserID(id string) { u.UserID = id }
func (u *UsageRecord) UserRef() string     { return u.UserID }

type PaymentEvent struct {
	ID		string		`gorm:"primaryKey;type:uuid" json:"id"`
	SourceKey	string		`gorm:"uniqueIndex" json:"source_key"`
	UserID		string		`gorm:"type:uuid;index" json:"user_id"`
	Email		string		`gorm:"-" json:"-"`
	ProviderID	string		`json:"provider_id"`
	AmountCents	int64		`json:"amount_cents"`
	EventType	string		`json:"event_type"`
	CreatedAt	time.Time	`json:"created_at"`
}

func (PaymentEvent) TableName() string      { return "payment_events" }
func (p *PaymentEvent) RecordID() string    { return p.ID }
func (p *PaymentEvent) Key() string         { return p.SourceKey }
func (p *PaymentEvent) OwnerEmail() string  { return p.Email }
func (p *PaymentEvent) SetUserID(id string) { p.UserID = id }
func (p *PaymentEvent) UserRef() string     { return p.UserID }

// Prototypes returns one zero value per target table, used for schema
// migration and for decoding rows by table name.
func Prototypes() []TargetRecord {
	return []TargetRecord{
		&User{}, &Subscription{}, &Thread{}, &APIKey{}, &UsageRecord{}, &PaymentEvent{},
	}
}

// PrototypeFor returns a fresh zero record for the given table.
func PrototypeFor(table string) (TargetRecord, bool) {
	switch table {
	case "users":
		return &User{}, true
	case "subscriptions":
		return &Subscription{}, true
	case "threads":
		return &Thread{}, true
	case "api_keys":
		return &APIKey{}, true
	case "usage_records":
		return &UsageRecord{}, true
	case "payment_events":
		return &PaymentEvent{}, true
	}
	return nil, false
}
