// Package domainconfig implements the versioned configuration contract of
// spec §4.J: mutable configurations (chart integration, credit/deposit
// integration) are persisted as DomainConfigurationRecord[T] rows; an
// update appends a new record and atomically flips a current-version
// pointer, and reads are served from an in-process cache that Update refills
// for its key and Invalidate drops. Update publishes no outbox event, and no
// outbox subscriber in this repository calls Invalidate.
//
// Grounded in config/config.go's normalize/Load/createDefault pattern for
// structured settings, generalized here from a single process-startup TOML
// file to a database-backed, versioned, audited record per configuration
// key, and in services/lendingd/config's YAML normalize()/validate() pair
// for the per-value validation hook.
package domainconfig

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/corerr"
)

// Record is one immutable version of a configuration key's value.
type Record struct {
	ID            int64     `gorm:"primaryKey;autoIncrement;column:id"`
	Key           string    `gorm:"column:key"`
	Version       int       `gorm:"column:version"`
	ValueJSON     []byte    `gorm:"column:value_json"`
	UpdatedBy     string    `gorm:"column:updated_by"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
	Reason        string    `gorm:"column:reason"`
	CorrelationID string    `gorm:"column:correlation_id"`
}

func (Record) TableName() string { return "domain_configuration_records" }

// CurrentPointer tracks which version is current for a key.
type CurrentPointer struct {
	Key            string `gorm:"primaryKey;column:key"`
	CurrentVersion int    `gorm:"column:current_version"`
}

func (CurrentPointer) TableName() string { return "domain_configuration_current" }

// Validator checks a proposed value before it becomes a new version.
type Validator func(value json.RawMessage) error

// Store persists DomainConfigurationRecord[T] rows and serves reads from an
// in-process cache; an entry changes only through this Store's own Update,
// Get or Invalidate calls, so another process's update is not seen until
// Invalidate is called for the key.
type Store struct {
	DB *gorm.DB

	mu         sync.RWMutex
	cache      map[string]json.RawMessage
	validators map[string]Validator
}

// NewStore constructs an empty Store bound to db.
func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db, cache: make(map[string]json.RawMessage), validators: make(map[string]Validator)}
}

// RegisterValidator attaches a validation hook for a configuration key,
// invoked by Update before the new version is persisted.
func (s *Store) RegisterValidator(key string, v Validator) {
	s.validators[key] = v
}

// Update appends a new version for key and flips the current pointer
// atomically. reason/correlationID are carried for audit purposes per §4.J.
func (s *Store) Update(ctx context.Context, key string, value any, updatedBy, reason, correlationID string) (int, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return 0, corerr.New(corerr.KindInvariantViolated, "domainconfig.Update", err)
	}
	if v, ok := s.validators[key]; ok {
		if err := v(body); err != nil {
			return 0, corerr.New(corerr.KindInvariantViolated, "domainconfig.Update", err)
		}
	}

	var newVersion int
	err = s.DB.WithContext(ctx).Transaction(func(op *gorm.DB) error {
		var pointer CurrentPointer
		err := op.Where("key = ?", key).First(&pointer).Error
		switch {
		case err == nil:
			newVersion = pointer.CurrentVersion + 1
		case corerr.Is(err, corerr.KindNotFound):
			newVersion = 1
		default:
			newVersion = 1
		}
		record := Record{
			Key: key, Version: newVersion, ValueJSON: body,
			UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC(),
			Reason: reason, CorrelationID: correlationID,
		}
		if err := op.Create(&record).Error; err != nil {
			return err
		}
		if err := op.Save(&CurrentPointer{Key: key, CurrentVersion: newVersion}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, corerr.New(corerr.KindLedgerError, "domainconfig.Update", err)
	}

	s.mu.Lock()
	s.cache[key] = body
	s.mu.Unlock()
	return newVersion, nil
}

// Get returns the current cached value for key, loading it from the
// database on a cold cache.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return json.Unmarshal(cached, out)
	}

	var pointer CurrentPointer
	if err := s.DB.WithContext(ctx).Where("key = ?", key).First(&pointer).Error; err != nil {
		return corerr.NotFound("domainconfig.Get", "configuration key", key)
	}
	var record Record
	if err := s.DB.WithContext(ctx).Where("key = ? AND version = ?", key, pointer.CurrentVersion).First(&record).Error; err != nil {
		return corerr.New(corerr.KindLedgerError, "domainconfig.Get", err)
	}

	s.mu.Lock()
	s.cache[key] = record.ValueJSON
	s.mu.Unlock()
	return json.Unmarshal(record.ValueJSON, out)
}

// Invalidate drops the cached value for key, forcing the next Get to
// reload from the database.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// CreditIntegrationConfig maps domain-role codes to ledger account-set ids
// for the credit module, per §4.E's "Integration config".
type CreditIntegrationConfig struct {
	FacilityOmnibusParentCode     string            `json:"facility_omnibus_parent_code"`
	InterestIncomeParentCode      string            `json:"interest_income_parent_code"`
	DisbursedReceivableParentCodes map[string]string `json:"disbursed_receivable_parent_codes"` // keyed "customer_type:term_length:overdue_state"
}

// DepositIntegrationConfig maps domain-role codes for the deposit module.
type DepositIntegrationConfig struct {
	OmnibusParentCode string `json:"omnibus_parent_code"`
}
