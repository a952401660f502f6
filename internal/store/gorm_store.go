package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	db, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	if err := db.AutoMigrate(&callRow{}, &agentRow{}, &customerRow{}); err != nil {
		return nil, fmt.Errorf("migrate gorm store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateCall(ctx context.Context, rec CallRecord) error {
	if err := validateID("call id", rec.CallID); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = CallStatusRinging
	}
	row := callRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (s *GormStore) MarkOngoing(ctx context.Context, callID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&callRow{}).Where("call_id = ?", callID).Updates(map[string]any{
		"status":      string(CallStatusOngoing),
		"accepted_at": &at,
		"updated_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("mark call ongoing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) Finalize(ctx context.Context, callID string, f Finalization) error {
	res := s.db.WithContext(ctx).Model(&callRow{}).Where("call_id = ?", callID).Updates(map[string]any{
		"status":       string(f.Status),
		"ended_at":     &f.EndedAt,
		"duration_sec": int64(f.Duration / time.Second),
		"end_cause":    f.Cause,
		"updated_at":   time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("finalize call: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	var row callRow
	if err := s.db.WithContext(ctx).Where("call_id = ?", callID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CallRecord{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
		}
		return CallRecord{}, fmt.Errorf("get call: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) GetCustomer(ctx context.Context, customerID string) (CustomerProfile, error) {
	var row customerRow
	if err := s.db.WithContext(ctx).Where("customer_id = ?", customerID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CustomerProfile{}, fmt.Errorf("customer %s: %w", customerID, ErrNotFound)
		}
		return CustomerProfile{}, fmt.Errorf("get customer: %w", err)
	}
	return CustomerProfile{ID: row.CustomerID, Name: row.Name, Email: row.Email}, nil
}

func (s *GormStore) UpsertCustomer(ctx context.Context, profile CustomerProfile) error {
	if err := validateID("customer id", profile.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	row := customerRow{
		CustomerID: profile.ID,
		Name:       profile.Name,
		Email:      profile.Email,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "email", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *GormStore) GetAgent(ctx context.Context, agentID string) (AgentRecord, error) {
	var row agentRow
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return AgentRecord{}, fmt.Errorf("get agent: %w", err)
	}
	return row.toRecord(), nil
}

// SetAgentStatus upserts the agent row, creating it on first sight.
func (s *GormStore) SetAgentStatus(ctx context.Context, agentID, status string, at time.Time) error {
	if err := validateID("agent id", agentID); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := agentRow{
		AgentID:      agentID,
		Status:       status,
		LastStatusAt: at,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "last_status_at", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

type callRow struct {
	CallID      string     `gorm:"primaryKey;size:64"`
	AgentID     string     `gorm:"size:191;not null;index"`
	CustomerID  string     `gorm:"size:191;not null;index"`
	Status      string     `gorm:"size:32;not null"`
	StartedAt   time.Time  `gorm:"not null"`
	AcceptedAt  *time.Time `gorm:"default:null"`
	EndedAt     *time.Time `gorm:"default:null"`
	DurationSec int64      `gorm:"not null;default:0"`
	EndCause    string     `gorm:"size:64"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (callRow) TableName() string { return "call_records" }

func callRowFromRecord(rec CallRecord) callRow {
	now := time.Now().UTC()
	return callRow{
		CallID:      rec.CallID,
		AgentID:     rec.AgentID,
		CustomerID:  rec.CustomerID,
		Status:      string(rec.Status),
		StartedAt:   rec.StartedAt,
		AcceptedAt:  rec.AcceptedAt,
		EndedAt:     rec.EndedAt,
		DurationSec: rec.DurationSec,
		EndCause:    rec.EndCause,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r callRow) toRecord() CallRecord {
	return CallRecord{
		CallID:      r.CallID,
		AgentID:     r.AgentID,
		CustomerID:  r.CustomerID,
		Status:      CallStatus(r.Status),
		StartedAt:   r.StartedAt,
		AcceptedAt:  r.AcceptedAt,
		EndedAt:     r.EndedAt,
		DurationSec: r.DurationSec,
		EndCause:    r.EndCause,
	}
}

type agentRow struct {
	AgentID      string    `gorm:"primaryKey;size:191"`
	Name         string    `gorm:"size:256"`
	Status       string    `gorm:"size:32;not null"`
	LastStatusAt time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (agentRow) TableName() string { return "agents" }

func (r agentRow) toRecord() AgentRecord {
	return AgentRecord{
		ID:           r.AgentID,
		Name:         r.Name,
		Status:       r.Status,
		LastStatusAt: r.LastStatusAt,
	}
}

type customerRow struct {
	CustomerID string    `gorm:"primaryKey;size:191"`
	Name       string    `gorm:"size:256"`
	Email      string    `gorm:"size:320"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (customerRow) TableName() string { return "customers" }
