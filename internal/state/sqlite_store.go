package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	partitionStarted   = "started"
	partitionPending   = "pending"
	partitionFailed    = "failed"
	partitionCompleted = "completed"
	partitionBlocked   = "blocked"
)

type apiKeyRow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Provider    string `gorm:"not null"`
	Key         string `gorm:"not null"`
	URL         string `gorm:"not null"`
	Description string
	Email       string
	Tier        int
	MaxQuota    int
}

func (apiKeyRow) TableName() string { return "api_keys" }

type requestRow struct {
	ChildID            string `gorm:"primaryKey"`
	Partition          string `gorm:"index;not null"`
	RequestID          string `gorm:"index"`
	RequestTimestamp   int64
	StartedTimestamp   int64
	FailedTimestamp    int64
	CompletedTimestamp int64
	Attempts           int
	APIKeyJSON         string
	BlockedReason      string
}

func (requestRow) TableName() string { return "requests" }

// SQLiteStore persists the aggregate in a local SQLite database. Save
// replaces the whole snapshot inside one transaction, matching the
// Store contract of last-write-wins whole-aggregate durability.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open sqlite state db: %w", err)
	}
	if err := db.AutoMigrate(&apiKeyRow{}, &requestRow{}); err != nil {
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (SchedulerState, bool, error) {
	out := NewSchedulerState()

	var keyRows []apiKeyRow
	if err := s.db.WithContext(ctx).Order("id").Find(&keyRows).Error; err != nil {
		return SchedulerState{}, false, fmt.Errorf("load api keys: %w", err)
	}
	var reqRows []requestRow
	if err := s.db.WithContext(ctx).Find(&reqRows).Error; err != nil {
		return SchedulerState{}, false, fmt.Errorf("load requests: %w", err)
	}
	if len(keyRows) == 0 && len(reqRows) == 0 {
		return SchedulerState{}, false, nil
	}

	for _, row := range keyRows {
		out.APIKeys = append(out.APIKeys, APIKeyRecord{
			Provider:    row.Provider,
			Key:         row.Key,
			URL:         row.URL,
			Description: row.Description,
			Email:       row.Email,
			Tier:        row.Tier,
			MaxQuota:    row.MaxQuota,
		})
	}
	for _, row := range reqRows {
		rec := RequestRecord{
			RequestID:          row.RequestID,
			ChildID:            row.ChildID,
			RequestTimestamp:   row.RequestTimestamp,
			StartedTimestamp:   row.StartedTimestamp,
			FailedTimestamp:    row.FailedTimestamp,
			CompletedTimestamp: row.CompletedTimestamp,
			Attempts:           row.Attempts,
		}
		if row.APIKeyJSON != "" {
			var key APIKeyRecord
			if err := json.Unmarshal([]byte(row.APIKeyJSON), &key); err != nil {
				return SchedulerState{}, false, fmt.Errorf("decode api key for request %s: %w", row.ChildID, err)
			}
			rec.APIKey = &key
		}
		switch row.Partition {
		case partitionStarted:
			out.StartedRequests[rec.ChildID] = rec
		case partitionPending:
			out.PendingRequests[rec.ChildID] = rec
		case partitionFailed:
			out.FailedRequests[rec.ChildID] = rec
		case partitionCompleted:
			out.CompletedRequests[rec.ChildID] = rec
		case partitionBlocked:
			out.BlockedRequests[rec.ChildID] = BlockedRequestRecord{Request: rec, BlockedReason: row.BlockedReason}
		default:
			return SchedulerState{}, false, fmt.Errorf("unknown partition %q for request %s", row.Partition, row.ChildID)
		}
	}
	return out, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snapshot SchedulerState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&apiKeyRow{}).Error; err != nil {
			return fmt.Errorf("clear api keys: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&requestRow{}).Error; err != nil {
			return fmt.Errorf("clear requests: %w", err)
		}

		for _, key := range snapshot.APIKeys {
			row := apiKeyRow{
				Provider:    key.Provider,
				Key:         key.Key,
				URL:         key.URL,
				Description: key.Description,
				Email:       key.Email,
				Tier:        key.Tier,
				MaxQuota:    key.MaxQuota,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("save api key: %w", err)
			}
		}

		save := func(partition string, rec RequestRecord, blockedReason string) error {
			row := requestRow{
				ChildID:            rec.ChildID,
				Partition:          partition,
				RequestID:          rec.RequestID,
				RequestTimestamp:   rec.RequestTimestamp,
				StartedTimestamp:   rec.StartedTimestamp,
				FailedTimestamp:    rec.FailedTimestamp,
				CompletedTimestamp: rec.CompletedTimestamp,
				Attempts:           rec.Attempts,
				BlockedReason:      blockedReason,
			}
			if rec.APIKey != nil {
				raw, err := json.Marshal(rec.APIKey)
				if err != nil {
					return fmt.Errorf("encode api key for request %s: %w", rec.ChildID, err)
				}
				row.APIKeyJSON = string(raw)
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("save request %s: %w", rec.ChildID, err)
			}
			return nil
		}

		for _, rec := range snapshot.StartedRequests {
			if err := save(partitionStarted, rec, ""); err != nil {
				return err
			}
		}
		for _, rec := range snapshot.PendingRequests {
			if err := save(partitionPending, rec, ""); err != nil {
				return err
			}
		}
		for _, rec := range snapshot.FailedRequests {
			if err := save(partitionFailed, rec, ""); err != nil {
				return err
			}
		}
		for _, rec := range snapshot.CompletedRequests {
			if err := save(partitionCompleted, rec, ""); err != nil {
				return err
			}
		}
		for _, blocked := range snapshot.BlockedRequests {
			if err := save(partitionBlocked, blocked.Request, blocked.BlockedReason); err != nil {
				return err
			}
		}
		return nil
	})
}
