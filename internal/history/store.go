// Package history keeps a local, append-only record of missions and their transitions.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	dbmodel "nexus/cli/internal/db"
	"nexus/cli/internal/planner"
	"nexus/cli/internal/session"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultListLimit = 20

type Transition struct {
	Status session.TaskStatus
	Detail string
	At     time.Time
}

type Entry struct {
	Task        session.Task
	UpdatedAt   time.Time
	Transitions []Transition
}

type Store struct {
	db *gorm.DB
}

// NewStore uses a shared DB. Caller owns the db and closes it.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// RecordTask upserts the mission row and appends a transition when the status changed.
func (s *Store) RecordTask(ctx context.Context, t session.Task) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	plan, err := json.Marshal(nonNil(t.Plan))
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	row := dbmodel.Mission{
		MissionID:     t.ID,
		Description:   t.Description,
		Core:          string(t.Core),
		Status:        string(t.Status),
		PlanJSON:      string(plan),
		Explanation:   t.Explanation,
		ThoughtStream: t.ThoughtStream,
		LastError:     t.LastError,
		CreatedAt:     millis(t.CreatedAt),
		UpdatedAt:     now,
		FinishedAt:    millis(t.FinishedAt),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev dbmodel.Mission
		found := true
		if err := tx.Where("mission_id = ?", t.ID).Take(&prev).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			found = false
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mission_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "plan_json", "explanation", "thought_stream", "last_error", "updated_at", "finished_at",
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		if found && prev.Status == row.Status {
			return nil
		}
		return tx.Create(&dbmodel.MissionEvent{
			MissionID: t.ID,
			Status:    row.Status,
			Detail:    t.LastError,
			CreatedAt: now,
		}).Error
	})
}

// List returns missions newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows := make([]dbmodel.Mission, 0, limit)
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("mission_id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, toEntry(row))
	}
	return entries, nil
}

// Get returns one mission with its transitions in order.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	if s == nil || s.db == nil {
		return Entry{}, errors.New("history store is not initialized")
	}
	var row dbmodel.Mission
	if err := s.db.WithContext(ctx).Where("mission_id = ?", id).Take(&row).Error; err != nil {
		return Entry{}, err
	}
	entry := toEntry(row)
	var events []dbmodel.MissionEvent
	if err := s.db.WithContext(ctx).Where("mission_id = ?", id).Order("id").Find(&events).Error; err != nil {
		return Entry{}, err
	}
	for _, ev := range events {
		entry.Transitions = append(entry.Transitions, Transition{
			Status: session.TaskStatus(ev.Status),
			Detail: ev.Detail,
			At:     fromMillis(ev.CreatedAt),
		})
	}
	return entry, nil
}

func toEntry(row dbmodel.Mission) Entry {
	var plan []string
	_ = json.Unmarshal([]byte(row.PlanJSON), &plan)
	return Entry{
		Task: session.Task{
			ID:            row.MissionID,
			Description:   row.Description,
			Core:          planner.Core(row.Core),
			Status:        session.TaskStatus(row.Status),
			Plan:          plan,
			Explanation:   row.Explanation,
			ThoughtStream: row.ThoughtStream,
			CreatedAt:     fromMillis(row.CreatedAt),
			FinishedAt:    fromMillis(row.FinishedAt),
			LastError:     row.LastError,
		},
		UpdatedAt: fromMillis(row.UpdatedAt),
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
