package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("session record not found")

// SessionModel is one row of active_debates.
type SessionModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	Participant1 string `gorm:"size:36;not null;index"`
	Participant2 string `gorm:"size:36;not null;index"`
	Topic        string
	Status       string `gorm:"size:16;not null;index"`
	WinnerID     *string `gorm:"size:36"`
	StartedAt    time.Time
	EndedAt      *time.Time
	Data         []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SessionModel) TableName() string { return "active_debates" }

func toModel(rec domain.SessionRecord) SessionModel {
	m := SessionModel{
		ID:           string(rec.SessionID),
		Participant1: string(rec.Participant1),
		Participant2: string(rec.Participant2),
		Topic:        rec.Topic,
		Status:       string(rec.Status),
		StartedAt:    rec.StartedAt,
		Data:         rec.Data,
	}
	if rec.WinnerID != "" {
		w := string(rec.WinnerID)
		m.WinnerID = &w
	}
	if !rec.EndedAt.IsZero() {
		e := rec.EndedAt
		m.EndedAt = &e
	}
	return m
}

func (m SessionModel) record() domain.SessionRecord {
	rec := domain.SessionRecord{
		SessionID:    domain.SessionID(m.ID),
		Participant1: domain.ParticipantID(m.Participant1),
		Participant2: domain.ParticipantID(m.Participant2),
		Topic:        m.Topic,
		Status:       domain.SessionStatus(m.Status),
		StartedAt:    m.StartedAt,
		Data:         json.RawMessage(m.Data),
	}
	if m.WinnerID != nil {
		rec.WinnerID = domain.ParticipantID(*m.WinnerID)
	}
	if m.EndedAt != nil {
		rec.EndedAt = *m.EndedAt
	}
	return rec
}

type SessionRepository struct {
	db *PostgresDB
}

func NewSessionRepository(db *PostgresDB) *SessionRepository {
	return &SessionRepository{db: db}
}

// RecordStart inserts the row, or resets it to active when the session id
// was already used by an earlier attempt.
func (r *SessionRepository) RecordStart(ctx context.Context, rec domain.SessionRecord) error {
	return startQuery(r.db.WithContext(ctx), rec).Error
}

func startQuery(tx *gorm.DB, rec domain.SessionRecord) *gorm.DB {
	if rec.Status == "" {
		rec.Status = domain.SessionActive
	}
	m := toModel(rec)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "started_at", "ended_at", "winner_id", "updated_at"}),
	}).Create(&m)
}

func (r *SessionRepository) RecordEnd(ctx context.Context, rec domain.SessionRecord) error {
	res := endQuery(r.db.WithContext(ctx), rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func endQuery(tx *gorm.DB, rec domain.SessionRecord) *gorm.DB {
	updates := map[string]any{
		"status":   string(rec.Status),
		"ended_at": rec.EndedAt,
	}
	if rec.WinnerID != "" {
		updates["winner_id"] = string(rec.WinnerID)
	}
	if len(rec.Data) > 0 {
		updates["data"] = []byte(rec.Data)
	}
	return tx.Model(&SessionModel{}).Where("id = ?", string(rec.SessionID)).Updates(updates)
}

func (r *SessionRepository) Find(ctx context.Context, id domain.SessionID) (domain.SessionRecord, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return m.record(), nil
}

// ListByParticipant returns the participant's sessions, newest first.
func (r *SessionRepository) ListByParticipant(ctx context.Context, id domain.ParticipantID, limit int) ([]domain.SessionRecord, error) {
	var rows []SessionModel
	q := r.db.WithContext(ctx).
		Where("participant1 = ? OR participant2 = ?", string(id), string(id)).
		Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.SessionRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.record())
	}
	return out, nil
}
