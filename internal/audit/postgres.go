package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink writes entries into audit_events and serves the timeline queries.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink returns a sink backed by pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Write persists the entry.
func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("audit sink not initialised")
	}
	if entry.EventType == "" || entry.Category == "" {
		return errors.New("audit entry requires event_type/category")
	}
	dataJSON, err := json.Marshal(entry.Data)
	if err != nil {
		return err
	}
	secJSON, err := json.Marshal(entry.SecurityContext)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_events
		(id, event_type, category, description, actor_id, subject_id, severity, success, data, security_context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))`,
		entry.ID, entry.EventType, string(entry.Category), entry.Description,
		optionalUUID(entry.ActorID), optionalUUID(entry.SubjectID),
		string(entry.Severity), entry.Success, dataJSON, secJSON, toPgTime(entry.At))
	return err
}

const timelineSelect = `SELECT id, event_type, category, description, actor_id, subject_id, severity, success, data, security_context, occurred_at
	FROM audit_events`

// TimelineWindow returns one page of matching entries newest first.
func (s *PostgresSink) TimelineWindow(ctx context.Context, q TimelineQuery) ([]Entry, error) {
	where, args := timelineWhere(q)
	args = append(args, q.Limit, q.Offset)
	sql := fmt.Sprintf("%s%s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d", timelineSelect, where, len(args)-1, len(args))
	return s.queryEntries(ctx, sql, args...)
}

// TimelineAll returns every matching entry newest first.
func (s *PostgresSink) TimelineAll(ctx context.Context, q TimelineQuery) ([]Entry, error) {
	where, args := timelineWhere(q)
	return s.queryEntries(ctx, timelineSelect+where+" ORDER BY occurred_at DESC, id DESC", args...)
}

func timelineWhere(q TimelineQuery) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !q.From.IsZero() {
		add("occurred_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at < $%d", q.To)
	}
	if q.ActorID != nil {
		add("actor_id = $%d", *q.ActorID)
	}
	if q.SubjectID != nil {
		add("subject_id = $%d", *q.SubjectID)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.Category != "" {
		add("category = $%d", string(q.Category))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresSink) queryEntries(ctx context.Context, sql string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("audit: scan timeline: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e               Entry
		category, sev   string
		actor, subject  pgtype.UUID
		dataRaw, secRaw []byte
		occurredAt      pgtype.Timestamptz
	)
	if err := row.Scan(&e.ID, &e.EventType, &category, &e.Description, &actor, &subject, &sev, &e.Success, &dataRaw, &secRaw, &occurredAt); err != nil {
		return Entry{}, err
	}
	e.Category = Category(category)
	e.Severity = Severity(sev)
	e.ActorID = fromPgUUID(actor)
	e.SubjectID = fromPgUUID(subject)
	if occurredAt.Valid {
		e.At = occurredAt.Time.UTC()
	}
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &e.Data); err != nil {
			return Entry{}, err
		}
	}
	if len(secRaw) > 0 {
		if err := json.Unmarshal(secRaw, &e.SecurityContext); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func fromPgUUID(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}
