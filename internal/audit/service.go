package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Repository menyediakan akses baca ke entri audit.
type Repository interface {
	TimelineWindow(ctx context.Context, q TimelineQuery) ([]Entry, error)
	TimelineAll(ctx context.Context, q TimelineQuery) ([]Entry, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	q := toQuery(filters)
	q.Offset = (page - 1) * pageSize
	q.Limit = pageSize + 1
	rows, err := s.repo.TimelineWindow(ctx, q)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export mengambil seluruh data timeline tanpa paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.TimelineAll(ctx, toQuery(filters))
}

func toQuery(filters TimelineFilters) TimelineQuery {
	return TimelineQuery{
		From:      filters.From,
		To:        filters.To,
		ActorID:   filters.ActorID,
		SubjectID: filters.SubjectID,
		EventType: filters.EventType,
		Category:  filters.Category,
	}
}

var csvHeader = []string{"at", "event_type", "category", "severity", "success", "actor_id", "subject_id", "description", "data"}

// WriteCSV menulis entri audit ke format CSV.
func WriteCSV(rows []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		data := ""
		if len(row.Data) > 0 {
			raw, err := json.Marshal(row.Data)
			if err != nil {
				return nil, fmt.Errorf("audit: encode data for %s: %w", row.ID, err)
			}
			data = string(raw)
		}
		record := []string{
			row.At.UTC().Format(time.RFC3339),
			row.EventType,
			string(row.Category),
			string(row.Severity),
			strconv.FormatBool(row.Success),
			refString(row.ActorID),
			refString(row.SubjectID),
			row.Description,
			data,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
