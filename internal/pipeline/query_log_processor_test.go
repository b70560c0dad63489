package pipeline

import (
	"context"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/pkg/tasks"
	"errors"
	"testing"
	"time"
)

type recordingQueryLogRepo struct {
	created []model.QueryLog
	err     error
}

func (r *recordingQueryLogRepo) Create(entry *model.QueryLog) error {
	if r.err != nil {
		return r.err
	}
	r.created = append(r.created, *entry)
	return nil
}

func (r *recordingQueryLogRepo) FindRecent(limit int) ([]model.QueryLog, error) {
	return r.created, nil
}

func TestQueryLogProcessor(t *testing.T) {
	repo := &recordingQueryLogRepo{}
	p := NewQueryLogProcessor(repo)
	now := time.Now()

	err := p.Process(context.Background(), tasks.QueryLogTask{
		RequestID:     "req-1",
		Query:         "What are the steps in MDMP?",
		Source:        model.SourceLabelPDF,
		TotalResults:  12,
		ExpandedTerms: []string{"What are the steps in MDMP?", "What are the steps in Military Decision Making Process?"},
		Status:        model.QueryStatusAnswered,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("created %d rows, want 1", len(repo.created))
	}
	got := repo.created[0]
	if got.ExpandedTerms != "What are the steps in MDMP?\nWhat are the steps in Military Decision Making Process?" {
		t.Errorf("ExpandedTerms = %q", got.ExpandedTerms)
	}
	if got.TotalResults != 12 || !got.CreatedAt.Equal(now) {
		t.Errorf("row = %+v", got)
	}

	repo.err = errors.New("db down")
	if err := p.Process(context.Background(), tasks.QueryLogTask{RequestID: "req-2"}); err == nil {
		t.Error("Process() error = nil, want repository error")
	}
}
