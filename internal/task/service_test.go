package task

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "QuizChain/internal/errors"
	storagemysql "QuizChain/internal/storage/mysql"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return errors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidatesRequest(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 2)
	ctx := context.Background()

	cases := []SubmitRequest{
		{PrincipalID: "", StartURL: "https://quiz.example/1"},
		{PrincipalID: "p", StartURL: ""},
		{PrincipalID: "p", StartURL: "ftp://quiz.example/1"},
		{PrincipalID: "p", StartURL: "/relative/path"},
	}
	for _, req := range cases {
		if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeTaskValidation {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestServiceSubmitIsIdempotentByID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)
	ctx := context.Background()

	first, err := service.Submit(ctx, SubmitRequest{ID: "run-1", PrincipalID: "p", StartURL: "https://quiz.example/1", Metadata: map[string]any{"source": "test"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != DefaultMaxRetries || first.CurrentURL != "https://quiz.example/1" || first.Status != StatusPending {
		t.Fatalf("unexpected run: %+v", first)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "run-1", PrincipalID: "other", StartURL: "https://quiz.example/2"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.PrincipalID != "p" {
		t.Fatalf("expected existing run, got %+v", second)
	}
	if ids := drainQueue(queue); len(ids) != 1 {
		t.Fatalf("expected one publish, got %v", ids)
	}

	generated, err := service.Submit(ctx, SubmitRequest{PrincipalID: "p", StartURL: "https://quiz.example/1"})
	if err != nil {
		t.Fatalf("submit without id: %v", err)
	}
	if generated.ID == "" || generated.ID == "run-1" {
		t.Fatalf("expected generated id, got %q", generated.ID)
	}
}

func TestServiceSubmitMarksRunFailedWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 2)
	ctx := context.Background()

	_, err := service.Submit(ctx, SubmitRequest{ID: "run-1", PrincipalID: "p", StartURL: "https://quiz.example/1"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusFailed || !task.Done() {
		t.Fatalf("expected terminal failure, got %+v", task)
	}
}

func TestServiceCancelReportsState(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 2, WithRegistry(NewRegistry()))
	ctx := context.Background()

	submitRun(t, service, "run-1")
	canceled, err := service.Cancel(ctx, "run-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Fatalf("unexpected status: %s", canceled.Status)
	}
	if _, err := service.Cancel(ctx, "run-1"); !IsTaskError(err, CodeTaskCanceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if _, err := service.Cancel(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceStepsReadsJournal(t *testing.T) {
	journal, err := storagemysql.NewMemoryJournal(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 2, WithStepJournal(journal))
	ctx := context.Background()

	submitRun(t, service, "run-1")
	if err := journal.Save(ctx, storagemysql.StepRecord{RunID: "run-1", Sequence: 1, URL: "https://quiz.example/1", Submitted: true, Correct: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := journal.Save(ctx, storagemysql.StepRecord{RunID: "other", Sequence: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	steps, err := service.Steps(ctx, "run-1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 1 || steps[0].URL != "https://quiz.example/1" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	if _, err := service.Steps(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 2)
	ctx := context.Background()

	submitRun(t, service, "run-1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.MarkSucceeded(context.Background(), "run-1", RunResult{Termination: "finished", Steps: 1})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := service.WaitUntilCompleted(waitCtx, "run-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Fatalf("unexpected status: %s", task.Status)
	}

	submitRun(t, service, "run-2")
	shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()
	if _, err := service.WaitUntilCompleted(shortCtx, "run-2", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
