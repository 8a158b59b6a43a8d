package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/queue"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

// ---- RunRepository mock ----

var _ repository.RunRepository = (*RunRepository)(nil)

// RunRepository is a test double for repository.RunRepository.
type RunRepository struct {
	mu sync.Mutex

	StartFn        func(ctx context.Context, run *domain.Run) error
	FinishFn       func(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg string) error
	ResetRunningFn func(ctx context.Context, task domain.Task) (int, error)

	// Recorded calls for assertions.
	Started  []domain.Run
	Finished []FinishCall
	Resets   []domain.Task
}

type FinishCall struct {
	ID     uuid.UUID
	Status domain.RunStatus
	Error  string
}

func (m *RunRepository) Start(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	m.Started = append(m.Started, *run)
	m.mu.Unlock()
	if m.StartFn != nil {
		return m.StartFn(ctx, run)
	}
	return nil
}

func (m *RunRepository) Finish(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg string) error {
	m.mu.Lock()
	m.Finished = append(m.Finished, FinishCall{ID: id, Status: status, Error: errMsg})
	m.mu.Unlock()
	if m.FinishFn != nil {
		return m.FinishFn(ctx, id, status, errMsg)
	}
	return nil
}

func (m *RunRepository) ResetRunning(ctx context.Context, task domain.Task) (int, error) {
	m.mu.Lock()
	m.Resets = append(m.Resets, task)
	m.mu.Unlock()
	if m.ResetRunningFn != nil {
		return m.ResetRunningFn(ctx, task)
	}
	return 0, nil
}

// FinishedCalls returns a copy of the recorded Finish calls.
func (m *RunRepository) FinishedCalls() []FinishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FinishCall(nil), m.Finished...)
}

// ---- TradeRequestRepository mock ----

var _ repository.TradeRequestRepository = (*TradeRequestRepository)(nil)

// TradeRequestRepository is a test double for repository.TradeRequestRepository.
type TradeRequestRepository struct {
	mu sync.Mutex

	ClaimPendingFn func(ctx context.Context, task domain.Task, limit int) ([]domain.TradeRequest, error)

	Claims []domain.Task
}

func (m *TradeRequestRepository) ClaimPending(ctx context.Context, task domain.Task, limit int) ([]domain.TradeRequest, error) {
	m.mu.Lock()
	m.Claims = append(m.Claims, task)
	m.mu.Unlock()
	if m.ClaimPendingFn != nil {
		return m.ClaimPendingFn(ctx, task, limit)
	}
	return nil, nil
}

// ---- ExecutionRepository mock ----

var _ repository.ExecutionRepository = (*ExecutionRepository)(nil)

// ExecutionRepository is a test double for repository.ExecutionRepository.
type ExecutionRepository struct {
	mu sync.Mutex

	RecordFn func(ctx context.Context, batchID uuid.UUID, rec domain.ExecutionRecord) error

	Records []domain.ExecutionRecord
}

func (m *ExecutionRepository) Record(ctx context.Context, batchID uuid.UUID, rec domain.ExecutionRecord) error {
	m.mu.Lock()
	m.Records = append(m.Records, rec)
	m.mu.Unlock()
	if m.RecordFn != nil {
		return m.RecordFn(ctx, batchID, rec)
	}
	return nil
}

// ---- ExecutionLedger mock ----

var _ repository.ExecutionLedger = (*ExecutionLedger)(nil)

// ExecutionLedger is an in-memory test double for repository.ExecutionLedger.
type ExecutionLedger struct {
	mu sync.Mutex

	LookupErr error

	results map[uuid.UUID]domain.TradeResult
}

func (m *ExecutionLedger) Lookup(_ context.Context, requestID uuid.UUID) (*domain.TradeResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LookupErr != nil {
		return nil, false, m.LookupErr
	}
	res, ok := m.results[requestID]
	if !ok {
		return nil, false, nil
	}
	return &res, true, nil
}

func (m *ExecutionLedger) Remember(_ context.Context, requestID uuid.UUID, result *domain.TradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[uuid.UUID]domain.TradeResult)
	}
	if _, ok := m.results[requestID]; !ok {
		m.results[requestID] = *result
	}
	return nil
}

// ---- Broker mock ----

// Broker is a test double for the trade broker client.
type Broker struct {
	mu sync.Mutex

	ExecuteFn func(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error)

	ExecuteCalls []domain.TradeRequest
}

func (m *Broker) Execute(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error) {
	m.mu.Lock()
	m.ExecuteCalls = append(m.ExecuteCalls, req)
	m.mu.Unlock()
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, req)
	}
	return &domain.TradeResult{
		OrderID:        "order-" + req.ID.String(),
		Status:         "filled",
		FilledQuantity: req.Quantity,
	}, nil
}

// Calls returns a copy of the recorded Execute calls.
func (m *Broker) Calls() []domain.TradeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TradeRequest(nil), m.ExecuteCalls...)
}

// ---- Queue mock ----

var (
	_ queue.Queue     = (*Queue)(nil)
	_ queue.Publisher = (*Queue)(nil)
)

// Published is one recorded Publish call.
type Published struct {
	ID   string
	Body []byte
}

// Queue is a test double for queue.Queue and queue.Publisher. ReceiveBatch returns nothing.
type Queue struct {
	mu sync.Mutex

	DeleteFn  func(ctx context.Context, receipt string) error
	PublishFn func(ctx context.Context, id string, body []byte) error

	Deleted   []string
	Published []Published
}

func (m *Queue) ReceiveBatch(context.Context, int, time.Duration) ([]queue.Message, error) {
	return nil, nil
}

func (m *Queue) Delete(ctx context.Context, receipt string) error {
	if m.DeleteFn != nil {
		if err := m.DeleteFn(ctx, receipt); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Deleted = append(m.Deleted, receipt)
	m.mu.Unlock()
	return nil
}

func (m *Queue) Publish(ctx context.Context, id string, body []byte) error {
	if m.PublishFn != nil {
		if err := m.PublishFn(ctx, id, body); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Published = append(m.Published, Published{ID: id, Body: body})
	m.mu.Unlock()
	return nil
}

// DeletedReceipts returns a copy of the acknowledged receipts.
func (m *Queue) DeletedReceipts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Deleted...)
}
