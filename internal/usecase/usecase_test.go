package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/lock"
	"github.com/Harsh-BH/tradeguard/internal/pool"
	"github.com/Harsh-BH/tradeguard/internal/queue"
	"github.com/Harsh-BH/tradeguard/internal/repository/memory"
	"github.com/Harsh-BH/tradeguard/internal/repository/mock"
	"github.com/Harsh-BH/tradeguard/internal/schedule"
	"github.com/Harsh-BH/tradeguard/internal/usecase"
)

func newRegistry(t *testing.T) *schedule.Registry {
	t.Helper()
	shared := func(self domain.Task) []domain.Task {
		all := []domain.Task{
			domain.TaskMarketSignal,
			domain.TaskAllocationRecommendationExisting,
			domain.TaskAllocationRecommendationNew,
			domain.TaskTradeExecution,
		}
		var out []domain.Task
		for _, t := range all {
			if t != self {
				out = append(out, t)
			}
		}
		return out
	}
	r, err := schedule.NewRegistry([]schedule.Definition{
		{Task: domain.TaskMarketSignal, Cron: "*/15 * * * *", LockTTL: time.Minute, Compatible: shared(domain.TaskMarketSignal)},
		{Task: domain.TaskAllocationRecommendationExisting, Cron: "0 9 * * *", LockTTL: time.Minute, Compatible: shared(domain.TaskAllocationRecommendationExisting)},
		{Task: domain.TaskAllocationRecommendationNew, Cron: "0 10 * * *", LockTTL: time.Minute, Compatible: shared(domain.TaskAllocationRecommendationNew)},
		{Task: domain.TaskAllocationAudit, Cron: "0 2 * * *", LockTTL: time.Minute},
	}, time.UTC)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

type scheduleFixture struct {
	uc    *usecase.ScheduleUsecase
	locks *lock.Manager
	runs  *mock.RunRepository
}

func newScheduleFixture(t *testing.T, body usecase.JobBody) *scheduleFixture {
	t.Helper()
	reg := newRegistry(t)
	runs := &mock.RunRepository{}
	locks := lock.NewManager(memory.NewLockStore(), runs, reg.Namespace(), "test", zap.NewNop())
	uc := usecase.NewScheduleUsecase(reg, locks, runs, body, zap.NewNop())
	t.Cleanup(func() { _ = uc.Shutdown(context.Background()) })
	return &scheduleFixture{uc: uc, locks: locks, runs: runs}
}

// ---- ScheduleUsecase ----

func TestScheduleRun_StartsAndCompletes(t *testing.T) {
	var ran domain.Task
	f := newScheduleFixture(t, func(ctx context.Context, run *domain.Run) error {
		ran = run.Task
		return nil
	})
	ctx := context.Background()

	resp, err := f.uc.Run(ctx, domain.TaskAllocationAudit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != domain.ScheduleStarted || resp.Task != domain.TaskAllocationAudit {
		t.Fatalf("unexpected response %+v", resp)
	}
	f.uc.Wait()

	if ran != domain.TaskAllocationAudit {
		t.Errorf("expected body to run for allocationAudit, got %q", ran)
	}
	finished := f.runs.FinishedCalls()
	if len(finished) != 1 || finished[0].Status != domain.RunSucceeded {
		t.Fatalf("expected one succeeded run, got %+v", finished)
	}
	if f.runs.Started[0].Status != domain.RunRunning {
		t.Errorf("expected run to start in running state, got %s", f.runs.Started[0].Status)
	}

	state, _ := f.locks.Inspect(ctx, domain.TaskAllocationAudit.String())
	if state.Locked {
		t.Error("expected the task lock to be released after the run")
	}
}

func TestScheduleRun_SkippedWhileLocked(t *testing.T) {
	release := make(chan struct{})
	f := newScheduleFixture(t, func(ctx context.Context, run *domain.Run) error {
		<-release
		return nil
	})
	ctx := context.Background()

	first, err := f.uc.Run(ctx, domain.TaskAllocationAudit)
	if err != nil || first.Status != domain.ScheduleStarted {
		t.Fatalf("expected first run to start, resp=%+v err=%v", first, err)
	}

	second, err := f.uc.Run(ctx, domain.TaskAllocationAudit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != domain.ScheduleSkippedLock {
		t.Fatalf("expected skipped_lock, got %s", second.Status)
	}

	// Audit declares nothing compatible, so other tasks are skipped too.
	other, _ := f.uc.Run(ctx, domain.TaskMarketSignal)
	if other.Status != domain.ScheduleSkippedLock {
		t.Fatalf("expected marketSignal to be skipped while audit runs, got %s", other.Status)
	}

	close(release)
	f.uc.Wait()

	again, _ := f.uc.Run(ctx, domain.TaskAllocationAudit)
	if again.Status != domain.ScheduleStarted {
		t.Fatalf("expected run after release to start, got %s", again.Status)
	}
	f.uc.Wait()
}

func TestScheduleRun_CompatibleTasksRunTogether(t *testing.T) {
	release := make(chan struct{})
	f := newScheduleFixture(t, func(ctx context.Context, run *domain.Run) error {
		<-release
		return nil
	})
	ctx := context.Background()
	defer func() {
		close(release)
		f.uc.Wait()
	}()

	a, _ := f.uc.Run(ctx, domain.TaskAllocationRecommendationExisting)
	b, _ := f.uc.Run(ctx, domain.TaskAllocationRecommendationNew)
	if a.Status != domain.ScheduleStarted || b.Status != domain.ScheduleStarted {
		t.Fatalf("expected compatible tasks to both start, got %s and %s", a.Status, b.Status)
	}

	audit, _ := f.uc.Run(ctx, domain.TaskAllocationAudit)
	if audit.Status != domain.ScheduleSkippedLock {
		t.Fatalf("expected audit to be skipped, got %s", audit.Status)
	}
}

func TestScheduleRun_BodyFailure(t *testing.T) {
	f := newScheduleFixture(t, func(ctx context.Context, run *domain.Run) error {
		return errors.New("market data unavailable")
	})

	if _, err := f.uc.Run(context.Background(), domain.TaskMarketSignal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.uc.Wait()

	finished := f.runs.FinishedCalls()
	if len(finished) != 1 || finished[0].Status != domain.RunFailed || finished[0].Error == "" {
		t.Fatalf("expected failed run with error, got %+v", finished)
	}
}

func TestScheduleRun_BodyPanic(t *testing.T) {
	f := newScheduleFixture(t, func(ctx context.Context, run *domain.Run) error {
		panic("nil map")
	})

	if _, err := f.uc.Run(context.Background(), domain.TaskMarketSignal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.uc.Wait()

	finished := f.runs.FinishedCalls()
	if len(finished) != 1 || finished[0].Status != domain.RunFailed {
		t.Fatalf("expected failed run after panic, got %+v", finished)
	}
	state, _ := f.locks.Inspect(context.Background(), domain.TaskMarketSignal.String())
	if state.Locked {
		t.Error("expected lock to be released after panic")
	}
}

func TestScheduleRun_UnknownTask(t *testing.T) {
	f := newScheduleFixture(t, func(context.Context, *domain.Run) error { return nil })

	if _, err := f.uc.Run(context.Background(), domain.TaskTradeExecution); !errors.Is(err, domain.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestScheduleRun_StartRunFailureReleasesLock(t *testing.T) {
	f := newScheduleFixture(t, func(context.Context, *domain.Run) error { return nil })
	f.runs.StartFn = func(ctx context.Context, run *domain.Run) error {
		return errors.New("db down")
	}

	if _, err := f.uc.Run(context.Background(), domain.TaskMarketSignal); err == nil {
		t.Fatal("expected error when the run row cannot be written")
	}
	state, _ := f.locks.Inspect(context.Background(), domain.TaskMarketSignal.String())
	if state.Locked {
		t.Error("expected lock to be released when the run could not start")
	}
}

func TestScheduleRun_RefusedAfterShutdown(t *testing.T) {
	f := newScheduleFixture(t, func(context.Context, *domain.Run) error { return nil })

	if err := f.uc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, err := f.uc.Run(context.Background(), domain.TaskMarketSignal)
	if !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if len(f.runs.Started) != 0 {
		t.Error("no run may start after shutdown")
	}
	state, _ := f.locks.Inspect(context.Background(), domain.TaskMarketSignal.String())
	if state.Locked {
		t.Error("a refused run must not leave its lock behind")
	}
}

// Test: triggers racing Shutdown either start and finish, or are refused.
func TestScheduleRun_RacingShutdown(t *testing.T) {
	f := newScheduleFixture(t, func(ctx context.Context, _ *domain.Run) error {
		<-ctx.Done()
		return nil
	})
	tasks := []domain.Task{
		domain.TaskMarketSignal,
		domain.TaskAllocationRecommendationExisting,
		domain.TaskAllocationRecommendationNew,
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(task domain.Task) {
			defer wg.Done()
			_, err := f.uc.Run(context.Background(), task)
			if err != nil && !errors.Is(err, domain.ErrShuttingDown) {
				t.Errorf("unexpected error: %v", err)
			}
		}(tasks[i%len(tasks)])
	}
	if err := f.uc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	wg.Wait()
	f.uc.Wait()

	if started, finished := len(f.runs.Started), len(f.runs.FinishedCalls()); started != finished {
		t.Fatalf("every started run must finish, started=%d finished=%d", started, finished)
	}
}

func TestScheduleLockStateAndRelease(t *testing.T) {
	release := make(chan struct{})
	f := newScheduleFixture(t, func(ctx context.Context, run *domain.Run) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	f.runs.ResetRunningFn = func(ctx context.Context, task domain.Task) (int, error) { return 1, nil }
	ctx := context.Background()

	state, err := f.uc.LockState(ctx, domain.TaskAllocationAudit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Locked || state.TTLMs != nil {
		t.Fatalf("expected unlocked state, got %+v", state)
	}

	_, _ = f.uc.Run(ctx, domain.TaskAllocationAudit)

	state, _ = f.uc.LockState(ctx, domain.TaskAllocationAudit)
	if !state.Locked || state.TTLMs == nil || *state.TTLMs <= 0 || *state.TTLMs > 60000 {
		t.Fatalf("unexpected locked state %+v", state)
	}

	out, err := f.uc.ReleaseLock(ctx, domain.TaskAllocationAudit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Released || out.Locked || out.RecoveredRunningCount == nil || *out.RecoveredRunningCount != 1 {
		t.Fatalf("unexpected release outcome %+v", out)
	}

	close(release)
	f.uc.Wait()
}

func TestSchedulePlan(t *testing.T) {
	f := newScheduleFixture(t, func(context.Context, *domain.Run) error { return nil })

	plan, err := f.uc.Plan(domain.TaskAllocationAudit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.CronExpression != "0 2 * * *" || plan.Timezone != "UTC" || !plan.RunAt.After(time.Now()) {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

// ---- TradeDispatcher ----

func tradeRequest(account, symbol string) domain.TradeRequest {
	return domain.TradeRequest{
		ID:       uuid.New(),
		Account:  account,
		Symbol:   symbol,
		Side:     domain.SideBuy,
		Quantity: decimal.NewFromInt(5),
	}
}

func TestDispatchPendingTrades_GroupsByAccount(t *testing.T) {
	pending := []domain.TradeRequest{
		tradeRequest("acc-1", "AAPL"),
		tradeRequest("acc-2", "MSFT"),
		tradeRequest("acc-1", "NVDA"),
	}
	requests := &mock.TradeRequestRepository{
		ClaimPendingFn: func(ctx context.Context, task domain.Task, limit int) ([]domain.TradeRequest, error) {
			if limit != 100 {
				t.Errorf("expected limit 100, got %d", limit)
			}
			return pending, nil
		},
	}
	q := &mock.Queue{}
	d := usecase.NewTradeDispatcher(requests, q, 100, zap.NewNop())

	run := &domain.Run{ID: uuid.New(), Task: domain.TaskAllocationRecommendationNew}
	if err := d.DispatchPendingTrades(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.Published) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(q.Published))
	}
	var first domain.TradeBatch
	if err := json.Unmarshal(q.Published[0].Body, &first); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if first.Account != "acc-1" || len(first.Requests) != 2 {
		t.Fatalf("unexpected first batch %+v", first)
	}
	if first.Requests[0].Symbol != "AAPL" || first.Requests[1].Symbol != "NVDA" {
		t.Errorf("expected creation order to be kept, got %s, %s", first.Requests[0].Symbol, first.Requests[1].Symbol)
	}
	if first.Task != domain.TaskAllocationRecommendationNew || q.Published[0].ID != first.BatchID.String() {
		t.Errorf("unexpected batch metadata %+v", first)
	}
}

func TestDispatchPendingTrades_PublishError(t *testing.T) {
	requests := &mock.TradeRequestRepository{
		ClaimPendingFn: func(context.Context, domain.Task, int) ([]domain.TradeRequest, error) {
			return []domain.TradeRequest{tradeRequest("acc-1", "AAPL")}, nil
		},
	}
	q := &mock.Queue{PublishFn: func(context.Context, string, []byte) error { return errors.New("broker down") }}
	d := usecase.NewTradeDispatcher(requests, q, 10, zap.NewNop())

	if err := d.DispatchPendingTrades(context.Background(), &domain.Run{Task: domain.TaskMarketSignal}); err == nil {
		t.Fatal("expected publish error")
	}
}

// ---- TradeBatchHandler ----

type tradeFixture struct {
	handler    *usecase.TradeBatchHandler
	locks      *lock.Manager
	queue      *mock.Queue
	broker     *mock.Broker
	ledger     *mock.ExecutionLedger
	executions *mock.ExecutionRepository
	registry   *schedule.Registry
}

func newTradeFixture(t *testing.T) *tradeFixture {
	t.Helper()
	reg := newRegistry(t)
	f := &tradeFixture{
		locks:      lock.NewManager(memory.NewLockStore(), nil, reg.Namespace(), "test", zap.NewNop()),
		queue:      &mock.Queue{},
		broker:     &mock.Broker{},
		ledger:     &mock.ExecutionLedger{},
		executions: &mock.ExecutionRepository{},
		registry:   reg,
	}
	f.withLockWait(2 * time.Second)
	return f
}

// withLockWait rebuilds the handler with a different lock wait. Retries are paced every 5ms.
func (f *tradeFixture) withLockWait(wait time.Duration) {
	f.handler = usecase.NewTradeBatchHandler(f.locks, f.queue, f.queue, f.broker, f.ledger, f.executions,
		usecase.TradeLockPolicy{
			TTL:        time.Minute,
			Wait:       wait,
			Compatible: f.registry.TradeExecutionCompatible(),
			NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) },
		}, zap.NewNop())
}

func newMessage(id string, body []byte) queue.Message {
	return queue.Message{ID: id, Body: body, ReceiptHandle: "receipt-" + id, ReceiveCount: 1}
}

func batchMessage(t *testing.T, requests ...domain.TradeRequest) (domain.TradeBatch, queue.Message) {
	t.Helper()
	return accountBatchMessage(t, "acc-1", requests...)
}

func accountBatchMessage(t *testing.T, account string, requests ...domain.TradeRequest) (domain.TradeBatch, queue.Message) {
	t.Helper()
	batch := domain.TradeBatch{BatchID: uuid.New(), Task: domain.TaskMarketSignal, Account: account, Requests: requests}
	body, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return batch, newMessage(batch.BatchID.String(), body)
}

func TestTradeBatch_ExecutesInOrderAndAcks(t *testing.T) {
	f := newTradeFixture(t)
	reqs := []domain.TradeRequest{tradeRequest("acc-1", "AAPL"), tradeRequest("acc-1", "MSFT"), tradeRequest("acc-1", "NVDA")}
	_, msg := batchMessage(t, reqs...)

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := f.broker.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 broker calls, got %d", len(calls))
	}
	for i := range reqs {
		if calls[i].ID != reqs[i].ID {
			t.Fatalf("trade %d executed out of order", i)
		}
	}
	if len(f.executions.Records) != 3 {
		t.Errorf("expected 3 recorded executions, got %d", len(f.executions.Records))
	}
	if deleted := f.queue.DeletedReceipts(); len(deleted) != 1 || deleted[0] != msg.ReceiptHandle {
		t.Errorf("expected message to be acknowledged, got %v", deleted)
	}

	state, _ := f.locks.Inspect(context.Background(), domain.TaskTradeExecution.String())
	if state.Locked {
		t.Error("expected trade lock to be released")
	}
}

func TestTradeBatch_PoisonMessageDropped(t *testing.T) {
	f := newTradeFixture(t)
	msg := newMessage("junk", []byte(`{"batch_id":`))

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected poison message to be dropped quietly, got %v", err)
	}
	if len(f.queue.DeletedReceipts()) != 1 {
		t.Fatal("expected poison message to be deleted")
	}
	if len(f.broker.Calls()) != 0 {
		t.Fatal("broker must not be called for a malformed batch")
	}
}

func holdAuditLock(t *testing.T, f *tradeFixture) string {
	t.Helper()
	// A running audit conflicts with trade execution.
	res, _ := f.locks.Acquire(context.Background(), domain.TaskAllocationAudit.String(), time.Minute, nil)
	if !res.Acquired {
		t.Fatal("setup: expected audit lock")
	}
	return res.Owner
}

func TestTradeBatch_WaitsForBusyLock(t *testing.T) {
	f := newTradeFixture(t)
	owner := holdAuditLock(t, f)
	go func() {
		time.Sleep(50 * time.Millisecond)
		if _, err := f.locks.Release(context.Background(), domain.TaskAllocationAudit.String(), owner); err != nil {
			t.Errorf("release audit: %v", err)
		}
	}()
	_, msg := batchMessage(t, tradeRequest("acc-1", "AAPL"))

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected the batch to run once the audit finished, got %v", err)
	}
	if len(f.broker.Calls()) != 1 {
		t.Fatalf("expected 1 broker call, got %d", len(f.broker.Calls()))
	}
	if len(f.queue.Published) != 0 {
		t.Errorf("batch must not be re-enqueued once it got the lock, got %d", len(f.queue.Published))
	}
}

// Test: a batch that never gets the lock keeps coming back without ever failing a delivery,
// so a delivery limit cannot dead-letter it.
func TestTradeBatch_LockBusyRequeuesWithoutSpendingDeliveries(t *testing.T) {
	f := newTradeFixture(t)
	f.withLockWait(20 * time.Millisecond)
	holdAuditLock(t, f)
	_, msg := batchMessage(t, tradeRequest("acc-1", "AAPL"))

	const deliveryLimit = 10
	current := msg
	for i := 0; i < deliveryLimit+5; i++ {
		if err := f.handler.Handle(context.Background(), current); err != nil {
			t.Fatalf("attempt %d: busy lock must not fail the delivery, got %v", i, err)
		}
		if len(f.queue.Published) != i+1 {
			t.Fatalf("attempt %d: expected the batch to be re-enqueued", i)
		}
		next := f.queue.Published[i]
		if next.ID != msg.ID || string(next.Body) != string(msg.Body) {
			t.Fatalf("attempt %d: re-enqueued batch differs from the original", i)
		}
		current = newMessage(next.ID, next.Body)
	}

	if got := len(f.queue.DeletedReceipts()); got != deliveryLimit+5 {
		t.Errorf("expected every delivery to be acknowledged, got %d", got)
	}
	if len(f.broker.Calls()) != 0 {
		t.Fatal("broker must not be called while the lock is busy")
	}
}

func TestTradeBatch_LockBusyRequeueFailureKeepsMessage(t *testing.T) {
	f := newTradeFixture(t)
	f.withLockWait(0)
	holdAuditLock(t, f)
	f.queue.PublishFn = func(context.Context, string, []byte) error { return errors.New("redis down") }
	_, msg := batchMessage(t, tradeRequest("acc-1", "AAPL"))

	err := f.handler.Handle(context.Background(), msg)
	if !errors.Is(err, domain.ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
	if len(f.queue.DeletedReceipts()) != 0 || len(f.broker.Calls()) != 0 {
		t.Fatal("batch that could not be re-enqueued must be neither executed nor acknowledged")
	}
}

// Test: batches for different accounts received in one poll all complete.
func TestTradeBatch_ConcurrentBatchesFromOnePoll(t *testing.T) {
	f := newTradeFixture(t)
	f.broker.ExecuteFn = func(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &domain.TradeResult{OrderID: "ord-" + req.ID.String(), Status: "filled"}, nil
	}

	var msgs []queue.Message
	for _, account := range []string{"acc-1", "acc-2", "acc-3"} {
		_, msg := accountBatchMessage(t, account, tradeRequest(account, "AAPL"), tradeRequest(account, "MSFT"))
		msgs = append(msgs, msg)
	}

	errs := pool.Each(context.Background(), pool.NewWorkerPool(len(msgs), zap.NewNop()), msgs, f.handler.Handle)
	for i, err := range errs {
		if err != nil {
			t.Errorf("batch %d: %v", i, err)
		}
	}
	if got := len(f.queue.DeletedReceipts()); got != len(msgs) {
		t.Errorf("expected %d acknowledged batches, got %d", len(msgs), got)
	}
	if len(f.queue.Published) != 0 {
		t.Errorf("no batch should have been re-enqueued, got %d", len(f.queue.Published))
	}
	if got := len(f.broker.Calls()); got != 6 {
		t.Errorf("expected 6 broker calls, got %d", got)
	}
}

func TestTradeBatch_BrokerRejectionIsFinal(t *testing.T) {
	f := newTradeFixture(t)
	bad, good := tradeRequest("acc-1", "BAD"), tradeRequest("acc-1", "AAPL")
	f.broker.ExecuteFn = func(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error) {
		if req.Symbol == "BAD" {
			return nil, fmt.Errorf("%w: unknown symbol", domain.ErrBrokerRejected)
		}
		return &domain.TradeResult{OrderID: "ord-" + req.Symbol, Status: "filled", FilledQuantity: req.Quantity}, nil
	}
	_, msg := batchMessage(t, bad, good)

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("rejected trade must not fail the batch, got %v", err)
	}
	if len(f.queue.DeletedReceipts()) != 1 {
		t.Fatal("expected the batch to be acknowledged")
	}
	if len(f.executions.Records) != 2 {
		t.Fatalf("expected 2 recorded executions, got %d", len(f.executions.Records))
	}
	first := f.executions.Records[0]
	if first.Request.ID != bad.ID || !first.Trade.Rejected() || first.Trade.Reason == "" {
		t.Errorf("expected the rejection to be recorded with a reason, got %+v", first.Trade)
	}
	if f.executions.Records[1].Trade.OrderID != "ord-AAPL" {
		t.Error("expected the trade after the rejection to execute")
	}

	// Duplicate deliveries replay the recorded outcome.
	for i := 0; i < 4; i++ {
		if err := f.handler.Handle(context.Background(), msg); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}
	if got := len(f.broker.Calls()); got != 2 {
		t.Errorf("expected the broker to be called once per trade, got %d", got)
	}
	if got := len(f.queue.DeletedReceipts()); got != 5 {
		t.Errorf("expected every delivery to be acknowledged, got %d", got)
	}
}

func TestTradeBatch_RunsAlongsideCompatibleTask(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()

	res, _ := f.locks.Acquire(ctx, domain.TaskMarketSignal.String(), time.Minute,
		f.registry.CompatibleNames(domain.TaskMarketSignal))
	if !res.Acquired {
		t.Fatal("setup: expected marketSignal lock")
	}
	_, msg := batchMessage(t, tradeRequest("acc-1", "AAPL"))

	if err := f.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("expected trades to run next to marketSignal, got %v", err)
	}
}

// Test: a failed batch is retried on redelivery without re-submitting executed trades.
func TestTradeBatch_RedeliveryResumes(t *testing.T) {
	f := newTradeFixture(t)
	reqs := []domain.TradeRequest{tradeRequest("acc-1", "AAPL"), tradeRequest("acc-1", "MSFT"), tradeRequest("acc-1", "NVDA")}
	_, msg := batchMessage(t, reqs...)

	var mu sync.Mutex
	fail := true
	f.broker.ExecuteFn = func(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if req.ID == reqs[1].ID && fail {
			fail = false
			return nil, errors.New("gateway timeout")
		}
		return &domain.TradeResult{OrderID: "ord-" + req.Symbol, Status: "filled", FilledQuantity: req.Quantity}, nil
	}

	if err := f.handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if len(f.queue.DeletedReceipts()) != 0 {
		t.Fatal("partially executed batch must not be acknowledged")
	}

	if err := f.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected redelivery to succeed, got %v", err)
	}

	aapl := 0
	for _, c := range f.broker.Calls() {
		if c.ID == reqs[0].ID {
			aapl++
		}
	}
	if aapl != 1 {
		t.Fatalf("expected the first trade to reach the broker once, got %d", aapl)
	}
	if len(f.queue.DeletedReceipts()) != 1 {
		t.Fatal("expected the batch to be acknowledged after redelivery")
	}
}

func TestTradeBatch_LockLostAborts(t *testing.T) {
	f := newTradeFixture(t)
	reqs := []domain.TradeRequest{tradeRequest("acc-1", "AAPL"), tradeRequest("acc-1", "MSFT")}
	_, msg := batchMessage(t, reqs...)

	f.broker.ExecuteFn = func(ctx context.Context, req domain.TradeRequest) (*domain.TradeResult, error) {
		// An operator force releases the trade lock while the first trade is in flight.
		if _, err := f.locks.ForceReleaseAndRecover(ctx, domain.TaskTradeExecution.String()); err != nil {
			t.Errorf("force release: %v", err)
		}
		return &domain.TradeResult{OrderID: "ord-1", Status: "filled"}, nil
	}

	err := f.handler.Handle(context.Background(), msg)
	if !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if len(f.broker.Calls()) != 1 {
		t.Fatalf("expected the second trade never to execute, got %d calls", len(f.broker.Calls()))
	}
	if len(f.executions.Records) != 1 {
		t.Errorf("expected the completed trade to stay recorded, got %d", len(f.executions.Records))
	}
	if len(f.queue.DeletedReceipts()) != 0 {
		t.Error("aborted batch must not be acknowledged")
	}
}

func TestTradeBatch_LedgerUnavailableFailsClosed(t *testing.T) {
	f := newTradeFixture(t)
	f.ledger.LookupErr = errors.New("redis timeout")
	_, msg := batchMessage(t, tradeRequest("acc-1", "AAPL"))

	if err := f.handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected error")
	}
	if len(f.broker.Calls()) != 0 {
		t.Fatal("trade must not be placed when the ledger cannot be read")
	}
}
