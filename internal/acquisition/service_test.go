package acquisition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daq-plugin/internal/capability"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
)

type captureFunc func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error)

type scriptedDriver struct {
	capture captureFunc
	calls   atomic.Int32
	aborts  atomic.Int32
}

func (d *scriptedDriver) Info() driver.Info { return driver.Info{ID: "scripted", Kind: "test"} }
func (d *scriptedDriver) Configure(map[string]any) error { return nil }
func (d *scriptedDriver) Open(context.Context) error { return nil }
func (d *scriptedDriver) Close(context.Context) error { return nil }
func (d *scriptedDriver) Capture(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
	d.calls.Add(1)
	return d.capture(ctx, req)
}

type abortableDriver struct {
	*scriptedDriver
}

func (d abortableDriver) Abort(string) { d.aborts.Add(1) }

type driverMap map[string]driver.Driver

func (m driverMap) Driver(name string) (driver.Driver, bool) {
	d, ok := m[name]
	return d, ok
}

func okPayload(_ context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
	return &driver.Payload{ContentType: "text/plain", Data: []byte(req.Capability)}, nil
}

type harness struct {
	svc   *Service
	store *store.MemoryStore
	queue *MemoryQueue
}

func newHarness(t *testing.T, drivers driverMap, opts ...Option) *harness {
	t.Helper()
	h := newIdleHarness(t, drivers, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewProcessor(h.svc, h.queue, WithWorkerCount(4)).Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// newIdleHarness 不启动 Processor，作业停留在 QUEUED。
func newIdleHarness(t *testing.T, drivers driverMap, opts ...Option) *harness {
	t.Helper()
	reg := capability.NewRegistry()
	for name := range drivers {
		if err := reg.Register(capability.Capability{Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	st := store.NewMemoryStore()
	queue := NewMemoryQueue(256)
	opts = append([]Option{WithRetryDelay(time.Millisecond)}, opts...)
	return &harness{svc: NewService(reg, drivers, st, queue, opts...), store: st, queue: queue}
}

func (h *harness) wait(t *testing.T, id string) *Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.svc.WaitUntilTerminal(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return st
}

func captures(names ...string) []CaptureRequest {
	out := make([]CaptureRequest, 0, len(names))
	for _, n := range names {
		out = append(out, CaptureRequest{Capability: n})
	}
	return out
}

func TestAdmittedJobsStartQueuedOrAcquiring(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := &scriptedDriver{capture: func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		<-release
		return okPayload(ctx, req)
	}}
	h := newHarness(t, driverMap{"gps": blocking, "pano": blocking})

	id, err := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps", "pano")})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st, err := h.svc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Jobs) != 2 {
		t.Fatalf("expected one job per capability, got %d", len(st.Jobs))
	}
	for _, j := range st.Jobs {
		if j.State != StateQueued && j.State != StateAcquiring {
			t.Fatalf("job %s unexpectedly in %s", j.Capability, j.State)
		}
	}
	if st.State != AggregateProcessing {
		t.Fatalf("expected STILL_PROCESSING, got %s", st.State)
	}
}

func TestUnknownRequestID(t *testing.T) {
	h := newIdleHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}})
	if _, err := h.svc.GetStatus(context.Background(), "never"); xerrors.CodeOf(err) != CodeUnknownRequestID {
		t.Fatalf("GetStatus: expected UNKNOWN_REQUEST_ID, got %v", err)
	}
	if err := h.svc.Cancel(context.Background(), "never"); xerrors.CodeOf(err) != CodeUnknownRequestID {
		t.Fatalf("Cancel: expected UNKNOWN_REQUEST_ID, got %v", err)
	}
}

func TestAdmissionIsAllOrNothing(t *testing.T) {
	gps := &scriptedDriver{capture: okPayload}
	h := newHarness(t, driverMap{"gps": gps})

	_, err := h.svc.AcquireData(context.Background(), Request{ID: "req-a", Captures: captures("gps", "pano")})
	if xerrors.CodeOf(err) != CodeInvalidCapability {
		t.Fatalf("expected INVALID_CAPABILITY, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["capabilities"] != "pano" {
		t.Fatalf("unknown capabilities not reported: %v", e.Metadata())
	}
	if _, err := h.svc.GetStatus(context.Background(), "req-a"); xerrors.CodeOf(err) != CodeUnknownRequestID {
		t.Fatalf("no job may exist after rejected admission, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if gps.calls.Load() != 0 {
		t.Fatalf("driver must not run for a rejected request")
	}
}

func TestTransientFaultIsRetriedOnce(t *testing.T) {
	var failed atomic.Bool
	gps := &scriptedDriver{capture: func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		if failed.CompareAndSwap(false, true) {
			return nil, driver.Transientf("serial read timeout")
		}
		return okPayload(ctx, req)
	}}
	h := newHarness(t, driverMap{"gps": gps})

	id, err := h.svc.AcquireData(context.Background(), Request{ID: "req-b", Captures: captures("gps")})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st := h.wait(t, id)
	if st.State != AggregateComplete {
		t.Fatalf("expected COMPLETE, got %s (%+v)", st.State, st.Job("gps").Error)
	}
	job := st.Job("gps")
	if job.Attempts != 2 || job.RecordID == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	rec, err := h.store.Get(context.Background(), id, "gps")
	if err != nil || rec.ID != job.RecordID {
		t.Fatalf("record mismatch: %v %v", rec, err)
	}
	if rec.Metadata["attempts"] != "2" {
		t.Fatalf("unexpected metadata %v", rec.Metadata)
	}
}

func TestSecondTransientFaultIsTerminal(t *testing.T) {
	gps := &scriptedDriver{capture: func(context.Context, driver.CaptureRequest) (*driver.Payload, error) {
		return nil, driver.Transientf("serial read timeout")
	}}
	h := newHarness(t, driverMap{"gps": gps})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps")})
	st := h.wait(t, id)
	job := st.Job("gps")
	if st.State != AggregateError || job.Attempts != 2 || job.Error.Kind != KindDriverFault {
		t.Fatalf("unexpected final status %s %+v", st.State, job)
	}
	if gps.calls.Load() != 2 {
		t.Fatalf("expected exactly two captures, got %d", gps.calls.Load())
	}
}

func TestPermanentFaultIsNotRetriedAndStaysVisible(t *testing.T) {
	gps := &scriptedDriver{capture: func(context.Context, driver.CaptureRequest) (*driver.Payload, error) {
		return nil, errors.New("antenna disconnected")
	}}
	h := newHarness(t, driverMap{"gps": gps})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps")})
	first := h.wait(t, id)
	if first.Job("gps").Attempts != 1 {
		t.Fatalf("permanent fault must not be retried")
	}
	for i := 0; i < 3; i++ {
		again, err := h.svc.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if again.Job("gps").Error.Message != "antenna disconnected" || again.State != AggregateError {
			t.Fatalf("error detail must persist across polls: %+v", again.Job("gps").Error)
		}
	}
}

func TestDriverPanicBecomesDriverFault(t *testing.T) {
	gps := &scriptedDriver{capture: func(context.Context, driver.CaptureRequest) (*driver.Payload, error) {
		panic("nil frame buffer")
	}}
	pano := &scriptedDriver{capture: okPayload}
	h := newHarness(t, driverMap{"gps": gps, "pano": pano})

	id, err := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps", "pano")})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st := h.wait(t, id)
	job := st.Job("gps")
	if job.State != StateError || job.Error == nil || job.Error.Code != CodeDriverFault || job.Attempts != 1 {
		t.Fatalf("unexpected gps job %+v", job)
	}
	if st.Job("pano").State != StateComplete {
		t.Fatalf("sibling job must still complete, got %s", st.Job("pano").State)
	}
}

func TestCancelDuringNonAbortableCaptureDiscardsPayload(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gps := &scriptedDriver{capture: func(_ context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		close(started)
		<-release
		return &driver.Payload{Data: []byte("late")}, nil
	}}
	h := newHarness(t, driverMap{"gps": gps})

	id, err := h.svc.AcquireData(context.Background(), Request{ID: "req-c", Captures: captures("gps")})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	<-started
	if err := h.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, _ := h.svc.GetStatus(context.Background(), id)
	if st.State != AggregateCancelInProgress || st.Job("gps").State != StateAcquiring {
		t.Fatalf("expected CANCEL_IN_PROGRESS while driver runs, got %s/%s", st.State, st.Job("gps").State)
	}

	close(release)
	st = h.wait(t, id)
	job := st.Job("gps")
	if st.State != AggregateCanceled || job.State != StateCanceled || job.Error.Kind != KindCanceled {
		t.Fatalf("unexpected final status %s %+v", st.State, job)
	}
	if h.store.Writes() != 0 {
		t.Fatalf("discarded payload must never reach the store")
	}
}

func TestCancelSignalsAbortableDriver(t *testing.T) {
	started := make(chan struct{})
	inner := &scriptedDriver{capture: func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gps := abortableDriver{inner}
	h := newHarness(t, driverMap{"gps": gps})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps")})
	<-started
	if err := h.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st := h.wait(t, id)
	if st.Job("gps").State != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", st.Job("gps").State)
	}
	if inner.aborts.Load() != 1 {
		t.Fatalf("expected Abort to be called once, got %d", inner.aborts.Load())
	}
}

func TestCancelLeavesCompletedJobsAlone(t *testing.T) {
	release := make(chan struct{})
	fast := &scriptedDriver{capture: okPayload}
	slow := &scriptedDriver{capture: func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okPayload(ctx, req)
	}}
	h := newHarness(t, driverMap{"gps": fast, "pano": slow})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps", "pano")})
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, _ := h.svc.GetStatus(context.Background(), id)
		if st.Job("gps").State == StateComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gps never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st := h.wait(t, id)
	if st.Job("gps").State != StateComplete || st.Job("pano").State != StateCanceled {
		t.Fatalf("unexpected states gps=%s pano=%s", st.Job("gps").State, st.Job("pano").State)
	}
	if st.State != AggregateCanceled {
		t.Fatalf("expected CANCELED aggregate, got %s", st.State)
	}
	close(release)
}

func TestCancelSettlesQueuedJobsImmediately(t *testing.T) {
	h := newIdleHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}})
	var seen []Transition
	var mu sync.Mutex
	h.svc.hooks = append(h.svc.hooks, func(_ context.Context, tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps")})
	if err := h.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, _ := h.svc.GetStatus(context.Background(), id)
	if st.State != AggregateCanceled || st.FinishedAt.IsZero() {
		t.Fatalf("queued job must settle at once, got %s", st.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].From != StateQueued || seen[0].Job.State != StateCanceled {
		t.Fatalf("unexpected transitions %+v", seen)
	}
	// 重复取消是幂等的。
	if err := h.svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestDuplicateRequestIDUnderConcurrency(t *testing.T) {
	h := newHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}})

	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.AcquireData(context.Background(), Request{ID: "req-d", Captures: captures("gps")})
			switch {
			case err == nil:
				ok.Add(1)
			case xerrors.CodeOf(err) == CodeDuplicateRequestID:
				dup.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || dup.Load() != 7 {
		t.Fatalf("expected 1 admission and 7 duplicates, got %d/%d", ok.Load(), dup.Load())
	}
	if st := h.wait(t, "req-d"); st.State != AggregateComplete {
		t.Fatalf("first request must proceed unaffected, got %s", st.State)
	}
}

func TestStatusPollsAreMonotonic(t *testing.T) {
	slow := &scriptedDriver{capture: func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		time.Sleep(15 * time.Millisecond)
		return okPayload(ctx, req)
	}}
	h := newHarness(t, driverMap{"gps": slow, "pano": slow, "imu": slow})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps", "pano", "imu")})
	last := map[string]int{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := h.svc.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		for _, j := range st.Jobs {
			if j.State.Rank() < last[j.Capability] {
				t.Fatalf("job %s regressed to %s", j.Capability, j.State)
			}
			last[j.Capability] = j.State.Rank()
		}
		if st.State.Terminal() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request never finished")
}

func TestRequestDeadlineCancelsWithTimeoutKind(t *testing.T) {
	gps := &scriptedDriver{capture: func(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, driverMap{"gps": gps})

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps"), Timeout: 30 * time.Millisecond})
	st := h.wait(t, id)
	job := st.Job("gps")
	if job.State != StateCanceled || job.Error.Kind != KindTimeout || job.Error.Code != xerrors.CodeTimeout {
		t.Fatalf("expected timeout cancellation, got %s %+v", job.State, job.Error)
	}
}

func TestStoreFailureIsSurfacedOnJob(t *testing.T) {
	h := newHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}})
	h.svc.store = failingStore{}

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps")})
	st := h.wait(t, id)
	job := st.Job("gps")
	if st.State != AggregateError || job.Error.Kind != KindStoreUnavailable || job.Error.Code != store.CodeStoreUnavailable {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRetentionEvictsFinishedRequests(t *testing.T) {
	h := newHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}},
		WithRetention(20*time.Millisecond), WithJanitorInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.svc.Run(ctx)

	id, _ := h.svc.AcquireData(context.Background(), Request{Captures: captures("gps")})
	h.wait(t, id)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := h.svc.GetStatus(context.Background(), id)
		if xerrors.CodeOf(err) == CodeUnknownRequestID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request was never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// 清理后同一 ID 可以重新受理。
	if _, err := h.svc.AcquireData(context.Background(), Request{ID: id, Captures: captures("gps")}); err != nil {
		t.Fatalf("re-admit after eviction: %v", err)
	}
}

func TestQueueFailureDiscardsRequest(t *testing.T) {
	h := newIdleHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}})
	h.queue.Close()

	_, err := h.svc.AcquireData(context.Background(), Request{ID: "req-q", Captures: captures("gps")})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
	if _, err := h.svc.GetStatus(context.Background(), "req-q"); xerrors.CodeOf(err) != CodeUnknownRequestID {
		t.Fatalf("failed admission must leave no trace, got %v", err)
	}
}

func TestFullQueueRejectsAdmissionWithoutBlocking(t *testing.T) {
	reg := capability.NewRegistry()
	for _, name := range []string{"gps", "pano"} {
		if err := reg.Register(capability.Capability{Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	drv := &scriptedDriver{capture: okPayload}
	svc := NewService(reg, driverMap{"gps": drv, "pano": drv}, store.NewMemoryStore(), NewMemoryQueue(1))

	start := time.Now()
	_, err := svc.AcquireData(context.Background(), Request{ID: "req-full", Captures: captures("gps", "pano")})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("admission waited %s for queue space", elapsed)
	}
	if _, err := svc.GetStatus(context.Background(), "req-full"); xerrors.CodeOf(err) != CodeUnknownRequestID {
		t.Fatalf("rejected request must leave no trace, got %v", err)
	}
}

func TestAdmissionChecks(t *testing.T) {
	var validated atomic.Int32
	h := newIdleHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}},
		WithAdmissionValidator(func(_ context.Context, req Request) error {
			validated.Add(1)
			if req.Action.Name == "forbidden" {
				return errors.New("action not allowed")
			}
			return nil
		}),
		WithRateLimit(0.001, 2),
	)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want xerrors.Code
	}{
		{"empty captures", Request{}, xerrors.CodeInvalidArgument},
		{"duplicate capability", Request{Captures: captures("gps", "gps")}, xerrors.CodeInvalidArgument},
		{"validator rejects", Request{Action: driver.Action{Name: "forbidden"}, Captures: captures("gps")}, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		if _, err := h.svc.AcquireData(ctx, tc.req); xerrors.CodeOf(err) != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
	if validated.Load() != 1 {
		t.Fatalf("validator must run only after shape and capability checks, ran %d times", validated.Load())
	}

	for i := 0; i < 2; i++ {
		if _, err := h.svc.AcquireData(ctx, Request{Captures: captures("gps")}); err != nil {
			t.Fatalf("admission %d within burst: %v", i, err)
		}
	}
	if _, err := h.svc.AcquireData(ctx, Request{Captures: captures("gps")}); xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestDuplicateRequestIDDoesNotSpendRateBudget(t *testing.T) {
	h := newIdleHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}}, WithRateLimit(0.001, 2))
	ctx := context.Background()

	if _, err := h.svc.AcquireData(ctx, Request{ID: "req-r1", Captures: captures("gps")}); err != nil {
		t.Fatalf("first admission: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := h.svc.AcquireData(ctx, Request{ID: "req-r1", Captures: captures("gps")})
		if xerrors.CodeOf(err) != CodeDuplicateRequestID {
			t.Fatalf("duplicate %d: expected DUPLICATE_REQUEST_ID, got %v", i, err)
		}
	}
	if _, err := h.svc.AcquireData(ctx, Request{ID: "req-r2", Captures: captures("gps")}); err != nil {
		t.Fatalf("second distinct admission must fit the burst: %v", err)
	}
	if _, err := h.svc.AcquireData(ctx, Request{ID: "req-r3", Captures: captures("gps")}); xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED once the burst is spent, got %v", err)
	}
}

func TestListAndStats(t *testing.T) {
	h := newHarness(t, driverMap{"gps": &scriptedDriver{capture: okPayload}, "pano": &scriptedDriver{capture: okPayload}})
	ctx := context.Background()
	a, _ := h.svc.AcquireData(ctx, Request{Captures: captures("gps")})
	b, _ := h.svc.AcquireData(ctx, Request{Captures: captures("pano")})
	h.wait(t, a)
	h.wait(t, b)

	list, err := h.svc.List(ctx, WithCapabilities("pano"), WithStates(AggregateComplete))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].RequestID != b {
		t.Fatalf("unexpected list %+v", list)
	}
	stats, _ := h.svc.Stats(ctx)
	if stats.Total != 2 || stats.Complete != 2 || stats.Jobs[StateComplete] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	info := h.svc.GetServiceInfo()
	if len(info.Capabilities) != 2 {
		t.Fatalf("unexpected service info %+v", info)
	}
}

type failingStore struct{}

func (failingStore) Write(context.Context, store.Record) (string, error) {
	return "", errors.New("connection refused")
}
func (failingStore) Get(context.Context, string, string) (*store.Record, error) {
	return nil, store.ErrRecordNotFound
}
func (failingStore) List(context.Context, string) ([]*store.Record, error) { return nil, nil }
func (failingStore) Close() error { return nil }
