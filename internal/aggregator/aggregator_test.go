package aggregator

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/auth"
	"daq-plugin/internal/capability"
	"daq-plugin/internal/directory"
	"daq-plugin/internal/driver/static"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
)

type driverMap map[string]driver.Driver

func (m driverMap) Driver(name string) (driver.Driver, bool) {
	d, ok := m[name]
	return d, ok
}

// newLocalPlugin 启动一个使用静态驱动的进程内插件。
func newLocalPlugin(t *testing.T, name string, caps ...string) Plugin {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := capability.NewRegistry()
	drivers := driverMap{}
	for _, c := range caps {
		if err := reg.Register(capability.Capability{Name: c}); err != nil {
			t.Fatalf("register %s: %v", c, err)
		}
		d := static.New()
		if err := d.Configure(map[string]any{"payload": map[string]any{"source": c}}); err != nil {
			t.Fatalf("configure: %v", err)
		}
		if err := d.Open(ctx); err != nil {
			t.Fatalf("open: %v", err)
		}
		drivers[c] = d
	}
	queue := acquisition.NewMemoryQueue(64)
	svc := acquisition.NewService(reg, drivers, store.NewMemoryStore(), queue, acquisition.WithPluginName(name, "test"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = acquisition.NewProcessor(svc, queue).Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return Local(svc)
}

type fakePlugin struct {
	mu         sync.Mutex
	caps       []string
	admitErr   error
	admitDelay time.Duration
	known    map[string]acquisition.AggregateState
	canceled []string
}

func newFakePlugin(caps ...string) *fakePlugin {
	return &fakePlugin{caps: caps, known: make(map[string]acquisition.AggregateState)}
}

func (f *fakePlugin) GetServiceInfo(context.Context) (acquisition.ServiceInfo, error) {
	info := acquisition.ServiceInfo{Plugin: "fake"}
	for _, c := range f.caps {
		info.Capabilities = append(info.Capabilities, capability.Capability{Name: c})
	}
	return info, nil
}

// AcquireData 模拟远端插件：受理后若调用方 ctx 已结束，客户端只能看到取消错误。
func (f *fakePlugin) AcquireData(ctx context.Context, req acquisition.Request) (string, error) {
	if f.admitDelay > 0 {
		time.Sleep(f.admitDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return "", f.admitErr
	}
	f.known[req.ID] = acquisition.AggregateProcessing
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return req.ID, nil
}

func (f *fakePlugin) GetStatus(_ context.Context, id string) (*acquisition.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.known[id]
	if !ok {
		return nil, acquisition.ErrUnknownRequestID
	}
	return &acquisition.Status{RequestID: id, State: state}, nil
}

func (f *fakePlugin) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.known[id]; !ok {
		return acquisition.ErrUnknownRequestID
	}
	f.canceled = append(f.canceled, id)
	f.known[id] = acquisition.AggregateCanceled
	return nil
}

func (f *fakePlugin) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}

func captures(names ...string) []acquisition.CaptureRequest {
	out := make([]acquisition.CaptureRequest, 0, len(names))
	for _, n := range names {
		out = append(out, acquisition.CaptureRequest{Capability: n})
	}
	return out
}

func TestAcquireFansOutAcrossLocalPlugins(t *testing.T) {
	agg := New(map[string]Plugin{
		"gps-plugin":  newLocalPlugin(t, "gps-plugin", "gps"),
		"pano-plugin": newLocalPlugin(t, "pano-plugin", "pano", "thermal"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := agg.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(infos["pano-plugin"].Capabilities) != 2 {
		t.Fatalf("unexpected infos %+v", infos)
	}

	id, err := agg.AcquireData(ctx, acquisition.Request{Captures: captures("gps", "thermal")})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a minted request id")
	}
	st, err := agg.WaitUntilTerminal(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.State != acquisition.AggregateComplete || len(st.Plugins) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
	if job := st.Plugins["pano-plugin"].Job("thermal"); job == nil || job.RecordID == "" {
		t.Fatalf("expected thermal job to be stored, got %+v", job)
	}
	if st.Plugins["pano-plugin"].Job("pano") != nil {
		t.Fatalf("pano was not requested")
	}
}

func TestAcquireRollsBackWhenAPluginRejects(t *testing.T) {
	ok := newFakePlugin("gps")
	busy := newFakePlugin("pano")
	busy.admitErr = xerrors.New(xerrors.CodeRateLimited, "too many acquisition requests")
	agg := New(map[string]Plugin{"a": ok, "b": busy})
	ctx := context.Background()
	if _, err := agg.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, err := agg.AcquireData(ctx, acquisition.Request{ID: "req-1", Captures: captures("gps", "pano")})
	var perr *PluginError
	if !stdErrors.As(err, &perr) || perr.Plugin != "b" {
		t.Fatalf("expected plugin error from b, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED to survive wrapping, got %v", err)
	}
	if ok.cancelCount() != 1 {
		t.Fatalf("expected admitted plugin to be canceled, got %d", ok.cancelCount())
	}
}

func TestAcquireRollsBackSlowSiblingAfterRejection(t *testing.T) {
	slow := newFakePlugin("gps")
	slow.admitDelay = 50 * time.Millisecond
	busy := newFakePlugin("pano")
	busy.admitErr = xerrors.New(xerrors.CodeRateLimited, "too many acquisition requests")
	agg := New(map[string]Plugin{"slow": slow, "busy": busy})
	ctx := context.Background()
	if _, err := agg.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, err := agg.AcquireData(ctx, acquisition.Request{ID: "req-slow", Captures: captures("gps", "pano")})
	if xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if slow.cancelCount() != 1 {
		t.Fatalf("slow plugin admitted after its sibling rejected and must be rolled back, got %d cancels", slow.cancelCount())
	}
	st, err := slow.GetStatus(ctx, "req-slow")
	if err != nil || st.State != acquisition.AggregateCanceled {
		t.Fatalf("expected orphan request to be canceled, got %+v %v", st, err)
	}
}

func TestAcquireRollsBackPluginsWithUnknownOutcome(t *testing.T) {
	fast := newFakePlugin("gps")
	slow := newFakePlugin("pano")
	slow.admitDelay = 100 * time.Millisecond
	agg := New(map[string]Plugin{"fast": fast, "slow": slow})
	if _, err := agg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := agg.AcquireData(ctx, acquisition.Request{ID: "req-late", Captures: captures("gps", "pano")})
	var perr *PluginError
	if !stdErrors.As(err, &perr) || perr.Plugin != "slow" {
		t.Fatalf("expected plugin error from slow, got %v", err)
	}
	if fast.cancelCount() != 1 || slow.cancelCount() != 1 {
		t.Fatalf("expected both plugins rolled back, got fast=%d slow=%d", fast.cancelCount(), slow.cancelCount())
	}
}

func TestRouteRejectsUnknownCapabilities(t *testing.T) {
	agg := New(map[string]Plugin{"a": newFakePlugin("gps")})
	if _, err := agg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err := agg.Route(acquisition.Request{Captures: captures("gps", "lidar", "sonar")})
	if xerrors.CodeOf(err) != acquisition.CodeInvalidCapability {
		t.Fatalf("expected INVALID_CAPABILITY, got %v", err)
	}
	if _, err := agg.Route(acquisition.Request{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for empty request, got %v", err)
	}
}

func TestUntrackedRequestsSkipPluginsThatDoNotKnowThem(t *testing.T) {
	a := newFakePlugin("gps")
	b := newFakePlugin("pano")
	b.known["req-7"] = acquisition.AggregateError
	agg := New(map[string]Plugin{"a": a, "b": b})
	ctx := context.Background()

	st, err := agg.GetStatus(ctx, "req-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != acquisition.AggregateError || len(st.Plugins) != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := agg.Cancel(ctx, "req-7"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := agg.GetStatus(ctx, "missing"); xerrors.CodeOf(err) != acquisition.CodeUnknownRequestID {
		t.Fatalf("expected UNKNOWN_REQUEST_ID, got %v", err)
	}
	if err := agg.Cancel(ctx, "missing"); xerrors.CodeOf(err) != acquisition.CodeUnknownRequestID {
		t.Fatalf("expected UNKNOWN_REQUEST_ID on cancel, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	cases := []struct {
		in   []acquisition.AggregateState
		want acquisition.AggregateState
	}{
		{[]acquisition.AggregateState{acquisition.AggregateComplete, acquisition.AggregateComplete}, acquisition.AggregateComplete},
		{[]acquisition.AggregateState{acquisition.AggregateComplete, acquisition.AggregateProcessing}, acquisition.AggregateProcessing},
		{[]acquisition.AggregateState{acquisition.AggregateProcessing, acquisition.AggregateCancelInProgress}, acquisition.AggregateCancelInProgress},
		{[]acquisition.AggregateState{acquisition.AggregateCanceled, acquisition.AggregateError}, acquisition.AggregateError},
		{[]acquisition.AggregateState{acquisition.AggregateComplete, acquisition.AggregateCanceled}, acquisition.AggregateCanceled},
	}
	for _, tc := range cases {
		if got := Merge(tc.in...); got != tc.want {
			t.Fatalf("Merge(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestDiscoverDialsLiveEntries(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryDirectory(time.Minute)
	register := func(name, kind string) {
		desc := directory.Descriptor{Name: name, Type: kind, Address: name + ":50051"}
		if _, err := dir.Register(ctx, desc, auth.Credentials{GUID: name, Secret: "s"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	register("gps-plugin", "daq-plugin")
	register("broken-plugin", "daq-plugin")
	register("other-service", "web")

	dial := func(_ context.Context, e directory.Entry) (Plugin, error) {
		if e.Descriptor.Name == "broken-plugin" {
			return nil, stdErrors.New("connection refused")
		}
		return newFakePlugin("gps"), nil
	}
	agg, err := Discover(ctx, dir, dial, ByType("daq-plugin"))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := agg.Plugins(); len(got) != 1 || got[0] != "gps-plugin" {
		t.Fatalf("unexpected plugins %v", got)
	}
}
