package acquisition

import (
	"sort"
	"sync"
	"time"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/pkg/driver"
)

// Transition 描述作业的一次状态变化，Job 为变化后的快照。
type Transition struct {
	From State
	Job  *Job
}

type entry struct {
	id         string
	action     driver.Action
	metadata   map[string]string
	jobs       map[string]*Job
	order      []string
	aborts     map[string]func()
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time
	deadlineAt time.Time
	timer      *time.Timer
}

func (e *entry) finished() bool {
	for _, j := range e.jobs {
		if !j.State.Terminal() {
			return false
		}
	}
	return true
}

func (e *entry) snapshot() *Status {
	jobs := make([]*Job, 0, len(e.order))
	for _, name := range e.order {
		jobs = append(jobs, e.jobs[name].clone())
	}
	var metadata map[string]string
	if e.metadata != nil {
		metadata = make(map[string]string, len(e.metadata))
		for k, v := range e.metadata {
			metadata[k] = v
		}
	}
	return &Status{
		RequestID:  e.id,
		State:      aggregate(jobs),
		Action:     e.action,
		Jobs:       jobs,
		Metadata:   metadata,
		CreatedAt:  e.createdAt,
		UpdatedAt:  e.updatedAt,
		Deadline:   e.deadlineAt,
		FinishedAt: e.finishedAt,
	}
}

// jobTable 是唯一的共享可变结构。读者获取副本；处于 ACQUIRING/SAVING 的作业
// 只由领取它的 worker 推进，QUEUED 作业尚无持有者，由取消路径直接结算。
type jobTable struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	retention time.Duration
	now       func() time.Time
}

func newJobTable(retention time.Duration) *jobTable {
	return &jobTable{
		entries:   make(map[string]*entry),
		retention: retention,
		now:       time.Now,
	}
}

// admit 原子地插入整个请求；ID 已存在时返回 DuplicateRequestId。
func (t *jobTable) admit(e *entry, gate func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.id]; exists {
		return xerrors.New(CodeDuplicateRequestID, "请求 ID 已存在: "+e.id)
	}
	// gate 在重复检查之后、写入之前执行，被拒绝的重复请求不消耗限流配额。
	if gate != nil {
		if err := gate(); err != nil {
			return err
		}
	}
	now := t.now()
	e.createdAt = now
	e.updatedAt = now
	for _, j := range e.jobs {
		j.CreatedAt = now
		j.UpdatedAt = now
	}
	if e.aborts == nil {
		e.aborts = make(map[string]func())
	}
	t.entries[e.id] = e
	return nil
}

// arm 为请求设置截止计时器。请求已结束或不存在时不做任何事。
func (t *jobTable) arm(id string, timeout time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || !e.finishedAt.IsZero() {
		return
	}
	e.deadlineAt = e.createdAt.Add(timeout)
	e.timer = time.AfterFunc(timeout, fire)
}

// discard 删除整个请求并返回需要触发的中止函数，用于入队失败时回滚受理。
func (t *jobTable) discard(id string) []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	aborts := make([]func(), 0, len(e.aborts))
	for _, fn := range e.aborts {
		aborts = append(aborts, fn)
	}
	return aborts
}

func (t *jobTable) snapshot(id string) (*Status, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrUnknownRequestID
	}
	return e.snapshot(), nil
}

func (t *jobTable) lookup(id, capability string) (*entry, *Job, error) {
	e, ok := t.entries[id]
	if !ok {
		return nil, nil, ErrUnknownRequestID
	}
	j, ok := e.jobs[capability]
	if !ok {
		return nil, nil, xerrors.New(CodeUnknownRequestID, "请求中不存在能力: "+capability)
	}
	return e, j, nil
}

// claim 将 QUEUED 作业交给调用方，并登记中止函数。
func (t *jobTable) claim(id, capability string, abort func()) (*Job, []Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, j, err := t.lookup(id, capability)
	if err != nil {
		return nil, nil, err
	}
	if j.State != StateQueued {
		return nil, nil, errJobNotClaimable
	}
	j.Attempts = 1
	tr := t.moveLocked(e, j, StateAcquiring)
	if abort != nil {
		e.aborts[capability] = abort
	}
	return j.clone(), []Transition{tr}, nil
}

// retry 记录一次 ACQUIRING -> ACQUIRING 重试。若已请求取消则直接结算为 CANCELED。
func (t *jobTable) retry(id, capability string) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, j, err := t.lookup(id, capability)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, ErrJobCanceled
	}
	if j.CancelRequested {
		return []Transition{t.settleCanceledLocked(e, j)}, ErrJobCanceled
	}
	if j.State != StateAcquiring {
		return nil, ValidateTransition(j.State, StateAcquiring)
	}
	j.Attempts++
	return []Transition{t.moveLocked(e, j, StateAcquiring)}, nil
}

// advance 推进 ACQUIRING -> SAVING 或 SAVING -> COMPLETE。已请求取消的作业
// 不再前进，而是结算为 CANCELED 并返回 ErrJobCanceled，调用方必须丢弃结果。
func (t *jobTable) advance(id, capability string, to State, recordID string) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, j, err := t.lookup(id, capability)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, ErrJobCanceled
	}
	if j.CancelRequested {
		return []Transition{t.settleCanceledLocked(e, j)}, ErrJobCanceled
	}
	if to != StateSaving && to != StateComplete {
		return nil, xerrors.New(CodeInvalidTransition, "advance 只能推进到 SAVING 或 COMPLETE")
	}
	if err := ValidateTransition(j.State, to); err != nil {
		return nil, err
	}
	if recordID != "" {
		j.RecordID = recordID
	}
	return []Transition{t.moveLocked(e, j, to)}, nil
}

// fail 将作业结算为 ERROR；已请求取消的作业改为结算 CANCELED。
func (t *jobTable) fail(id, capability string, jobErr JobError) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, j, err := t.lookup(id, capability)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, nil
	}
	if j.CancelRequested {
		return []Transition{t.settleCanceledLocked(e, j)}, nil
	}
	j.Error = &jobErr
	return []Transition{t.moveLocked(e, j, StateError)}, nil
}

// requestCancel 标记请求下所有未结束作业。QUEUED 作业立即结算，
// 进行中的作业由持有者在驱动返回后结算；返回的中止函数需在锁外调用。
func (t *jobTable) requestCancel(id string, reason JobError) ([]func(), []Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, nil, ErrUnknownRequestID
	}
	var (
		aborts      []func()
		transitions []Transition
	)
	for _, name := range e.order {
		j := e.jobs[name]
		if j.State.Terminal() || j.CancelRequested {
			continue
		}
		j.CancelRequested = true
		cause := reason
		j.cancelReason = &cause
		if j.State == StateQueued {
			transitions = append(transitions, t.settleCanceledLocked(e, j))
			continue
		}
		j.UpdatedAt = t.now()
		e.updatedAt = j.UpdatedAt
		if fn, ok := e.aborts[name]; ok {
			aborts = append(aborts, fn)
		}
	}
	return aborts, transitions, nil
}

func (t *jobTable) settleCanceledLocked(e *entry, j *Job) Transition {
	switch {
	case j.cancelReason != nil:
		j.Error = j.cancelReason
	default:
		j.Error = &JobError{Kind: KindCanceled, Code: xerrors.CodeCanceled, Message: "采集已取消"}
	}
	return t.moveLocked(e, j, StateCanceled)
}

func (t *jobTable) moveLocked(e *entry, j *Job, to State) Transition {
	from := j.State
	now := t.now()
	j.State = to
	j.UpdatedAt = now
	e.updatedAt = now
	if to.Terminal() {
		delete(e.aborts, j.Capability)
		if e.finished() {
			e.finishedAt = now
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	return Transition{From: from, Job: j.clone()}
}

// evict 清理结束时间超过保留期的请求，返回清理数量。
func (t *jobTable) evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	removed := 0
	for id, e := range t.entries {
		if e.finishedAt.IsZero() || now.Sub(e.finishedAt) < t.retention {
			continue
		}
		delete(t.entries, id)
		removed++
	}
	return removed
}

func (t *jobTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *jobTable) list(opts ListOptions) []*Status {
	t.mu.RLock()
	matched := make([]*Status, 0, len(t.entries))
	for _, e := range t.entries {
		st := e.snapshot()
		if opts.matches(st) {
			matched = append(matched, st)
		}
	}
	t.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.RequestID < b.RequestID
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	if opts.Offset >= len(matched) {
		return nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched
}

func (t *jobTable) stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{Jobs: make(map[State]int)}
	for _, e := range t.entries {
		st := e.snapshot()
		s.Total++
		switch st.State {
		case AggregateProcessing, AggregateCancelInProgress:
			s.Processing++
		case AggregateComplete:
			s.Complete++
		case AggregateError:
			s.Failed++
		case AggregateCanceled:
			s.Canceled++
		}
		for _, j := range st.Jobs {
			s.Jobs[j.State]++
		}
		if s.OldestUpdatedAt.IsZero() || st.UpdatedAt.Before(s.OldestUpdatedAt) {
			s.OldestUpdatedAt = st.UpdatedAt
		}
		if st.UpdatedAt.After(s.NewestUpdatedAt) {
			s.NewestUpdatedAt = st.UpdatedAt
		}
	}
	return s
}
