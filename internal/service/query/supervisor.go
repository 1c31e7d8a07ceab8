package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Status is the state reported in one StatusUpdate.
type Status string

// Statuses of a supervised unit of work, in the order they can occur.
const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusBackground Status = "background"
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
)

// StatusUpdate is one status transition sent to the caller.
type StatusUpdate struct {
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	Result  any       `json:"result"`
	Time    time.Time `json:"time"`
}

// BackgroundNotice is the result of a background update: where to poll
// for the dataset once the work finishes.
type BackgroundNotice struct {
	SetID string `json:"setid"`
	URL   string `json:"url"`
}

// Emitter receives status updates. It is only ever called from the
// goroutine running Supervisor.Run.
type Emitter func(StatusUpdate)

// Step is one stage of a supervised unit of work. Each step gets its own
// time budget, measured from the moment it starts; the first step's budget
// also covers the wait for a worker.
type Step struct {
	// Message is sent with the running update when the step starts.
	Message string
	Budget  time.Duration
	// Run receives the previous step's result (nil for the first step).
	Run func(ctx context.Context, prev any) (any, error)
}

// Failure is an error that carries a result for the failed update, such as
// the federation summary of a search that matched nothing.
type Failure struct {
	Message string
	Result  any
}

func (f *Failure) Error() string { return f.Message }

// Outcome reports how a supervised run ended for the caller.
type Outcome struct {
	// Background is set when a budget expired or the caller went away; the
	// work keeps running and the caller received no final update.
	Background bool
	Result     any
	Err        error
}

// Supervisor runs units of work on a Pool and races each step against its
// budget. An expired budget changes what the caller is told, never what
// work happens: the steps continue to completion in the background.
type Supervisor struct {
	pool    *Pool
	pollURL func(setid string) string
	logger  *slog.Logger
	now     func() time.Time
}

// NewSupervisor creates a Supervisor. pollURL builds the URL sent in
// background notices.
func NewSupervisor(pool *Pool, pollURL func(setid string) string, logger *slog.Logger) *Supervisor {
	return &Supervisor{pool: pool, pollURL: pollURL, logger: logger, now: time.Now}
}

type jobKey struct{}

// job tracks whether the caller is still waiting for a unit of work.
type job struct {
	mu       sync.Mutex
	detached bool
	settled  bool
}

func (j *job) detach() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.settled {
		return false
	}
	j.detached = true
	return true
}

func (j *job) settle() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.detached {
		return false
	}
	j.settled = true
	return true
}

// Settle is called by a step that wants to end the run with a result only
// the waiting caller would see. It reports whether the caller is still
// attached; if so the caller is guaranteed to receive the step's outcome
// and no background notice. Outside a supervised run it reports true.
func Settle(ctx context.Context) bool {
	j, ok := ctx.Value(jobKey{}).(*job)
	if !ok {
		return true
	}
	return j.settle()
}

type event struct {
	step int
	done bool
	res  any
	err  error
}

// Run supervises a single-step unit of work.
func (s *Supervisor) Run(ctx context.Context, budget time.Duration, setid string, work func(ctx context.Context) (any, error), emit Emitter) Outcome {
	return s.RunSteps(ctx, setid, []Step{{
		Message: "query in progress",
		Budget:  budget,
		Run:     func(ctx context.Context, _ any) (any, error) { return work(ctx) },
	}}, emit)
}

// RunSteps emits queued, then running as each step starts. If every step
// finishes within its budget the final update is ok with the last step's
// result, or failed with the first error. If a budget expires first, a
// background update carrying setid and its poll URL is emitted and RunSteps
// returns while the steps keep running; later outcomes are only logged.
// Cancelling ctx detaches the caller the same way without an update.
func (s *Supervisor) RunSteps(ctx context.Context, setid string, steps []Step, emit Emitter) Outcome {
	j := &job{}
	events := make(chan event, len(steps)+1)
	workCtx := context.WithValue(context.WithoutCancel(ctx), jobKey{}, j)

	s.send(emit, StatusQueued, "query queued", nil)

	unit := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("supervised step panicked", "setid", setid, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				events <- event{done: true, err: fmt.Errorf("internal error while running query: %v", r)}
			}
		}()
		var prev any
		for i, st := range steps {
			events <- event{step: i}
			res, err := st.Run(workCtx, prev)
			if err != nil {
				events <- event{done: true, err: err}
				return
			}
			prev = res
		}
		events <- event{done: true, res: prev}
	}
	go func() {
		if err := s.pool.Submit(workCtx, unit); err != nil {
			events <- event{done: true, err: err}
		}
	}()

	timer := time.NewTimer(budgetOf(steps, 0))
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.done {
				return s.finish(emit, ev)
			}
			s.send(emit, StatusRunning, steps[ev.step].Message, nil)
			if ev.step > 0 {
				timer.Reset(budgetOf(steps, ev.step))
			}

		case <-timer.C:
			if !j.detach() {
				// A step settled just before the budget ran out.
				return s.finish(emit, awaitDone(events))
			}
			notice := BackgroundNotice{SetID: setid, URL: s.pollURL(setid)}
			s.send(emit, StatusBackground, "query is taking longer than expected and has moved to the background; results will be available at "+notice.URL, notice)
			go s.drain(setid, events)
			return Outcome{Background: true, Result: notice}

		case <-ctx.Done():
			if !j.detach() {
				return s.finish(emit, awaitDone(events))
			}
			go s.drain(setid, events)
			return Outcome{Background: true, Err: ctx.Err()}
		}
	}
}

func (s *Supervisor) finish(emit Emitter, ev event) Outcome {
	if ev.err != nil {
		var f *Failure
		if errors.As(ev.err, &f) {
			s.send(emit, StatusFailed, f.Message, f.Result)
		} else {
			s.send(emit, StatusFailed, ev.err.Error(), nil)
		}
		return Outcome{Err: ev.err}
	}
	s.send(emit, StatusOK, "query complete", ev.res)
	return Outcome{Result: ev.res}
}

func awaitDone(events <-chan event) event {
	for ev := range events {
		if ev.done {
			return ev
		}
	}
	return event{done: true}
}

// drain logs the eventual outcome of a detached run.
func (s *Supervisor) drain(setid string, events <-chan event) {
	for ev := range events {
		if !ev.done {
			continue
		}
		if ev.err != nil {
			s.logger.Info("background query failed", "setid", setid, "error", ev.err)
		} else {
			s.logger.Info("background query complete", "setid", setid)
		}
		return
	}
}

func (s *Supervisor) send(emit Emitter, status Status, msg string, result any) {
	if emit == nil {
		return
	}
	emit(StatusUpdate{Status: status, Message: msg, Result: result, Time: s.now().UTC()})
}

func budgetOf(steps []Step, i int) time.Duration {
	if i >= len(steps) || steps[i].Budget <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return steps[i].Budget
}
