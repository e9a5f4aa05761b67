package retry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/reliability/breaker"
)

// state is the per-operation retry state of one in-flight sequence.
type state struct {
	id        domain.OperationID
	breaker   *breaker.Breaker
	cancel    context.CancelFunc
	startedAt time.Time
	attempts  atomic.Int32
	failures  atomic.Int32
}

// ActiveRetry describes an operation currently between attempts.
type ActiveRetry struct {
	Operation domain.OperationID `json:"operation"`
	Attempts  int                `json:"attempts"`
	Failures  int                `json:"failures"`
	Breaker   breaker.State      `json:"breaker_state"`
	StartedAt time.Time          `json:"started_at"`
}

// Stats is a snapshot of executor activity.
type Stats struct {
	Calls        int64              `json:"calls"`
	Attempts     int64              `json:"attempts"`
	Successes    int64              `json:"successes"`
	Failures     int64              `json:"failures"`
	Exhausted    int64              `json:"exhausted"`
	Rejected     int64              `json:"rejected"`
	Cancelled    int64              `json:"cancelled"`
	Active       []ActiveRetry      `json:"active"`
	Breakers     []breaker.Snapshot `json:"breakers"`
	OpenCircuits int                `json:"open_circuits"`
}

type counters struct {
	calls     atomic.Int64
	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	exhausted atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

// states maps operation ids to the latest in-flight sequence. sync.Map keeps
// access per key; unrelated operations never contend on one lock.
type states struct {
	m sync.Map // domain.OperationID -> *state
}

func (s *states) put(st *state) {
	s.m.Store(st.id, st)
}

// clear removes st only if it is still the registered sequence for its id.
func (s *states) clear(st *state) {
	s.m.CompareAndDelete(st.id, st)
}

func (s *states) cancel(id domain.OperationID) bool {
	v, ok := s.m.Load(id)
	if !ok {
		return false
	}
	v.(*state).cancel()
	return true
}

func (s *states) active() []ActiveRetry {
	var out []ActiveRetry
	s.m.Range(func(_, v any) bool {
		st := v.(*state)
		if st.failures.Load() == 0 {
			return true
		}
		out = append(out, ActiveRetry{
			Operation: st.id,
			Attempts:  int(st.attempts.Load()),
			Failures:  int(st.failures.Load()),
			Breaker:   st.breaker.State(),
			StartedAt: st.startedAt,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
