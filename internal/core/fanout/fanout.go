package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("core/fanout")

var (
	// ErrInvalidCall 参数不合法
	ErrInvalidCall = errors.New("fanout: invalid call")

	// errStop 内部终止信号
	errStop = errors.New("fanout: stop")
)

// Fanout 扇出执行器
type Fanout struct {
	rt      *routing.RoutingTable
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New 创建扇出执行器
func New(rt *routing.RoutingTable, clk clock.Clock, m *metrics.Metrics) *Fanout {
	return &Fanout{rt: rt, clock: clk, metrics: m}
}

// run 一次运行的共享状态
type run struct {
	id   string
	call Call
	f    *Fanout

	mu      sync.Mutex
	q       *queue
	done    bool
	result  Result
	changed chan struct{}
}

// Run 执行扇出直到共识、耗尽、超时或 CheckDone 返回 true
//
// 调用方的 ctx 被取消时返回当前结果与 ctx 的错误。
func (f *Fanout) Run(ctx context.Context, call Call) (Result, error) {
	if call.Routine == nil || call.Tasks <= 0 || call.NodeCount <= 0 || call.ConsensusCount <= 0 {
		return Result{}, fmt.Errorf("%w: tasks=%d nodes=%d consensus=%d", ErrInvalidCall, call.Tasks, call.NodeCount, call.ConsensusCount)
	}
	cs, ok := f.rt.Registry().Get(call.Coordinate.Kind)
	if !ok {
		return Result{}, fmt.Errorf("%w: unsupported crypto kind %s", ErrInvalidCall, call.Coordinate.Kind)
	}

	r := &run{
		id:      uuid.NewString(),
		call:    call,
		f:       f,
		q:       newQueue(cs, call.Coordinate, call.NodeCount),
		changed: make(chan struct{}),
	}
	for _, nr := range f.rt.FindClosestNodes(call.NodeCount, call.Coordinate, call.Filter) {
		r.q.add(nr)
	}
	for _, nr := range call.Seeds {
		if call.Filter == nil || call.Filter(nr) {
			r.q.add(nr)
		}
	}
	logger.Debug("扇出开始", "run", r.id, "coordinate", call.Coordinate.ShortString(), "nodes", len(r.q.nodes))

	runCtx := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = f.clock.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < call.Tasks; i++ {
		g.Go(func() error { return r.worker(gctx) })
	}
	err := g.Wait()

	r.mu.Lock()
	res := r.result
	done := r.done
	if !done {
		res = r.q.result(call.ConsensusCount)
		if res.Kind == ResultIncomplete {
			res.Kind = ResultTimeout
		}
	}
	r.mu.Unlock()

	f.metrics.FanoutRun(res.Kind.String())
	logger.Debug("扇出结束", "run", r.id, "result", res.Kind.String(), "valueNodes", len(res.ValueNodes))

	switch {
	case done:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case runCtx.Err() != nil:
		return res, nil
	case err != nil && !errors.Is(err, errStop):
		return res, err
	}
	return res, nil
}

// worker 取最近的待查节点调用，直到运行结束
func (r *run) worker(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return errStop
		}
		n := r.q.next()
		if n == nil {
			if !r.q.hasInProgress() {
				r.finishLocked(r.q.result(r.call.ConsensusCount))
				r.mu.Unlock()
				return errStop
			}
			ch := r.changed
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
			continue
		}
		n.status = StatusInProgress
		r.mu.Unlock()

		out, err := r.call.Routine(ctx, n.nr)
		if err != nil {
			return err
		}

		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return errStop
		}
		r.addPeersLocked(out)
		r.q.apply(n, out.Disposition)
		res := r.q.result(r.call.ConsensusCount)
		if res.IsDone() || (r.call.CheckDone != nil && r.call.CheckDone(res)) {
			r.finishLocked(res)
			r.mu.Unlock()
			return errStop
		}
		close(r.changed)
		r.changed = make(chan struct{})
		r.mu.Unlock()
	}
}

func (r *run) addPeersLocked(out CallOutput) {
	for _, pi := range out.PeerInfos {
		if pi == nil {
			continue
		}
		nr, err := r.f.rt.RegisterNodeWithPeerInfo(pi)
		if err != nil {
			continue
		}
		if r.call.Filter != nil && !r.call.Filter(nr) {
			continue
		}
		r.q.add(nr)
	}
}

func (r *run) finishLocked(res Result) {
	r.done = true
	r.result = res
	close(r.changed)
	r.changed = make(chan struct{})
}
