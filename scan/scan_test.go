package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util/limiter"
)

type fakeScanner struct {
	perNode   int
	failNode  string
	failAfter int
	delay     time.Duration
}

func (s *fakeScanner) Scan(ctx context.Context, nodes []string) (RecordStream, error) {
	st := &sliceStream{ctx: ctx, delay: s.delay, failAt: -1}
	for _, node := range nodes {
		if node == s.failNode {
			st.failAt = len(st.recs) + s.failAfter
		}
		for i := 0; i < s.perNode; i++ {
			st.recs = append(st.recs, &proto.Record{
				Namespace: "test",
				Digest:    proto.Digest(fmt.Sprintf("%s-%d", node, i)),
				Bins:      []proto.Bin{{Name: "i", Value: proto.IntValue(int64(i))}},
			})
		}
	}
	return st, nil
}

type sliceStream struct {
	ctx    context.Context
	recs   []*proto.Record
	pos    int
	failAt int
	delay  time.Duration
	closed bool
}

func (s *sliceStream) Recv() (*proto.Record, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.pos == s.failAt {
		return nil, &apierrors.IOError{Op: "scan", Err: errors.New("node unreachable")}
	}
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	s.pos++
	return s.recs[s.pos-1], nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type memSink struct {
	mu   sync.Mutex
	recs map[string]*proto.Record
}

func newMemSink() *memSink { return &memSink{recs: make(map[string]*proto.Record)} }

func (m *memSink) WriteRecord(r *proto.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[string(r.Digest)] = r
	return 10, nil
}

func (m *memSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func nodeNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("node%d", i)
	}
	return names
}

func nodeWorkers(t *testing.T, names []string, n int, s Scanner, sink RecordSink, budget *Budget) []Worker {
	a, err := NewAssignment(names)
	require.NoError(t, err)
	var workers []Worker
	for _, group := range a.Groups(n) {
		workers = append(workers, &NodeWorker{Nodes: group, Scanner: s, Sink: sink, Budget: budget})
	}
	return workers
}

func TestAssignment(t *testing.T) {
	_, err := NewAssignment(nil)
	require.ErrorIs(t, err, apierrors.ErrEmptyNodeList)
	_, err = NewAssignment(nodeNames(proto.MaxNodes + 1))
	require.ErrorIs(t, err, apierrors.ErrTooManyNodes)
	_, err = NewAssignment([]string{"a", "b", "a"})
	require.ErrorIs(t, err, apierrors.ErrDuplicateNode)
	_, err = NewAssignment([]string{"a", strings.Repeat("x", proto.NodeNameSize+1)})
	require.ErrorIs(t, err, apierrors.ErrInvalidNodeName)
	_, err = NewAssignment([]string{""})
	require.ErrorIs(t, err, apierrors.ErrInvalidNodeName)

	names := nodeNames(5)
	a, err := NewAssignment(names)
	require.NoError(t, err)
	names[0] = "changed"
	require.Equal(t, "node0", a.Nodes()[0])
	require.Equal(t, 5, a.Len())

	require.Equal(t, [][]string{{"node0", "node2", "node4"}, {"node1", "node3"}}, a.Groups(2))
	require.Len(t, a.Groups(0), 5)
	require.Len(t, a.Groups(10), 5)
	_, err = NewAssignment(nodeNames(proto.MaxNodes))
	require.NoError(t, err)
}

func TestCountersExactSum(t *testing.T) {
	c := NewCounters()
	const workers = 16

	var (
		wg   sync.WaitGroup
		want [workers]uint64
	)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				c.Snapshot()
			}
		}
	}()
	for i := 0; i < workers; i++ {
		p := c.NewPartition()
		n := uint64(rand.Intn(5000) + 1)
		want[i] = n
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := uint64(0); j < n; j++ {
				p.AddRead(1)
				p.AddWritten(1, 3)
			}
			p.AddError()
		}()
	}
	wg.Wait()
	close(stop)

	var sum uint64
	for _, n := range want {
		sum += n
	}
	s := c.Snapshot()
	require.Equal(t, sum, s.RecordsRead)
	require.Equal(t, sum, s.RecordsWritten)
	require.Equal(t, 3*sum, s.BytesWritten)
	require.Equal(t, uint64(workers), s.Errors)
}

type snapshotRecorder struct {
	mu   sync.Mutex
	last Snapshot
	n    int
}

func (o *snapshotRecorder) Observe(s Snapshot) {
	o.mu.Lock()
	o.last = s
	o.n++
	o.mu.Unlock()
}

func TestCoordinatorRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	out := &syncBuffer{}
	obs := &snapshotRecorder{}
	c := NewCoordinator(Config{Reporter: ReporterConfig{Interval: 5 * time.Millisecond, Output: out, Observer: obs}})
	sink := newMemSink()
	scanner := &fakeScanner{perNode: 50, delay: 200 * time.Microsecond}

	snap, err := c.Run(context.Background(), nodeWorkers(t, nodeNames(6), 3, scanner, sink, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(300), snap.RecordsRead)
	require.Equal(t, uint64(300), snap.RecordsWritten)
	require.Equal(t, uint64(3000), snap.BytesWritten)
	require.Equal(t, uint64(0), snap.Errors)
	require.Equal(t, 300, sink.Len())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Greater(t, len(lines), 1)
	last := lines[len(lines)-1]
	require.True(t, strings.HasPrefix(last, "SUMMARY records_read=300 records_written=300 bytes_written=3000 errors=0 elapsed_ms="), last)
	require.True(t, strings.HasSuffix(last, " status=ok"), last)
	for _, line := range lines[:len(lines)-1] {
		require.True(t, strings.HasPrefix(line, "PROGRESS records_read="), line)
	}
	require.Equal(t, snap.RecordsWritten, obs.last.RecordsWritten)
	require.False(t, c.Cancelled())

	_, err = NewCoordinator(Config{}).Run(context.Background(), nil)
	require.ErrorIs(t, err, apierrors.ErrNoWorkers)
}

func TestCoordinatorFailureIsolation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	out := &syncBuffer{}
	c := NewCoordinator(Config{Reporter: ReporterConfig{Interval: time.Hour, Output: out}})
	sink := newMemSink()
	scanner := &fakeScanner{perNode: 1000, failNode: "node1", failAfter: 10, delay: 100 * time.Microsecond}

	snap, err := c.Run(context.Background(), nodeWorkers(t, nodeNames(4), 4, scanner, sink, nil))
	require.Error(t, err)
	var failures apierrors.WorkerFailures
	require.True(t, errors.As(err, &failures))
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].Worker)
	require.Equal(t, []string{"node1"}, failures[0].Nodes)
	var ioe *apierrors.IOError
	require.True(t, errors.As(failures[0], &ioe))

	require.Equal(t, uint64(1), snap.Errors)
	require.True(t, c.Cancelled())
	// siblings stopped early but everything they wrote is complete
	require.Less(t, snap.RecordsWritten, uint64(4000))
	require.Equal(t, int(snap.RecordsWritten), sink.Len())
	require.Contains(t, out.String(), "errors=1")
	require.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), "status=failed"))
}

func TestCoordinatorCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := NewCoordinator(Config{})
	scanner := &fakeScanner{perNode: 20000, delay: 50 * time.Microsecond}
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Cancel()
	}()
	snap, err := c.Run(context.Background(), nodeWorkers(t, nodeNames(3), 3, scanner, newMemSink(), nil))
	require.ErrorIs(t, err, apierrors.ErrCancelled)
	require.Equal(t, uint64(0), snap.Errors)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = NewCoordinator(Config{}).Run(ctx, nodeWorkers(t, nodeNames(3), 3, scanner, newMemSink(), nil))
	require.ErrorIs(t, err, apierrors.ErrCancelled)
}

type failingOutput struct{}

func (failingOutput) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestReporterWriteFailureIsNotFatal(t *testing.T) {
	c := NewCoordinator(Config{Reporter: ReporterConfig{Interval: time.Millisecond, Output: failingOutput{}}})
	scanner := &fakeScanner{perNode: 20, delay: 100 * time.Microsecond}
	snap, err := c.Run(context.Background(), nodeWorkers(t, nodeNames(2), 2, scanner, newMemSink(), nil))
	require.NoError(t, err)
	require.Equal(t, uint64(40), snap.RecordsWritten)
}

func TestBudgetAndLimiter(t *testing.T) {
	sink := newMemSink()
	c := NewCoordinator(Config{})
	workers := nodeWorkers(t, nodeNames(4), 4, &fakeScanner{perNode: 100}, sink, NewBudget(25))
	lim := limiter.NewLimiter(limiter.LimitConfig{RecordsPerSecond: 1000, Bandwidth: 1 << 20})
	for _, w := range workers {
		w.(*NodeWorker).Limiter = lim
	}
	snap, err := c.Run(context.Background(), workers)
	require.NoError(t, err)
	require.Equal(t, uint64(25), snap.RecordsWritten)
	require.Equal(t, 25, sink.Len())

	require.True(t, (*Budget)(nil).Take())
	require.Nil(t, NewBudget(0))
}

func TestWorkerPanicIsIsolated(t *testing.T) {
	c := NewCoordinator(Config{})
	sink := newMemSink()
	workers := []Worker{
		WorkerFunc(func(ctx context.Context, task *Task) error { panic("boom") }),
		&NodeWorker{Nodes: []string{"node0"}, Scanner: &fakeScanner{perNode: 5}, Sink: sink},
	}
	_, err := c.Run(context.Background(), workers)
	var failures apierrors.WorkerFailures
	require.True(t, errors.As(err, &failures))
	require.Len(t, failures, 1)
	require.Equal(t, 0, failures[0].Worker)
	require.Contains(t, failures[0].Error(), "boom")
}

func TestAppendStatus(t *testing.T) {
	line := AppendStatus(nil, StatusProgress, Snapshot{
		RecordsRead: 3, RecordsWritten: 2, BytesWritten: 100, Errors: 1, Elapsed: 1500 * time.Millisecond,
	})
	require.Equal(t, "PROGRESS records_read=3 records_written=2 bytes_written=100 errors=1 elapsed_ms=1500\n", string(line))
}
