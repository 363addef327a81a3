package scan

import (
	"context"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.uber.org/atomic"

	apierrors "github.com/cubefs/kvbackup/errors"
	"github.com/cubefs/kvbackup/proto"
	"github.com/cubefs/kvbackup/util/limiter"
)

type (
	// Scanner opens a scan over a node-group.
	Scanner interface {
		Scan(ctx context.Context, nodes []string) (RecordStream, error)
	}
	// RecordStream yields records until io.EOF.
	RecordStream interface {
		Recv() (*proto.Record, error)
		Close() error
	}
	// RecordSink stores one record group and returns the bytes it took.
	RecordSink interface {
		WriteRecord(r *proto.Record) (int, error)
	}
)

// Budget caps the number of records a run writes across all workers.
type Budget struct {
	left atomic.Int64
}

// NewBudget returns nil, an unlimited budget, when max is 0.
func NewBudget(max uint64) *Budget {
	if max == 0 {
		return nil
	}
	b := &Budget{}
	b.left.Store(int64(max))
	return b
}

// Take reserves one record. A nil budget always succeeds.
func (b *Budget) Take() bool {
	if b == nil {
		return true
	}
	return b.left.Dec() >= 0
}

// NodeWorker streams every record of its node-group into its sink.
type NodeWorker struct {
	Nodes   []string
	Scanner Scanner
	Sink    RecordSink
	Limiter limiter.Limiter
	Budget  *Budget
}

func (w *NodeWorker) NodeNames() []string { return w.Nodes }

func (w *NodeWorker) Run(ctx context.Context, task *Task) error {
	span := trace.SpanFromContextSafe(ctx)
	stream, err := w.Scanner.Scan(ctx, w.Nodes)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if task.Cancelled() {
			return apierrors.ErrCancelled
		}
		rec, err := stream.Recv()
		if err == io.EOF {
			span.Debugf("worker %d finished nodes %v", task.ID, w.Nodes)
			return nil
		}
		if err != nil {
			return err
		}
		task.Partition.AddRead(1)
		if !w.Budget.Take() {
			span.Debugf("worker %d reached the record limit", task.ID)
			return nil
		}
		if w.Limiter != nil {
			if err := w.Limiter.WaitRecords(ctx, 1); err != nil {
				return err
			}
		}

		n, err := w.Sink.WriteRecord(rec)
		if err != nil {
			return err
		}
		if w.Limiter != nil {
			if err := w.Limiter.WaitBytes(ctx, n); err != nil {
				return err
			}
		}
		task.Partition.AddWritten(1, uint64(n))
	}
}
