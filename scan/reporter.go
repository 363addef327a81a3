package scan

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
)

const (
	StatusProgress = "PROGRESS"
	StatusSummary  = "SUMMARY"

	defaultInterval = 10 * time.Second
)

// Observer receives every snapshot the reporter takes.
type Observer interface {
	Observe(s Snapshot)
}

type ReporterConfig struct {
	Interval time.Duration
	// Output receives one status line per interval, nil disables them.
	Output   io.Writer
	Observer Observer
}

// Reporter periodically reduces the counters of a run and writes a
// key=value status line. Status lines are advisory: write failures are
// logged and otherwise ignored.
type Reporter struct {
	cfg      ReporterConfig
	counters *Counters

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func NewReporter(cfg ReporterConfig, counters *Counters) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reporter{cfg: cfg, counters: counters, done: make(chan struct{})}
}

func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.report(ctx, StatusProgress, "")
			case <-r.done:
				return
			}
		}
	}()
}

// Stop ends the periodic reports and writes the final summary line.
func (r *Reporter) Stop(ctx context.Context, ok bool) Snapshot {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()

	status := "ok"
	if !ok {
		status = "failed"
	}
	return r.report(ctx, StatusSummary, status)
}

func (r *Reporter) report(ctx context.Context, kind, status string) Snapshot {
	s := r.counters.Snapshot()
	if r.cfg.Observer != nil {
		r.cfg.Observer.Observe(s)
	}
	if r.cfg.Output == nil {
		return s
	}
	line := AppendStatus(nil, kind, s)
	if status != "" {
		line = line[:len(line)-1]
		line = append(line, " status="...)
		line = append(line, status...)
		line = append(line, '\n')
	}
	if _, err := r.cfg.Output.Write(line); err != nil {
		span := trace.SpanFromContextSafe(ctx)
		span.Warnf("write %s status line failed: %s", kind, err)
	}
	return s
}

// AppendStatus appends the status line of s, newline included.
func AppendStatus(buf []byte, kind string, s Snapshot) []byte {
	buf = append(buf, kind...)
	buf = appendField(buf, "records_read", s.RecordsRead)
	buf = appendField(buf, "records_written", s.RecordsWritten)
	buf = appendField(buf, "bytes_written", s.BytesWritten)
	buf = appendField(buf, "errors", s.Errors)
	buf = appendField(buf, "elapsed_ms", uint64(s.Elapsed.Milliseconds()))
	return append(buf, '\n')
}

func appendField(buf []byte, key string, v uint64) []byte {
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return strconv.AppendUint(buf, v, 10)
}
