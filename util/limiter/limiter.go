// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

type (
	// Limiter throttles a backup or restore run by records and by bytes.
	// A zero limit disables the respective throttle.
	Limiter interface {
		WaitRecords(ctx context.Context, n int) error
		WaitBytes(ctx context.Context, n int) error
		Reader(ctx context.Context, r io.Reader) LimitReader
		Writer(ctx context.Context, w io.Writer) LimitWriter
		SetRecordsPerSecond(n int)
		SetBandwidth(bytesPerSecond int64)
		GetConfig() *LimitConfig
		Status() Status
	}
	LimitReader interface {
		WaitN(n int) error
		io.Reader
	}
	LimitWriter interface {
		WaitN(n int) error
		io.Writer
	}
	LimitConfig struct {
		RecordsPerSecond int   `json:"records_per_second"`
		Bandwidth        int64 `json:"bandwidth"`
	}
	Status struct {
		Config      LimitConfig
		RecordsWait int
		BytesWait   int
	}
	// reader limited reader
	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	// writer limited writer
	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	noopLimitReader struct {
		underlying io.Reader
	}
	noopLimitWriter struct {
		underlying io.Writer
	}
	limiter struct {
		config      LimitConfig
		rateRecords *rate.Limiter
		rateBytes   *rate.Limiter
	}
)

func (r *reader) Read(p []byte) (n int, err error) {
	if err = waitN(r.ctx, r.rate, len(p)); err != nil {
		return 0, err
	}
	n, err = r.underlying.Read(p)
	return
}

func (r *reader) WaitN(n int) error {
	return waitN(r.ctx, r.rate, n)
}

func (w *writer) Write(p []byte) (n int, err error) {
	if err = waitN(w.ctx, w.rate, len(p)); err != nil {
		return 0, err
	}
	n, err = w.underlying.Write(p)
	return
}

func (w *writer) WaitN(n int) error {
	return waitN(w.ctx, w.rate, n)
}

func (nr *noopLimitReader) Read(p []byte) (n int, err error) {
	return nr.underlying.Read(p)
}

func (nr *noopLimitReader) WaitN(n int) error {
	return nil
}

func (nw *noopLimitWriter) Write(p []byte) (n int, err error) {
	return nw.underlying.Write(p)
}

func (nw *noopLimitWriter) WaitN(n int) error {
	return nil
}

func NewLimiter(cfg LimitConfig) Limiter {
	limiter := &limiter{}
	if cfg.RecordsPerSecond > 0 {
		limiter.rateRecords = rate.NewLimiter(rate.Limit(cfg.RecordsPerSecond), cfg.RecordsPerSecond)
	}
	if cfg.Bandwidth > 0 {
		limiter.rateBytes = rate.NewLimiter(rate.Limit(cfg.Bandwidth), burst(cfg.Bandwidth))
	}
	limiter.config = cfg

	return limiter
}

func (lim *limiter) WaitRecords(ctx context.Context, n int) error {
	if lim.rateRecords == nil {
		return nil
	}
	return waitN(ctx, lim.rateRecords, n)
}

func (lim *limiter) WaitBytes(ctx context.Context, n int) error {
	if lim.rateBytes == nil {
		return nil
	}
	return waitN(ctx, lim.rateBytes, n)
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) LimitReader {
	if lim.rateBytes != nil {
		return &reader{
			ctx:        ctx,
			rate:       lim.rateBytes,
			underlying: r,
		}
	}
	return &noopLimitReader{underlying: r}
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) LimitWriter {
	if lim.rateBytes != nil {
		return &writer{
			ctx:        ctx,
			rate:       lim.rateBytes,
			underlying: w,
		}
	}
	return &noopLimitWriter{underlying: w}
}

func (lim *limiter) SetRecordsPerSecond(n int) {
	if lim.rateRecords == nil {
		lim.rateRecords = rate.NewLimiter(rate.Limit(n), n)
	} else {
		lim.rateRecords.SetLimit(rate.Limit(n))
		lim.rateRecords.SetBurst(n)
	}
	lim.config.RecordsPerSecond = n
}

func (lim *limiter) SetBandwidth(bytesPerSecond int64) {
	if lim.rateBytes == nil {
		lim.rateBytes = rate.NewLimiter(rate.Limit(bytesPerSecond), burst(bytesPerSecond))
	} else {
		lim.rateBytes.SetLimit(rate.Limit(bytesPerSecond))
		lim.rateBytes.SetBurst(burst(bytesPerSecond))
	}
	lim.config.Bandwidth = bytesPerSecond
}

func (lim *limiter) GetConfig() *LimitConfig {
	return &lim.config
}

func (lim *limiter) Status() Status {
	return Status{
		Config:      lim.config,
		RecordsWait: rateWait(lim.rateRecords),
		BytesWait:   rateWait(lim.rateBytes),
	}
}

// waitN waits for n tokens in bursts, n may exceed the burst size.
func waitN(ctx context.Context, r *rate.Limiter, n int) error {
	b := r.Burst()
	for n > 0 {
		take := n
		if take > b {
			take = b
		}
		if err := r.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

func burst(bytesPerSecond int64) int {
	const maxBurst = 1 << 30
	if bytesPerSecond > maxBurst {
		return maxBurst
	}
	return int(bytesPerSecond)
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}
