// ============================================================================
// mqueue-journal Load Generator - concurrent producers
// ============================================================================
//
// Package: internal/loadgen
//
// Runs N producer goroutines against a Sink (normally the engine), each
// writing M messages with payload sizes drawn uniformly from
// [MinSize, MaxSize]:
//
//   ┌────────────┐
//   │ producer 0 │──Put──┐
//   │ producer 1 │──Put──┼──► Sink ──► journal ring
//   │ producer N │──Put──┘
//   └────────────┘
//
// Message ids are BaseID + producer*Messages + i, so producers never collide.
// The first producer error cancels the rest.
//
// ============================================================================

package loadgen

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("loadgen: invalid config")

// Sink receives generated messages.
type Sink interface {
	Put(id uint64, payload []byte) error
	PutSync(ctx context.Context, id uint64, payload []byte) error
	Ack(id uint64) error
}

// Config describes one run.
type Config struct {
	Producers int    // concurrent producers
	Messages  int    // messages per producer
	MinSize   int    // smallest payload
	MaxSize   int    // largest payload
	BaseID    uint64 // first message id
	Sync      bool   // use PutSync instead of Put
	AckEvery  int    // ack every n-th message; 0 disables acks
	Logger    *zap.Logger
}

// Result summarises a run.
type Result struct {
	Messages int64
	Bytes    int64
	Acks     int64
	Duration time.Duration
}

// MessagesPerSec returns the message throughput.
func (r Result) MessagesPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Messages) / r.Duration.Seconds()
}

// BytesPerSec returns the payload throughput.
func (r Result) BytesPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Duration.Seconds()
}

func (c Config) validate() error {
	switch {
	case c.Producers <= 0:
		return fmt.Errorf("%w: producers must be positive, got %d", ErrInvalidConfig, c.Producers)
	case c.Messages < 0:
		return fmt.Errorf("%w: negative message count %d", ErrInvalidConfig, c.Messages)
	case c.MinSize < 0 || c.MaxSize < c.MinSize:
		return fmt.Errorf("%w: size range [%d, %d]", ErrInvalidConfig, c.MinSize, c.MaxSize)
	case c.AckEvery < 0:
		return fmt.Errorf("%w: negative ack interval %d", ErrInvalidConfig, c.AckEvery)
	}
	return nil
}

// Run drives sink until every producer finished, one failed or ctx is done.
// The result counts what was written before the run stopped.
func Run(ctx context.Context, sink Sink, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var messages, bytes, acks atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < cfg.Producers; p++ {
		p := p
		g.Go(func() error {
			var rng fastrand.RNG
			rng.Seed(uint32(p) + 1)
			buf := make([]byte, cfg.MaxSize)
			base := cfg.BaseID + uint64(p)*uint64(cfg.Messages)

			for i := 0; i < cfg.Messages; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				id := base + uint64(i)
				size := cfg.MinSize
				if span := cfg.MaxSize - cfg.MinSize; span > 0 {
					size += int(rng.Uint32n(uint32(span + 1)))
				}
				data := Payload(id, buf[:size])

				var err error
				if cfg.Sync {
					err = sink.PutSync(ctx, id, data)
				} else {
					err = sink.Put(id, data)
				}
				if err != nil {
					return fmt.Errorf("loadgen: producer %d message %d: %w", p, id, err)
				}
				messages.Add(1)
				bytes.Add(int64(size))

				if cfg.AckEvery > 0 && (i+1)%cfg.AckEvery == 0 {
					if err := sink.Ack(id); err != nil {
						return fmt.Errorf("loadgen: producer %d ack %d: %w", p, id, err)
					}
					acks.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	res := Result{
		Messages: messages.Load(),
		Bytes:    bytes.Load(),
		Acks:     acks.Load(),
		Duration: time.Since(start),
	}
	log.Info("load run finished",
		zap.Int("producers", cfg.Producers),
		zap.Int64("messages", res.Messages),
		zap.Int64("bytes", res.Bytes),
		zap.Int64("acks", res.Acks),
		zap.Duration("duration", res.Duration),
		zap.Error(err))
	return res, err
}

// Payload fills buf with the deterministic content of message id and
// returns it.
func Payload(id uint64, buf []byte) []byte {
	var tag [8]byte
	binary.LittleEndian.PutUint64(tag[:], id)
	for i := range buf {
		buf[i] = tag[i%8] ^ byte(i)
	}
	return buf
}
