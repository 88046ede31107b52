package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	secerrors "sectrail/internal/errors"
	"sectrail/internal/metrics"
)

// DefaultTimeout bounds a single channel attempt.
const DefaultTimeout = 5 * time.Second

// Deliverer fans a message out to channels concurrently. Each channel gets
// its own timeout; one channel's failure never affects another.
type Deliverer struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Deliver sends msg to every channel and returns one record per channel, in
// channel order. It returns once every attempt has finished or timed out.
func (d *Deliverer) Deliver(ctx context.Context, channels []Channel, msg *Message) []DeliveryRecord {
	records := make([]DeliveryRecord, len(channels))
	if len(channels) == 0 {
		return records
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()

			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := sendSafely(attemptCtx, ch, msg)
			elapsed := time.Since(start)

			rec := DeliveryRecord{
				Channel:    ch.Name(),
				Type:       ch.Type(),
				Status:     DeliverySent,
				Timestamp:  start.UTC(),
				DurationMs: elapsed.Milliseconds(),
			}
			if err != nil {
				rec.Status = DeliveryFailed
				rec.Error = secerrors.SanitizeString(err.Error())
				var de *secerrors.DeliveryError
				if errors.As(err, &de) {
					rec.StatusCode = de.StatusCode
				}
				logger.Warn("alert delivery failed",
					"channel", ch.Name(),
					"channel_type", ch.Type(),
					"message_type", msg.Type,
					"status_code", rec.StatusCode,
					"error", err)
			}
			d.Metrics.Delivery(ch.Name(), err == nil, elapsed)
			records[i] = rec
		}(i, ch)
	}
	wg.Wait()
	return records
}

func sendSafely(ctx context.Context, ch Channel, msg *Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &secerrors.DeliveryError{Channel: ch.Name(), Err: errors.New("channel panicked")}
		}
	}()
	return ch.Send(ctx, msg)
}
