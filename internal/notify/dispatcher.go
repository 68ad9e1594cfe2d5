package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yaud.dev/internal/obs"
)

// Fanout sends a mail through every sender and joins their errors.
type Fanout []Sender

func (f Fanout) Send(ctx context.Context, m Mail) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher drains the queue into a Sender.
type Dispatcher struct {
	queue       Queue
	sender      Sender
	batchSize   int
	maxAttempts int
	lease       time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets how many deliveries a mail gets before it is parked
// as failed. Values below one keep the default.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithClaimLease sets how long a claimed mail may stay in processing before
// another run takes it back. Zero disables reclaiming.
func WithClaimLease(lease time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if lease >= 0 {
			d.lease = lease
		}
	}
}

func NewDispatcher(queue Queue, sender Sender, batchSize int, opts ...DispatcherOption) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	d := &Dispatcher{
		queue:       queue,
		sender:      sender,
		batchSize:   batchSize,
		maxAttempts: 5,
		lease:       2 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce claims one batch and attempts delivery. Failed mails go back to
// pending until they used up their attempts, then they are marked failed.
// Queue errors do not stop the batch; they are joined into the result.
// It returns the number of delivered mails.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	mails, err := d.queue.Claim(ctx, d.batchSize, d.lease)
	if err != nil {
		return 0, err
	}
	var (
		delivered int
		errs      []error
	)
	for _, m := range mails {
		fields := map[string]any{"mail_id": m.ID, "kind": string(m.Kind), "attempt": m.Attempts + 1}
		if err := d.sender.Send(ctx, m); err != nil {
			if m.Attempts+1 >= d.maxAttempts {
				obs.ObserveMailDispatch("failed")
				obs.Error("mail delivery abandoned", err, fields)
				if ferr := d.queue.MarkFailed(ctx, m.ID); ferr != nil {
					errs = append(errs, fmt.Errorf("mark %s failed: %w", m.ID, ferr))
				}
				continue
			}
			obs.ObserveMailDispatch("retry")
			obs.Error("mail delivery failed", err, fields)
			if rerr := d.queue.Release(ctx, m.ID); rerr != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", m.ID, rerr))
			}
			continue
		}
		obs.ObserveMailDispatch("delivered")
		delivered++
		if err := d.queue.MarkDelivered(ctx, m.ID); err != nil {
			errs = append(errs, fmt.Errorf("mark %s delivered: %w", m.ID, err))
		}
	}
	return delivered, errors.Join(errs...)
}

// Run calls RunOnce every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			obs.Error("mail dispatch failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
