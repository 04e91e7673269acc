// Package repo is the read/write surface the rest of the process uses.
// Writes land in the local store first and are queued for push; reads are
// always local. Observe methods deliver fresh query snapshots whenever a
// relevant change lands, keeping only the latest when the consumer lags.
package repo

import (
	"context"

	"go.uber.org/zap"

	"github.com/matbarbosa/syncd/internal/bus"
)

func observe[T any](ctx context.Context, b *bus.Bus, namespace string, logger *zap.Logger, query func() (T, error)) <-chan T {
	out := make(chan T, 1)
	events, unsub := b.Subscribe(namespace, 16)

	push := func() {
		snapshot, err := query()
		if err != nil {
			logger.Warn("observe query failed",
				zap.String("namespace", namespace), zap.Error(err))
			return
		}
		// Latest wins: displace a stale undelivered snapshot.
		for {
			select {
			case out <- snapshot:
				return
			default:
				select {
				case <-out:
				default:
				}
			}
		}
	}

	go func() {
		defer close(out)
		defer unsub()
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				push()
			}
		}
	}()
	return out
}
