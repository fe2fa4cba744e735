// Package worker runs the background schedulers: stale-key recovery,
// unused-key cleanup and subscription expiry notifications.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/rkxrichard/UzdenBot/internal/keys"
)

// RecoveryWorker retries provisioning for keys stuck in PENDING or
// FAILED longer than the threshold.
type RecoveryWorker struct {
	Keys      *keys.Service
	Interval  time.Duration
	Threshold time.Duration
}

func NewRecoveryWorker(keySvc *keys.Service, interval, threshold time.Duration) *RecoveryWorker {
	return &RecoveryWorker{Keys: keySvc, Interval: interval, Threshold: threshold}
}

func (w *RecoveryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("Key recovery worker started, interval=%s threshold=%s", w.Interval, w.Threshold)
	for {
		select {
		case <-ctx.Done():
			log.Println("Key recovery worker stopped")
			return
		case <-ticker.C:
			if n := w.Keys.RecoverStale(w.Threshold); n > 0 {
				log.Printf("Recovery pass finished, recovered %d keys", n)
			}
		}
	}
}
