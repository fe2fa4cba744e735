package worker

import (
	"context"
	"log"
	"time"

	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/users"
)

// CleanupWorker deletes keys that never carried traffic, purges revoked
// key rows and removes disabled users.
type CleanupWorker struct {
	Keys      *keys.Service
	Users     *users.Service
	Interval  time.Duration
	UnusedTTL time.Duration
}

func NewCleanupWorker(keySvc *keys.Service, userSvc *users.Service, interval, unusedTTL time.Duration) *CleanupWorker {
	return &CleanupWorker{Keys: keySvc, Users: userSvc, Interval: interval, UnusedTTL: unusedTTL}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("Cleanup worker started, interval=%s unusedTTL=%s", w.Interval, w.UnusedTTL)
	for {
		select {
		case <-ctx.Done():
			log.Println("Cleanup worker stopped")
			return
		case <-ticker.C:
			w.runOnce()
		}
	}
}

func (w *CleanupWorker) runOnce() {
	deleted := w.Keys.CleanupUnused(w.UnusedTTL)
	purged := w.Keys.PurgeRevoked()
	removedUsers := w.Users.PurgeDisabled()
	if deleted > 0 || purged > 0 || removedUsers > 0 {
		log.Printf("Cleanup pass finished: unusedKeys=%d revokedKeys=%d disabledUsers=%d", deleted, purged, removedUsers)
	}
}
