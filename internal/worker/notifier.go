package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/notify"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
)

// NotifyWorker sends the 2-day and 1-day expiry warnings. Each warning
// fires at most once per subscription; the send stamp lives on the row.
type NotifyWorker struct {
	DB       *gorm.DB
	Subs     *subscription.Service
	Notifier notify.Notifier
	Interval time.Duration
}

func NewNotifyWorker(db *gorm.DB, subs *subscription.Service, notifier notify.Notifier, interval time.Duration) *NotifyWorker {
	return &NotifyWorker{DB: db, Subs: subs, Notifier: notifier, Interval: interval}
}

func (w *NotifyWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("Expiry notify worker started, interval=%s", w.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("Expiry notify worker stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *NotifyWorker) runOnce(ctx context.Context) {
	var subs []models.Subscription
	err := w.DB.Preload("User").
		Where("active = ? AND end_date > ?", true, time.Now()).
		Find(&subs).Error
	if err != nil {
		log.Printf("Expiry notify scan failed: %v", err)
		return
	}

	for i := range subs {
		sub := &subs[i]
		if sub.User.Disabled {
			continue
		}
		switch w.Subs.DaysLeft(sub) {
		case 2:
			if sub.NotifiedTwoDaysAt == nil {
				w.warn(ctx, sub, 2, "notified_two_days_at")
			}
		case 1:
			if sub.NotifiedOneDayAt == nil {
				w.warn(ctx, sub, 1, "notified_one_day_at")
			}
		}
	}
}

func (w *NotifyWorker) warn(ctx context.Context, sub *models.Subscription, days int, stampColumn string) {
	text := fmt.Sprintf("⚠️ Ваша подписка истекает %s (осталось дней: %d). Продлите её, чтобы не потерять доступ.",
		sub.EndDate.Format("02.01.2006"), days)
	if err := w.Notifier.Send(ctx, sub.User.TelegramID, text); err != nil {
		log.Printf("Failed to send expiry warning userId=%d subscriptionId=%d: %v", sub.UserID, sub.ID, err)
		return
	}
	now := time.Now()
	if err := w.DB.Model(sub).Update(stampColumn, &now).Error; err != nil {
		log.Printf("Failed to stamp expiry warning subscriptionId=%d: %v", sub.ID, err)
	}
}
