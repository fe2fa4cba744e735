package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/config"
	"github.com/rkxrichard/UzdenBot/internal/database"
	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/notify"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
)

const provider = "YOOKASSA"

// reconcileWindow bounds how many of a user's unprocessed payments one
// pull-based reconciliation pass re-checks.
const reconcileWindow = 5

// Gateway is the payment-provider contract the service needs.
type Gateway interface {
	CreatePayment(req CreatePaymentRequest, idempotencyKey string) (*PaymentResponse, error)
	GetPayment(id string) (*PaymentResponse, error)
}

type Service struct {
	DB        *gorm.DB
	Gateway   Gateway
	Subs      *subscription.Service
	Keys      *keys.Service
	Notifier  notify.Notifier
	ReturnURL string
}

func NewService(db *gorm.DB, gateway Gateway, subs *subscription.Service,
	keySvc *keys.Service, notifier notify.Notifier, returnURL string) *Service {
	return &Service{
		DB:        db,
		Gateway:   gateway,
		Subs:      subs,
		Keys:      keySvc,
		Notifier:  notifier,
		ReturnURL: returnURL,
	}
}

// CreatePayment persists a pending payment, then asks the gateway for
// a checkout. The network call runs after the insert committed; a
// gateway failure marks the payment failed and is propagated.
func (s *Service) CreatePayment(user *models.User, plan config.Plan) (*models.Payment, error) {
	pay := &models.Payment{
		UserID:         user.ID,
		Amount:         float64(plan.Price),
		Currency:       "RUB",
		Status:         "pending",
		Provider:       provider,
		PlanDays:       plan.Days,
		PlanLabel:      plan.Label,
		Description:    "Подписка " + plan.Label,
		IdempotencyKey: uuid.New().String(),
	}
	if err := s.DB.Create(pay).Error; err != nil {
		return nil, err
	}

	req := CreatePaymentRequest{
		Amount:  Amount{Value: formatAmount(pay.Amount), Currency: pay.Currency},
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: s.ReturnURL,
		},
		Description: pay.Description,
		Metadata: map[string]string{
			"user_id":     strconv.FormatUint(uint64(user.ID), 10),
			"telegram_id": strconv.FormatInt(user.TelegramID, 10),
			"plan_days":   strconv.Itoa(plan.Days),
			"plan_label":  plan.Label,
		},
	}

	resp, err := s.Gateway.CreatePayment(req, pay.IdempotencyKey)
	if err != nil {
		if markErr := s.DB.Model(pay).Update("status", "failed").Error; markErr != nil {
			log.Printf("Failed to mark payment %d failed: %v", pay.ID, markErr)
		}
		return nil, apperr.Gateway("create payment", err)
	}

	pay.ProviderPaymentID = resp.ID
	pay.Status = resp.Status
	pay.ConfirmationURL = resp.Confirmation.ConfirmationURL
	if err := s.DB.Save(pay).Error; err != nil {
		return nil, err
	}
	return pay, nil
}

// HandleWebhook settles a payment announced by the gateway. The
// webhook payload is only a hint: the authoritative status is
// re-fetched from the gateway, and the processedAt stamp guarantees
// at-most-one settlement no matter how often the event is replayed.
func (s *Service) HandleWebhook(notification *WebhookNotification) error {
	if notification == nil || notification.Object.ID == "" {
		return nil
	}

	var pay models.Payment
	err := s.DB.Where("provider_payment_id = ?", notification.Object.ID).First(&pay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("Webhook for unknown paymentId=%s, ignoring", notification.Object.ID)
		return nil
	}
	if err != nil {
		return err
	}

	return s.verifyAndSettle(&pay)
}

// ReconcileUserPayments is the pull-based fallback: it re-runs the
// verify/settle path over the user's recent unprocessed payments. Safe
// to race with webhook delivery, both share the processedAt guard.
func (s *Service) ReconcileUserPayments(user *models.User) error {
	var pending []models.Payment
	err := s.DB.Where("user_id = ? AND provider = ? AND processed_at IS NULL AND provider_payment_id <> ''",
		user.ID, provider).
		Order("created_at DESC").Limit(reconcileWindow).Find(&pending).Error
	if err != nil {
		return err
	}

	for i := range pending {
		if err := s.verifyAndSettle(&pending[i]); err != nil {
			log.Printf("Reconcile failed for paymentId=%d: %v", pending[i].ID, err)
		}
	}
	return nil
}

func (s *Service) verifyAndSettle(pay *models.Payment) error {
	verified, err := s.Gateway.GetPayment(pay.ProviderPaymentID)
	if err != nil {
		return apperr.Gateway("verify payment", err)
	}

	if !strings.EqualFold(verified.Status, "succeeded") {
		return s.DB.Model(pay).Update("status", verified.Status).Error
	}

	if !amountMatches(pay, verified) {
		log.Printf("Amount mismatch for paymentId=%d provider=%s, not crediting",
			pay.ID, pay.ProviderPaymentID)
		return s.DB.Model(pay).Update("status", verified.Status).Error
	}

	days := resolvePlanDays(pay, verified)
	if days <= 0 {
		log.Printf("Plan days missing for paymentId=%d, not crediting", pay.ID)
		return s.DB.Model(pay).Update("status", verified.Status).Error
	}

	settled := false
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// The user lock serializes webhook delivery against the pull
		// reconciler for the same payment.
		if err := database.LockUser(tx, pay.UserID); err != nil {
			return err
		}

		var fresh models.Payment
		if err := tx.First(&fresh, pay.ID).Error; err != nil {
			return err
		}
		if fresh.ProcessedAt != nil {
			return tx.Model(&fresh).Update("status", verified.Status).Error
		}

		var user models.User
		if err := tx.First(&user, fresh.UserID).Error; err != nil {
			return err
		}
		if _, err := s.Subs.ExtendInTx(tx, &user, days); err != nil {
			return err
		}

		now := time.Now()
		settled = true
		return tx.Model(&fresh).Updates(map[string]interface{}{
			"status":       verified.Status,
			"paid_at":      now,
			"processed_at": now,
		}).Error
	})
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	s.afterSettle(pay)
	return nil
}

// afterSettle binds a key to the freshly credited subscription and
// kicks off provisioning; failures here are healed by recovery, the
// settlement itself already committed.
func (s *Service) afterSettle(pay *models.Payment) {
	var user models.User
	if err := s.DB.First(&user, pay.UserID).Error; err != nil {
		log.Printf("Failed to load user for settled paymentId=%d: %v", pay.ID, err)
		return
	}

	keyID, err := s.Keys.EnsureKeyForActiveSubscription(&user)
	if err != nil {
		log.Printf("Failed to bind key after settlement paymentId=%d: %v", pay.ID, err)
	} else if keyID != 0 {
		if _, err := s.Keys.FinalizeIssue(keyID); err != nil {
			log.Printf("Key finalize after settlement failed paymentId=%d keyId=%d: %v", pay.ID, keyID, err)
		}
	}

	sub, err := s.Subs.GetActive(&user)
	if err != nil || sub == nil {
		return
	}
	text := fmt.Sprintf("✅ Оплата прошла успешно!\nТариф: %s\n🗓 Действует до: %s",
		pay.PlanLabel, sub.EndDate.Format("02.01.2006"))
	if err := s.Notifier.Send(context.Background(), user.TelegramID, text); err != nil {
		log.Printf("Failed to send payment notification to %d: %v", user.TelegramID, err)
	}
}

func amountMatches(pay *models.Payment, verified *PaymentResponse) bool {
	if verified.Amount.Value == "" {
		return false
	}
	if verified.Amount.Currency != "" && pay.Currency != "" &&
		!strings.EqualFold(verified.Amount.Currency, pay.Currency) {
		return false
	}
	value, err := strconv.ParseFloat(verified.Amount.Value, 64)
	if err != nil {
		return false
	}
	return formatAmount(value) == formatAmount(pay.Amount)
}

func resolvePlanDays(pay *models.Payment, verified *PaymentResponse) int {
	if pay.PlanDays > 0 {
		return pay.PlanDays
	}
	if raw, ok := verified.Metadata["plan_days"]; ok {
		if days, err := strconv.Atoi(raw); err == nil {
			return days
		}
	}
	return 0
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}
