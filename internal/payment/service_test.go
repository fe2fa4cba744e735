package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/config"
	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
)

type fakeGateway struct {
	mu sync.Mutex

	createErr error
	payments  map[string]*PaymentResponse
	getCalls  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]*PaymentResponse{}}
}

func (g *fakeGateway) CreatePayment(req CreatePaymentRequest, idempotencyKey string) (*PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	resp := &PaymentResponse{
		ID:     "prov-" + idempotencyKey[:8],
		Status: "pending",
		Amount: req.Amount,
		Confirmation: Confirmation{
			Type:            "redirect",
			ConfirmationURL: "https://pay.example.com/confirm",
		},
		Metadata: req.Metadata,
	}
	g.payments[resp.ID] = resp
	return resp, nil
}

func (g *fakeGateway) GetPayment(id string) (*PaymentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	resp, ok := g.payments[id]
	if !ok {
		return nil, errors.New("payment not found")
	}
	return resp, nil
}

func (g *fakeGateway) succeed(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[id].Status = "succeeded"
	g.payments[id].Paid = true
}

type fakePanel struct{}

func (fakePanel) AddClient(inboundID int64, clientUUID, email string) error { return nil }
func (fakePanel) DisableClient(inboundID int64, clientUUID string) error { return nil }
func (fakePanel) GetInbound(inboundID int64) (string, error) {
	return `{"id":1,"remark":"main","streamSettings":"{\"realitySettings\":{\"serverNames\":[\"cdn.example.com\"],\"shortIds\":[\"ab12\"],\"settings\":{\"publicKey\":\"pbk-test\"}}}"}`, nil
}
func (fakePanel) ClientTraffic(email string) (int64, bool, error) { return 0, false, nil }

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(ctx context.Context, telegramID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Subscription{}, &models.VpnKey{}, &models.Payment{}))
	return db
}

func newTestService(t *testing.T) (*Service, *fakeGateway, *recordingNotifier, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	gateway := newFakeGateway()
	notifier := &recordingNotifier{}
	subs := subscription.NewService(db)
	keySvc := keys.NewService(db, fakePanel{}, subs, 1, "vpn.example.com", 443, "reality443", 3)
	svc := NewService(db, gateway, subs, keySvc, notifier, "https://t.me/back")
	return svc, gateway, notifier, db
}

func newTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{TelegramID: 777, Username: "buyer", ReferralCode: "777"}
	require.NoError(t, db.Create(user).Error)
	return user
}

var testPlan = config.Plan{Days: 30, Price: 255, Label: "1 месяц"}

func TestCreatePayment(t *testing.T) {
	svc, _, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	assert.NotEmpty(t, pay.ProviderPaymentID)
	assert.Equal(t, "https://pay.example.com/confirm", pay.ConfirmationURL)
	assert.Equal(t, 30, pay.PlanDays)
	assert.NotEmpty(t, pay.IdempotencyKey)
	assert.Nil(t, pay.ProcessedAt)
}

func TestCreatePaymentGatewayFailure(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)
	gateway.createErr = errors.New("503 service unavailable")

	_, err := svc.CreatePayment(user, testPlan)
	require.Error(t, err)
	assert.True(t, apperr.IsGateway(err))

	var pay models.Payment
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&pay).Error)
	assert.Equal(t, "failed", pay.Status)
}

func TestWebhookSettlesExactlyOnce(t *testing.T) {
	svc, gateway, notifier, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.succeed(pay.ProviderPaymentID)

	notification := &WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: pay.ProviderPaymentID, Status: "succeeded"},
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.HandleWebhook(notification))
	}

	var subCount int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&subCount).Error)
	assert.EqualValues(t, 1, subCount, "replayed webhooks must settle once")

	var stored models.Payment
	require.NoError(t, db.First(&stored, pay.ID).Error)
	assert.Equal(t, "succeeded", stored.Status)
	require.NotNil(t, stored.ProcessedAt)
	require.NotNil(t, stored.PaidAt)

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "1 месяц")
}

func TestWebhookBindsKeyAfterSettlement(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.succeed(pay.ProviderPaymentID)

	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: pay.ProviderPaymentID},
	}))

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&sub).Error)
	require.NotNil(t, sub.VpnKeyID)

	var key models.VpnKey
	require.NoError(t, db.First(&key, *sub.VpnKeyID).Error)
	assert.Equal(t, models.KeyStatusActive, key.Status)
	assert.Contains(t, key.KeyValue, "vless://")
}

func TestWebhookAmountMismatchDoesNotCredit(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.payments[pay.ProviderPaymentID].Status = "succeeded"
	gateway.payments[pay.ProviderPaymentID].Amount = Amount{Value: "1.00", Currency: "RUB"}

	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: pay.ProviderPaymentID},
	}))

	var subCount int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&subCount).Error)
	assert.Zero(t, subCount)

	var stored models.Payment
	require.NoError(t, db.First(&stored, pay.ID).Error)
	assert.Nil(t, stored.ProcessedAt)
}

func TestWebhookCurrencyMismatchDoesNotCredit(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.payments[pay.ProviderPaymentID].Status = "succeeded"
	gateway.payments[pay.ProviderPaymentID].Amount = Amount{Value: "255.00", Currency: "USD"}

	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: pay.ProviderPaymentID},
	}))

	var subCount int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&subCount).Error)
	assert.Zero(t, subCount)
}

func TestWebhookIgnoresUnknownPayment(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: "never-seen"},
	}))
}

func TestWebhookNonSucceededOnlyUpdatesStatus(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.payments[pay.ProviderPaymentID].Status = "canceled"

	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.canceled",
		Object: WebhookObject{ID: pay.ProviderPaymentID},
	}))

	var stored models.Payment
	require.NoError(t, db.First(&stored, pay.ID).Error)
	assert.Equal(t, "canceled", stored.Status)
	assert.Nil(t, stored.ProcessedAt)

	var subCount int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&subCount).Error)
	assert.Zero(t, subCount)
}

func TestWebhookTrustsGatewayOverPayload(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	// The payload claims success but the gateway still says pending.
	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: pay.ProviderPaymentID, Status: "succeeded", Paid: true},
	}))

	assert.Equal(t, 1, gateway.getCalls)
	var stored models.Payment
	require.NoError(t, db.First(&stored, pay.ID).Error)
	assert.Nil(t, stored.ProcessedAt)
}

func TestReconcileUserPayments(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.succeed(pay.ProviderPaymentID)

	require.NoError(t, svc.ReconcileUserPayments(user))

	var stored models.Payment
	require.NoError(t, db.First(&stored, pay.ID).Error)
	require.NotNil(t, stored.ProcessedAt)

	// Running again after the webhook path already settled changes
	// nothing: both share the processedAt guard.
	firstProcessed := *stored.ProcessedAt
	require.NoError(t, svc.ReconcileUserPayments(user))

	var subCount int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&subCount).Error)
	assert.EqualValues(t, 1, subCount)

	require.NoError(t, db.First(&stored, pay.ID).Error)
	assert.Equal(t, firstProcessed.Unix(), stored.ProcessedAt.Unix())
}

func TestReconcileSkipsPaymentsWithoutProviderID(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	local := &models.Payment{UserID: user.ID, Amount: 255, Currency: "RUB",
		Status: "pending", Provider: "YOOKASSA", PlanDays: 30, IdempotencyKey: "k1"}
	require.NoError(t, db.Create(local).Error)

	require.NoError(t, svc.ReconcileUserPayments(user))
	assert.Zero(t, gateway.getCalls)
}

func TestResolvePlanDaysFallsBackToMetadata(t *testing.T) {
	pay := &models.Payment{}
	verified := &PaymentResponse{Metadata: map[string]string{"plan_days": "60"}}
	assert.Equal(t, 60, resolvePlanDays(pay, verified))

	pay.PlanDays = 30
	assert.Equal(t, 30, resolvePlanDays(pay, verified))

	assert.Zero(t, resolvePlanDays(&models.Payment{}, &PaymentResponse{}))
}

func TestAmountMatches(t *testing.T) {
	pay := &models.Payment{Amount: 255, Currency: "RUB"}

	assert.True(t, amountMatches(pay, &PaymentResponse{Amount: Amount{Value: "255.00", Currency: "RUB"}}))
	assert.True(t, amountMatches(pay, &PaymentResponse{Amount: Amount{Value: "255.00", Currency: "rub"}}))
	assert.False(t, amountMatches(pay, &PaymentResponse{Amount: Amount{Value: "254.99", Currency: "RUB"}}))
	assert.False(t, amountMatches(pay, &PaymentResponse{Amount: Amount{Value: "", Currency: "RUB"}}))
	assert.False(t, amountMatches(pay, &PaymentResponse{Amount: Amount{Value: "255.00", Currency: "USD"}}))
}

func TestSettlementExtendsFromActiveEnd(t *testing.T) {
	svc, gateway, _, db := newTestService(t)
	user := newTestUser(t, db)

	existing := &models.Subscription{
		UserID:    user.ID,
		StartDate: time.Now(),
		EndDate:   time.Now().AddDate(0, 0, 10),
		Active:    true,
	}
	require.NoError(t, db.Create(existing).Error)

	pay, err := svc.CreatePayment(user, testPlan)
	require.NoError(t, err)
	gateway.succeed(pay.ProviderPaymentID)
	require.NoError(t, svc.HandleWebhook(&WebhookNotification{
		Event:  "payment.succeeded",
		Object: WebhookObject{ID: pay.ProviderPaymentID},
	}))

	var latest models.Subscription
	require.NoError(t, db.Where("user_id = ?", user.ID).Order("end_date DESC").First(&latest).Error)
	assert.Equal(t, existing.EndDate.AddDate(0, 0, 30).Unix(), latest.EndDate.Unix())
}
