package keys

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
)

const testInboundJSON = `{"id":1,"remark":"main","streamSettings":"{\"realitySettings\":{\"serverNames\":[\"cdn.example.com\"],\"shortIds\":[\"ab12\"],\"settings\":{\"publicKey\":\"pbk-test\",\"fingerprint\":\"chrome\"}}}"}`

type fakePanel struct {
	mu sync.Mutex

	addErr      error
	disableErr  error
	inboundJSON string
	inboundErr  error
	trafficFn   func(email string) (int64, bool, error)

	addCalls int
	disabled []string
}

func newFakePanel() *fakePanel {
	return &fakePanel{inboundJSON: testInboundJSON}
}

func (p *fakePanel) AddClient(inboundID int64, clientUUID, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addCalls++
	return p.addErr
}

func (p *fakePanel) DisableClient(inboundID int64, clientUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disableErr != nil {
		return p.disableErr
	}
	p.disabled = append(p.disabled, clientUUID)
	return nil
}

func (p *fakePanel) GetInbound(inboundID int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inboundErr != nil {
		return "", p.inboundErr
	}
	return p.inboundJSON, nil
}

func (p *fakePanel) ClientTraffic(email string) (int64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trafficFn != nil {
		return p.trafficFn(email)
	}
	return 0, false, nil
}

func (p *fakePanel) disabledUUIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.disabled...)
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

func newTestService(t *testing.T) (*Service, *fakePanel, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	panel := newFakePanel()
	subs := subscription.NewService(db)
	svc := NewService(db, panel, subs, 1, "vpn.example.com", 443, "reality443", 3)
	return svc, panel, db
}

func newTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{TelegramID: 42, Username: "alice", ReferralCode: "42"}
	require.NoError(t, db.Create(user).Error)
	return user
}

func giveActiveSubscription(t *testing.T, db *gorm.DB, user *models.User) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID:    user.ID,
		StartDate: time.Now(),
		EndDate:   time.Now().AddDate(0, 0, 30),
		Active:    true,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func TestIssueRequiresActiveSubscription(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	_, err := svc.Issue(user)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestIssueCreatesActiveKey(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	key, err := svc.Issue(user)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, key.Status)
	assert.True(t, strings.HasPrefix(key.KeyValue, "vless://"+key.ClientUUID+"@"), key.KeyValue)
	assert.Contains(t, key.KeyValue, "pbk=pbk-test")
	assert.Contains(t, key.KeyValue, "sni=cdn.example.com")
	assert.Contains(t, key.ClientEmail, "tg_alice_42")
	assert.Equal(t, 1, panel.addCalls)
}

func TestIssueReusesInFlightPendingKey(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	pending := buildPendingKey(user)
	require.NoError(t, db.Create(pending).Error)

	key, err := svc.Issue(user)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, key.ID)
	assert.Equal(t, models.KeyStatusActive, key.Status)

	var count int64
	require.NoError(t, db.Model(&models.VpnKey{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIssueEnforcesKeyLimit(t *testing.T) {
	svc, _, db := newTestService(t)
	svc.MaxKeysPerUser = 1
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	existing := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-1", ClientEmail: "one@test", Status: models.KeyStatusActive}
	require.NoError(t, db.Create(existing).Error)

	_, err := svc.Issue(user)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
	assert.Contains(t, err.Error(), "key limit")
}

func TestFinalizeIssueIsIdempotent(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	key, err := svc.Issue(user)
	require.NoError(t, err)
	require.Equal(t, 1, panel.addCalls)

	again, err := svc.FinalizeIssue(key.ID)
	require.NoError(t, err)
	assert.Equal(t, key.KeyValue, again.KeyValue)
	assert.Equal(t, 1, panel.addCalls, "an ACTIVE key must not hit the panel again")
}

func TestFinalizeIssueTreatsDuplicateClientAsSuccess(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)
	panel.addErr = errors.New("panel api error: Duplicate email: tg_alice_42_abc")

	key, err := svc.Issue(user)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, key.Status)
}

func TestFinalizeIssueMarksFailedAndCompensates(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)
	panel.addErr = errors.New("connection refused")

	_, err := svc.Issue(user)
	require.Error(t, err)
	assert.True(t, apperr.IsGateway(err))

	var key models.VpnKey
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&key).Error)
	assert.Equal(t, models.KeyStatusFailed, key.Status)
	assert.Contains(t, key.LastError, "connection refused")
	assert.Equal(t, []string{key.ClientUUID}, panel.disabledUUIDs())
}

func TestFinalizeIssueRejectsRevokedKey(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	key := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-r", ClientEmail: "r@test",
		Status: models.KeyStatusRevoked, Revoked: true}
	require.NoError(t, db.Create(key).Error)

	_, err := svc.FinalizeIssue(key.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestGetForUserFinishesProvisioning(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)
	panel.addErr = errors.New("timeout")

	_, err := svc.Issue(user)
	require.Error(t, err)

	var failed models.VpnKey
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&failed).Error)
	require.Equal(t, models.KeyStatusFailed, failed.Status)

	// Bind the subscription so the key is readable, then heal the panel.
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).
		Update("vpn_key_id", failed.ID).Error)
	panel.addErr = nil

	key, err := svc.GetForUser(user, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, key.Status)
}

func TestGetForUserRequiresSubscriptionOnKey(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user) // active but not bound to the key

	key := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-u", ClientEmail: "u@test", Status: models.KeyStatusActive}
	require.NoError(t, db.Create(key).Error)

	_, err := svc.GetForUser(user, key.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestGetForUserRefreshesStaleLink(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	// A link built against a panel that has since been reconfigured.
	key := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-s", ClientEmail: "s@test",
		Status: models.KeyStatusActive, KeyValue: "vless://uuid-s@old.example.com:443?encryption=none#old"}
	require.NoError(t, db.Create(key).Error)
	sub := giveActiveSubscription(t, db, user)
	require.NoError(t, db.Model(sub).Update("vpn_key_id", key.ID).Error)

	got, err := svc.GetForUser(user, key.ID)
	require.NoError(t, err)
	assert.Contains(t, got.KeyValue, "security=reality")
	assert.Contains(t, got.KeyValue, "pbk=pbk-test")

	var stored models.VpnKey
	require.NoError(t, db.First(&stored, key.ID).Error)
	assert.Equal(t, got.KeyValue, stored.KeyValue)
}

func TestGetForUserHealsRotatedPanelKey(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	key, err := svc.Issue(user)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).
		Update("vpn_key_id", key.ID).Error)
	require.Contains(t, key.KeyValue, "pbk=pbk-test")

	// Panel reinstall: the inbound now carries a new Reality key pair.
	panel.mu.Lock()
	panel.inboundJSON = strings.ReplaceAll(testInboundJSON, "pbk-test", "pbk-rotated")
	panel.mu.Unlock()

	got, err := svc.GetForUser(user, key.ID)
	require.NoError(t, err)
	assert.Contains(t, got.KeyValue, "pbk=pbk-rotated")

	var stored models.VpnKey
	require.NoError(t, db.First(&stored, key.ID).Error)
	assert.Contains(t, stored.KeyValue, "pbk=pbk-rotated")
}

func TestGetForUserServesStoredLinkWhenRefreshFails(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	panel.inboundErr = errors.New("panel down")

	stale := "vless://uuid-s2@old.example.com:443?encryption=none#old"
	key := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-s2", ClientEmail: "s2@test",
		Status: models.KeyStatusActive, KeyValue: stale}
	require.NoError(t, db.Create(key).Error)
	sub := giveActiveSubscription(t, db, user)
	require.NoError(t, db.Model(sub).Update("vpn_key_id", key.ID).Error)

	got, err := svc.GetForUser(user, key.ID)
	require.NoError(t, err)
	assert.Equal(t, stale, got.KeyValue)
}

func TestReplaceSwapsKeyAndRebindsSubscription(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	old, err := svc.Issue(user)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).
		Update("vpn_key_id", old.ID).Error)

	fresh, err := svc.Replace(user, old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, models.KeyStatusActive, fresh.Status)

	var oldStored models.VpnKey
	require.NoError(t, db.First(&oldStored, old.ID).Error)
	assert.True(t, oldStored.Revoked)
	assert.Equal(t, models.KeyStatusRevoked, oldStored.Status)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&sub).Error)
	require.NotNil(t, sub.VpnKeyID)
	assert.Equal(t, fresh.ID, *sub.VpnKeyID)

	assert.Contains(t, panel.disabledUUIDs(), old.ClientUUID)
}

func TestReplaceSurvivesFailedRemoteDisable(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	old, err := svc.Issue(user)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).
		Update("vpn_key_id", old.ID).Error)

	panel.disableErr = errors.New("panel down")

	fresh, err := svc.Replace(user, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, fresh.Status)

	// Exactly one usable key remains regardless of the remote outcome.
	var usable int64
	require.NoError(t, db.Model(&models.VpnKey{}).
		Where("user_id = ? AND revoked = ?", user.ID, false).Count(&usable).Error)
	assert.EqualValues(t, 1, usable)
}

func TestReplaceRequiresBoundActiveSubscription(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	key, err := svc.Issue(user)
	require.NoError(t, err)

	// Subscription exists but is not bound to this key.
	_, err = svc.Replace(user, key.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestRevokeIsLocalFirst(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	key, err := svc.Issue(user)
	require.NoError(t, err)

	panel.disableErr = errors.New("panel down")
	require.NoError(t, svc.Revoke(user, key.ID))

	var stored models.VpnKey
	require.NoError(t, db.First(&stored, key.ID).Error)
	assert.True(t, stored.Revoked)
	assert.Contains(t, stored.LastError, "disable failed")

	// Revoking again is a no-op.
	require.NoError(t, svc.Revoke(user, key.ID))
}

func TestRevokeAll(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	for i := 0; i < 2; i++ {
		key := &models.VpnKey{UserID: user.ID, ClientUUID: fmt.Sprintf("uuid-%d", i),
			ClientEmail: fmt.Sprintf("k%d@test", i), Status: models.KeyStatusActive}
		require.NoError(t, db.Create(key).Error)
	}
	already := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-done", ClientEmail: "done@test",
		Status: models.KeyStatusRevoked, Revoked: true}
	require.NoError(t, db.Create(already).Error)

	revoked, err := svc.RevokeAll(user)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	var usable int64
	require.NoError(t, db.Model(&models.VpnKey{}).
		Where("user_id = ? AND revoked = ?", user.ID, false).Count(&usable).Error)
	assert.Zero(t, usable)
}

func TestEnsureKeyForActiveSubscription(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)
	sub := giveActiveSubscription(t, db, user)

	keyID, err := svc.EnsureKeyForActiveSubscription(user)
	require.NoError(t, err)
	require.NotZero(t, keyID)

	var stored models.Subscription
	require.NoError(t, db.First(&stored, sub.ID).Error)
	require.NotNil(t, stored.VpnKeyID)
	assert.Equal(t, keyID, *stored.VpnKeyID)

	// Nothing unassigned left: the second pass is a no-op.
	keyID, err = svc.EnsureKeyForActiveSubscription(user)
	require.NoError(t, err)
	assert.Zero(t, keyID)
}

func TestEnsureKeyReusesExistingKey(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)
	giveActiveSubscription(t, db, user)

	existing := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-e", ClientEmail: "e@test", Status: models.KeyStatusActive}
	require.NoError(t, db.Create(existing).Error)

	keyID, err := svc.EnsureKeyForActiveSubscription(user)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, keyID)
}

func TestRecoverStaleRetriesPendingAndFailed(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	stale := buildPendingKey(user)
	require.NoError(t, db.Create(stale).Error)
	fresh := buildPendingKey(user)
	require.NoError(t, db.Create(fresh).Error)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.VpnKey{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", past).Error)

	recovered := svc.RecoverStale(5 * time.Minute)
	assert.Equal(t, 1, recovered)

	var got models.VpnKey
	require.NoError(t, db.First(&got, stale.ID).Error)
	assert.Equal(t, models.KeyStatusActive, got.Status)

	got = models.VpnKey{}
	require.NoError(t, db.First(&got, fresh.ID).Error)
	assert.Equal(t, models.KeyStatusPending, got.Status, "fresh keys are left to their own finalize")
}

func TestCleanupUnusedDeletesStalePlaceholders(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)

	stale := buildPendingKey(user)
	require.NoError(t, db.Create(stale).Error)
	require.NoError(t, db.Model(&models.VpnKey{}).Where("id = ?", stale.ID).
		UpdateColumn("created_at", time.Now().Add(-48*time.Hour)).Error)

	removed := svc.CleanupUnused(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.Contains(t, panel.disabledUUIDs(), stale.ClientUUID)

	var count int64
	require.NoError(t, db.Model(&models.VpnKey{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCleanupUnusedProbesTraffic(t *testing.T) {
	svc, panel, db := newTestService(t)
	user := newTestUser(t, db)

	mkActive := func(suffix string) *models.VpnKey {
		key := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-" + suffix,
			ClientEmail: suffix + "@test", Status: models.KeyStatusActive, KeyValue: "vless://x"}
		require.NoError(t, db.Create(key).Error)
		require.NoError(t, db.Model(&models.VpnKey{}).Where("id = ?", key.ID).
			UpdateColumn("created_at", time.Now().Add(-48*time.Hour)).Error)
		return key
	}
	used := mkActive("used")
	unused := mkActive("unused")
	unknown := mkActive("unknown")

	panel.trafficFn = func(email string) (int64, bool, error) {
		switch email {
		case used.ClientEmail:
			return 1024, true, nil
		case unused.ClientEmail:
			return 0, true, nil
		default:
			return 0, false, nil
		}
	}

	removed := svc.CleanupUnused(24 * time.Hour)
	assert.Equal(t, 1, removed)

	var remaining []models.VpnKey
	require.NoError(t, db.Find(&remaining).Error)
	ids := make([]uint, 0, len(remaining))
	for _, k := range remaining {
		ids = append(ids, k.ID)
	}
	assert.ElementsMatch(t, []uint{used.ID, unknown.ID}, ids,
		"confirmed traffic and inconclusive probes both block deletion")
}

func TestPurgeRevoked(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	revoked := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-p", ClientEmail: "p@test",
		Status: models.KeyStatusRevoked, Revoked: true}
	keep := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-k", ClientEmail: "k@test",
		Status: models.KeyStatusActive}
	require.NoError(t, db.Create(revoked).Error)
	require.NoError(t, db.Create(keep).Error)

	assert.Equal(t, 1, svc.PurgeRevoked())

	var remaining []models.VpnKey
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.ID, remaining[0].ID)
}

func TestCanDelete(t *testing.T) {
	svc, _, db := newTestService(t)
	user := newTestUser(t, db)

	key := &models.VpnKey{UserID: user.ID, ClientUUID: "uuid-d", ClientEmail: "d@test", Status: models.KeyStatusActive}
	require.NoError(t, db.Create(key).Error)

	ok, err := svc.CanDelete(user, key.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	sub := giveActiveSubscription(t, db, user)
	require.NoError(t, db.Model(sub).Update("vpn_key_id", key.ID).Error)

	ok, err = svc.CanDelete(user, key.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "alice", normalizeUsername("@Alice"))
	assert.Equal(t, "a_b", normalizeUsername("a.!.b"))
	assert.Equal(t, "", normalizeUsername("  "))
	assert.Equal(t, "bob-42", normalizeUsername("Bob-42"))
}
