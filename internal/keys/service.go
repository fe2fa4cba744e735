// Package keys owns the credential state machine: PENDING -> ACTIVE on
// a successful panel round trip, -> FAILED with the error recorded on a
// failed one, -> REVOKED as the terminal local deactivation. The local
// database is the system of record; the panel is reconciled best-effort
// and healed by the recovery and cleanup passes.
package keys

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/database"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
	"github.com/rkxrichard/UzdenBot/internal/xui"
)

// PanelClient is the contract the lifecycle manager needs from the
// provisioning panel adapter.
type PanelClient interface {
	AddClient(inboundID int64, clientUUID, email string) error
	DisableClient(inboundID int64, clientUUID string) error
	GetInbound(inboundID int64) (string, error)
	ClientTraffic(email string) (int64, bool, error)
}

// recoveryBatchLimit bounds how many stale keys one recovery pass
// touches.
const recoveryBatchLimit = 100

type Service struct {
	DB    *gorm.DB
	Panel PanelClient
	Subs  *subscription.Service

	InboundID      int64
	PublicHost     string
	PublicPort     int
	LinkTag        string
	MaxKeysPerUser int
}

func NewService(db *gorm.DB, panel PanelClient, subs *subscription.Service,
	inboundID int64, publicHost string, publicPort int, linkTag string, maxKeys int) *Service {
	return &Service{
		DB:             db,
		Panel:          panel,
		Subs:           subs,
		InboundID:      inboundID,
		PublicHost:     publicHost,
		PublicPort:     publicPort,
		LinkTag:        linkTag,
		MaxKeysPerUser: maxKeys,
	}
}

func (s *Service) CountNonRevoked(userID uint) (int64, error) {
	var count int64
	err := s.DB.Model(&models.VpnKey{}).
		Where("user_id = ? AND revoked = ? AND status <> ?", userID, false, models.KeyStatusRevoked).
		Count(&count).Error
	return count, err
}

func (s *Service) ListUserKeys(user *models.User) ([]models.VpnKey, error) {
	var keys []models.VpnKey
	err := s.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

// FindKeyForUser loads the user's key, rejecting unknown and revoked
// ones.
func (s *Service) FindKeyForUser(user *models.User, keyID uint) (*models.VpnKey, error) {
	var key models.VpnKey
	err := s.DB.Where("id = ? AND user_id = ?", keyID, user.ID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Validation("key not found")
	}
	if err != nil {
		return nil, err
	}
	if key.Revoked || key.Status == models.KeyStatusRevoked {
		return nil, apperr.Conflict("key is revoked")
	}
	return &key, nil
}

// CanDelete is true only while no active subscription is bound to the
// key; keys under an active entitlement are replaceable, not deletable.
func (s *Service) CanDelete(user *models.User, keyID uint) (bool, error) {
	key, err := s.FindKeyForUser(user, keyID)
	if err != nil {
		return false, err
	}
	hasActive, err := s.Subs.HasActiveForKey(key)
	if err != nil {
		return false, err
	}
	return !hasActive, nil
}

// Issue hands the user a key. It requires an active subscription,
// reuses a key that is still mid-provisioning (so concurrent duplicate
// calls converge on one row) and otherwise creates a fresh PENDING row
// under the per-user limit, then finalizes it outside the transaction.
func (s *Service) Issue(user *models.User) (*models.VpnKey, error) {
	hasActive, err := s.Subs.HasActive(user)
	if err != nil {
		return nil, err
	}
	if !hasActive {
		return nil, apperr.Conflict("no active subscription")
	}

	var key *models.VpnKey
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}

		// A PENDING key means another issue is in flight; attach to it
		// instead of minting a duplicate row.
		var pending models.VpnKey
		err := tx.Where("user_id = ? AND revoked = ? AND status = ?",
			user.ID, false, models.KeyStatusPending).
			Order("created_at DESC").First(&pending).Error
		if err == nil {
			key = &pending
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		key, err = s.createPendingTx(tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.FinalizeIssue(key.ID)
}

// FinalizeIssue drives a key to ACTIVE: panel addClient, inbound
// resolution, link build, persist. Idempotent: an ACTIVE key is
// returned unchanged, a duplicate-client panel response counts as
// success, a REVOKED key is rejected. Runs with no open transaction so
// panel round trips never hold database locks.
func (s *Service) FinalizeIssue(keyID uint) (*models.VpnKey, error) {
	var key models.VpnKey
	if err := s.DB.First(&key, keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("key not found")
		}
		return nil, err
	}

	if key.Status == models.KeyStatusActive && !key.Revoked {
		return &key, nil
	}
	if key.Revoked || key.Status == models.KeyStatusRevoked {
		return nil, apperr.Conflict("key is revoked")
	}

	link, err := s.provision(&key)
	if err != nil {
		log.Printf("Key issue failed: keyId=%d uuid=%s: %v", key.ID, key.ClientUUID, err)
		if markErr := s.markFailed(key.ID, err.Error()); markErr != nil {
			log.Printf("Failed to mark key %d FAILED: %v", key.ID, markErr)
		}
		// Compensation: the client may have been half-created in the
		// panel; disabling is safer than deleting.
		if disErr := s.Panel.DisableClient(s.InboundID, key.ClientUUID); disErr != nil {
			log.Printf("Compensating disable failed for keyId=%d: %v", key.ID, disErr)
		}
		return nil, apperr.Gateway("issue key", err)
	}

	return s.activate(key.ID, link)
}

func (s *Service) provision(key *models.VpnKey) (string, error) {
	if err := s.Panel.AddClient(s.InboundID, key.ClientUUID, key.ClientEmail); err != nil {
		// The client already existing in the panel is the desired end
		// state, not a failure.
		if !xui.IsDuplicateClient(err) {
			return "", fmt.Errorf("add client: %w", err)
		}
	}

	inboundJSON, err := s.Panel.GetInbound(s.InboundID)
	if err != nil {
		return "", fmt.Errorf("get inbound: %w", err)
	}

	link, err := xui.BuildRealityLink(inboundJSON, s.PublicHost, s.PublicPort, key.ClientUUID, s.LinkTag)
	if err != nil {
		return "", fmt.Errorf("build link: %w", err)
	}
	return link, nil
}

// GetForUser returns the resolved key value for a key under an active
// subscription, finishing provisioning if it is still PENDING/FAILED
// and refreshing a stale stored link on read.
func (s *Service) GetForUser(user *models.User, keyID uint) (*models.VpnKey, error) {
	key, err := s.FindKeyForUser(user, keyID)
	if err != nil {
		return nil, err
	}
	hasActive, err := s.Subs.HasActiveForKey(key)
	if err != nil {
		return nil, err
	}
	if !hasActive {
		return nil, apperr.Conflict("no active subscription for this key")
	}

	if key.Status == models.KeyStatusActive {
		if xui.NeedsLinkRefresh(key.KeyValue) {
			return s.refreshActiveLink(key), nil
		}
		return key, nil
	}
	return s.FinalizeIssue(key.ID)
}

// Replace swaps a key under an active subscription: the old key is
// revoked locally and the subscription rebound to a fresh PENDING key
// in one transaction, then the new key is finalized and the old one
// disabled in the panel best-effort. A failed remote disable never
// rolls the swap back; the local REVOKED state is authoritative.
func (s *Service) Replace(user *models.User, keyID uint) (*models.VpnKey, error) {
	type swap struct {
		newKeyID      uint
		oldClientUUID string
	}
	var ctx swap

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}

		var old models.VpnKey
		err := tx.Where("id = ? AND user_id = ?", keyID, user.ID).First(&old).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Validation("key not found")
		}
		if err != nil {
			return err
		}
		if old.Revoked || old.Status == models.KeyStatusRevoked {
			return apperr.Conflict("key is revoked")
		}

		var activeSub models.Subscription
		err = tx.Where("vpn_key_id = ? AND end_date > ?", old.ID, time.Now()).
			Order("end_date DESC").First(&activeSub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Conflict("no active subscription for this key")
		}
		if err != nil {
			return err
		}

		old.MarkRevoked()
		old.LastError = ""
		if err := tx.Save(&old).Error; err != nil {
			return err
		}

		pending := buildPendingKey(user)
		if err := tx.Create(pending).Error; err != nil {
			return err
		}

		if err := tx.Model(&activeSub).Update("vpn_key_id", pending.ID).Error; err != nil {
			return err
		}

		ctx = swap{newKeyID: pending.ID, oldClientUUID: old.ClientUUID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	newKey, err := s.FinalizeIssue(ctx.newKeyID)

	if disErr := s.Panel.DisableClient(s.InboundID, ctx.oldClientUUID); disErr != nil {
		log.Printf("Failed to disable replaced key client: uuid=%s: %v", ctx.oldClientUUID, disErr)
	}

	return newKey, err
}

// Revoke marks the key REVOKED locally, then disables it in the panel
// best-effort; a remote failure is recorded on the already revoked row
// for the cleanup pass, never treated as "still active".
func (s *Service) Revoke(user *models.User, keyID uint) error {
	var key models.VpnKey
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}
		err := tx.Where("id = ? AND user_id = ?", keyID, user.ID).First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Validation("key not found")
		}
		if err != nil {
			return err
		}
		if key.Revoked || key.Status == models.KeyStatusRevoked {
			return nil
		}
		key.MarkRevoked()
		key.LastError = ""
		return tx.Save(&key).Error
	})
	if err != nil {
		return err
	}

	if disErr := s.Panel.DisableClient(s.InboundID, key.ClientUUID); disErr != nil {
		log.Printf("Failed to disable key client: keyId=%d uuid=%s: %v", key.ID, key.ClientUUID, disErr)
		s.recordError(key.ID, "disable failed: "+disErr.Error())
	}
	return nil
}

// RevokeAll revokes every non-revoked key of the user and returns how
// many were revoked. Remote disables are best-effort per key.
func (s *Service) RevokeAll(user *models.User) (int, error) {
	keys, err := s.ListUserKeys(user)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for i := range keys {
		key := &keys[i]
		if key.Revoked || key.Status == models.KeyStatusRevoked {
			continue
		}
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			var fresh models.VpnKey
			if err := tx.First(&fresh, key.ID).Error; err != nil {
				return err
			}
			if fresh.Revoked || fresh.Status == models.KeyStatusRevoked {
				return nil
			}
			fresh.MarkRevoked()
			fresh.LastError = ""
			return tx.Save(&fresh).Error
		})
		if err != nil {
			log.Printf("Failed to revoke keyId=%d: %v", key.ID, err)
			continue
		}
		revoked++
		if disErr := s.Panel.DisableClient(s.InboundID, key.ClientUUID); disErr != nil {
			log.Printf("Failed to disable key client keyId=%d: %v", key.ID, disErr)
			s.recordError(key.ID, "disable failed: "+disErr.Error())
		}
	}
	return revoked, nil
}

// EnsureKeyForActiveSubscription binds the user's active, unassigned
// subscriptions to a key, creating a PENDING one when the user has no
// usable key. Returns the key id (0 when nothing needed binding) for
// the caller to finalize outside the transaction.
func (s *Service) EnsureKeyForActiveSubscription(user *models.User) (uint, error) {
	var keyID uint
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}
		unassigned, err := s.Subs.FindActiveUnassigned(tx, user.ID)
		if err != nil || len(unassigned) == 0 {
			return err
		}

		var key models.VpnKey
		err = tx.Where("user_id = ? AND revoked = ? AND status IN ?",
			user.ID, false, []string{models.KeyStatusPending, models.KeyStatusActive}).
			Order("created_at DESC").First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := s.ensureKeyLimitTx(tx, user.ID); err != nil {
				return err
			}
			pending := buildPendingKey(user)
			if err := tx.Create(pending).Error; err != nil {
				return err
			}
			key = *pending
		} else if err != nil {
			return err
		}

		for i := range unassigned {
			if err := tx.Model(&unassigned[i]).Update("vpn_key_id", key.ID).Error; err != nil {
				return err
			}
		}
		keyID = key.ID
		return nil
	})
	return keyID, err
}

// RecoverStale reruns finalize on PENDING/FAILED keys older than the
// threshold. Per-item failures are logged and skipped; the pass is
// bounded and never aborts.
func (s *Service) RecoverStale(olderThan time.Duration) int {
	border := time.Now().Add(-olderThan)
	var stale []models.VpnKey
	err := s.DB.Where("revoked = ? AND status IN ? AND updated_at < ?",
		false, []string{models.KeyStatusPending, models.KeyStatusFailed}, border).
		Order("updated_at ASC").Limit(recoveryBatchLimit).Find(&stale).Error
	if err != nil {
		log.Printf("Recovery query failed: %v", err)
		return 0
	}

	recovered := 0
	for _, k := range stale {
		if _, err := s.FinalizeIssue(k.ID); err != nil {
			log.Printf("Recovery failed for keyId=%d: %v", k.ID, err)
			continue
		}
		recovered++
	}
	return recovered
}

// CleanupUnused removes keys nobody ever used. Pass 1 deletes
// PENDING/FAILED keys older than the TTL. Pass 2 deletes ACTIVE keys
// older than the TTL whose traffic probe confirmed zero bytes; an
// inconclusive probe blocks deletion. Remote disables are best-effort
// before each delete.
func (s *Service) CleanupUnused(ttl time.Duration) int {
	border := time.Now().Add(-ttl)
	removed := 0

	var stale []models.VpnKey
	err := s.DB.Where("status IN ? AND created_at < ?",
		[]string{models.KeyStatusPending, models.KeyStatusFailed}, border).Find(&stale).Error
	if err != nil {
		log.Printf("Cleanup query (pending/failed) failed: %v", err)
	}
	for i := range stale {
		s.tryDisable(&stale[i])
		if err := s.DB.Delete(&stale[i]).Error; err != nil {
			log.Printf("Failed to delete keyId=%d: %v", stale[i].ID, err)
			continue
		}
		removed++
	}

	var active []models.VpnKey
	err = s.DB.Where("status = ? AND revoked = ? AND created_at < ?",
		models.KeyStatusActive, false, border).Find(&active).Error
	if err != nil {
		log.Printf("Cleanup query (active) failed: %v", err)
	}
	for i := range active {
		key := &active[i]
		traffic, known, err := s.Panel.ClientTraffic(key.ClientEmail)
		if err != nil || !known {
			// Unknown usage must never be read as zero.
			continue
		}
		if traffic > 0 {
			continue
		}
		s.tryDisable(key)
		if err := s.DB.Delete(key).Error; err != nil {
			log.Printf("Failed to delete keyId=%d: %v", key.ID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("Removed unused keys: %d", removed)
	}
	return removed
}

// PurgeRevoked deletes all REVOKED rows after a best-effort panel
// disable for each.
func (s *Service) PurgeRevoked() int {
	var revoked []models.VpnKey
	if err := s.DB.Where("revoked = ? OR status = ?", true, models.KeyStatusRevoked).
		Find(&revoked).Error; err != nil {
		log.Printf("Purge query failed: %v", err)
		return 0
	}
	if len(revoked) == 0 {
		return 0
	}
	ids := make([]uint, 0, len(revoked))
	for i := range revoked {
		s.tryDisable(&revoked[i])
		ids = append(ids, revoked[i].ID)
	}
	if err := s.DB.Delete(&models.VpnKey{}, ids).Error; err != nil {
		log.Printf("Failed to purge revoked keys: %v", err)
		return 0
	}
	return len(ids)
}

func (s *Service) tryDisable(key *models.VpnKey) {
	if err := s.Panel.DisableClient(s.InboundID, key.ClientUUID); err != nil {
		log.Printf("Failed to disable client in panel for keyId=%d: %v", key.ID, err)
	}
}

// refreshActiveLink rebuilds the stored link from the live inbound
// config and persists it only when it changed. Failures are logged and
// the stored value served; the cleanup cycle heals truly dead keys.
func (s *Service) refreshActiveLink(key *models.VpnKey) *models.VpnKey {
	inboundJSON, err := s.Panel.GetInbound(s.InboundID)
	if err != nil {
		log.Printf("Failed to refresh link for keyId=%d: %v", key.ID, err)
		return key
	}
	link, err := xui.BuildRealityLink(inboundJSON, s.PublicHost, s.PublicPort, key.ClientUUID, s.LinkTag)
	if err != nil {
		log.Printf("Failed to rebuild link for keyId=%d: %v", key.ID, err)
		return key
	}
	if link == key.KeyValue {
		return key
	}
	refreshed, err := s.activate(key.ID, link)
	if err != nil {
		log.Printf("Failed to persist refreshed link for keyId=%d: %v", key.ID, err)
		return key
	}
	return refreshed
}

func (s *Service) createPendingTx(tx *gorm.DB, user *models.User) (*models.VpnKey, error) {
	if err := s.ensureKeyLimitTx(tx, user.ID); err != nil {
		return nil, err
	}
	pending := buildPendingKey(user)
	if err := tx.Create(pending).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Unique clash on the external identifier means a
			// concurrent issue won; reconcile by re-reading.
			var existing models.VpnKey
			if readErr := tx.Where("user_id = ? AND revoked = ? AND status = ?",
				user.ID, false, models.KeyStatusPending).
				Order("created_at DESC").First(&existing).Error; readErr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return pending, nil
}

func (s *Service) ensureKeyLimitTx(tx *gorm.DB, userID uint) error {
	var count int64
	err := tx.Model(&models.VpnKey{}).
		Where("user_id = ? AND revoked = ? AND status <> ?", userID, false, models.KeyStatusRevoked).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count >= int64(s.MaxKeysPerUser) {
		return apperr.Conflict("key limit reached (%d)", s.MaxKeysPerUser)
	}
	return nil
}

func (s *Service) activate(keyID uint, link string) (*models.VpnKey, error) {
	var key models.VpnKey
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&key, keyID).Error; err != nil {
			return err
		}
		key.MarkActive(link)
		return tx.Save(&key).Error
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Service) markFailed(keyID uint, errMsg string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var key models.VpnKey
		if err := tx.First(&key, keyID).Error; err != nil {
			return err
		}
		key.MarkFailed(errMsg)
		return tx.Save(&key).Error
	})
}

func (s *Service) recordError(keyID uint, errMsg string) {
	if err := s.DB.Model(&models.VpnKey{}).Where("id = ?", keyID).
		Update("last_error", errMsg).Error; err != nil {
		log.Printf("Failed to record error for keyId=%d: %v", keyID, err)
	}
}

// buildPendingKey mints the local placeholder row: a fresh client UUID
// and a correlation email unique in the panel namespace (a UUID slice
// is appended so a parallel issue never clashes on the email).
func buildPendingKey(user *models.User) *models.VpnKey {
	clientUUID := uuid.New().String()
	short := clientUUID[:8]

	identity := fmt.Sprintf("tg_%d", user.TelegramID)
	if uname := normalizeUsername(user.Username); uname != "" {
		identity = fmt.Sprintf("tg_%s_%d", uname, user.TelegramID)
	}

	return &models.VpnKey{
		UserID:      user.ID,
		ClientUUID:  clientUUID,
		ClientEmail: identity + "_" + short,
		Status:      models.KeyStatusPending,
		KeyValue:    "PENDING:" + clientUUID,
	}
}

func normalizeUsername(username string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if trimmed == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(trimmed) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	collapsed := sb.String()
	for strings.Contains(collapsed, "__") {
		collapsed = strings.ReplaceAll(collapsed, "__", "_")
	}
	return strings.Trim(collapsed, "_")
}
