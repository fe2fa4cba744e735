package users

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
)

type Service struct {
	DB   *gorm.DB
	Subs *subscription.Service
	Keys *keys.Service
}

func NewService(db *gorm.DB, subs *subscription.Service, keySvc *keys.Service) *Service {
	return &Service{DB: db, Subs: subs, Keys: keySvc}
}

// RegisterOrUpdate creates the user on first contact and keeps the
// username and referral code current afterwards. A concurrent first
// contact losing the unique-index race re-reads the winner's row.
func (s *Service) RegisterOrUpdate(telegramID int64, username string) (*models.User, error) {
	var user models.User
	err := s.DB.Where("telegram_id = ?", telegramID).First(&user).Error
	if err == nil {
		updates := map[string]interface{}{}
		if username != "" && username != user.Username {
			updates["username"] = username
		}
		if user.ReferralCode == "" {
			updates["referral_code"] = referralCode(telegramID)
		}
		if len(updates) > 0 {
			if err := s.DB.Model(&user).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = models.User{
		TelegramID:   telegramID,
		Username:     username,
		ReferralCode: referralCode(telegramID),
	}
	if err := s.DB.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if readErr := s.DB.Where("telegram_id = ?", telegramID).First(&user).Error; readErr == nil {
				return &user, nil
			}
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) FindByTelegramID(telegramID int64) (*models.User, error) {
	var user models.User
	err := s.DB.Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Validation("user not found")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) FindByUsername(username string) (*models.User, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, apperr.Validation("user not found")
	}
	var user models.User
	err := s.DB.Where("LOWER(username) = LOWER(?)", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Validation("user not found")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Disable cuts the user off: all active subscriptions end immediately
// and every key is revoked locally, regardless of the remote-disable
// outcome.
func (s *Service) Disable(user *models.User) error {
	if err := s.DB.Model(user).Update("disabled", true).Error; err != nil {
		return err
	}
	if _, err := s.Subs.RevokeAllActive(user); err != nil {
		return err
	}
	_, err := s.Keys.RevokeAll(user)
	return err
}

func (s *Service) Enable(user *models.User) error {
	return s.DB.Model(user).Update("disabled", false).Error
}

// PurgeDisabled deletes disabled users after a best-effort panel
// disable of each of their keys.
func (s *Service) PurgeDisabled() int {
	var disabled []models.User
	if err := s.DB.Where("disabled = ?", true).Find(&disabled).Error; err != nil {
		log.Printf("Purge disabled users query failed: %v", err)
		return 0
	}
	if len(disabled) == 0 {
		return 0
	}

	for i := range disabled {
		if _, err := s.Keys.RevokeAll(&disabled[i]); err != nil {
			log.Printf("Failed to revoke keys for disabled userId=%d: %v", disabled[i].ID, err)
		}
	}

	ids := make([]uint, 0, len(disabled))
	for i := range disabled {
		ids = append(ids, disabled[i].ID)
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id IN ?", ids).Delete(&models.Payment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id IN ?", ids).Delete(&models.Subscription{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id IN ?", ids).Delete(&models.VpnKey{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.User{}, ids).Error
	})
	if err != nil {
		log.Printf("Failed to purge disabled users: %v", err)
		return 0
	}
	return len(ids)
}

func referralCode(telegramID int64) string {
	return fmt.Sprintf("%d", telegramID)
}
