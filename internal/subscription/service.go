// Package subscription is the entitlement ledger: every extension is a
// new row chained off the previous active end, existing rows are only
// ever shortened (revoke) or bound to a key, never extended in place.
package subscription

import (
	"errors"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/rkxrichard/UzdenBot/internal/database"
	"github.com/rkxrichard/UzdenBot/internal/models"
)

type Service struct {
	DB *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// Extend grants the user `days` more days as a new ledger row. The new
// window starts at the current active end, or now when nothing is
// active, so consecutive extensions chain without gaps or overlaps.
func (s *Service) Extend(user *models.User, days int) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.ExtendInTx(tx, user, days)
		return err
	})
	return sub, err
}

// ExtendInTx is Extend running inside a caller-owned transaction; the
// payment settlement path uses it so the extension commits atomically
// with the processedAt stamp.
func (s *Service) ExtendInTx(tx *gorm.DB, user *models.User, days int) (*models.Subscription, error) {
	if err := database.LockUser(tx, user.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	start := now
	if active, err := getActiveTx(tx, user.ID); err != nil {
		return nil, err
	} else if active != nil && active.EndDate.After(now) {
		start = active.EndDate
	}

	sub := &models.Subscription{
		UserID:    user.ID,
		StartDate: start,
		EndDate:   start.AddDate(0, 0, days),
		Active:    true,
	}
	if err := tx.Create(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

// ExtendForKey chains a new window off the key's own active end,
// giving each key an independent renewal timeline.
func (s *Service) ExtendForKey(user *models.User, key *models.VpnKey, days int) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}

		now := time.Now()
		start := now
		if active, err := getActiveForKeyTx(tx, key.ID); err != nil {
			return err
		} else if active != nil && active.EndDate.After(now) {
			start = active.EndDate
		}

		sub = &models.Subscription{
			UserID:    user.ID,
			VpnKeyID:  &key.ID,
			StartDate: start,
			EndDate:   start.AddDate(0, 0, days),
			Active:    true,
		}
		return tx.Create(sub).Error
	})
	return sub, err
}

// GetActive returns the user's currently active subscription (the most
// recent row with end > now), or nil when there is none.
func (s *Service) GetActive(user *models.User) (*models.Subscription, error) {
	return getActiveTx(s.DB, user.ID)
}

func (s *Service) GetActiveForKey(key *models.VpnKey) (*models.Subscription, error) {
	return getActiveForKeyTx(s.DB, key.ID)
}

// GetLast returns the most recent subscription row by end date,
// active or not.
func (s *Service) GetLast(user *models.User) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.DB.Where("user_id = ?", user.ID).
		Order("end_date DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Service) HasActive(user *models.User) (bool, error) {
	sub, err := s.GetActive(user)
	return sub != nil, err
}

func (s *Service) HasActiveForKey(key *models.VpnKey) (bool, error) {
	sub, err := s.GetActiveForKey(key)
	return sub != nil, err
}

// FindActiveUnassigned returns active subscriptions with no key bound,
// newest end first. Used to auto-associate a key after settlement.
func (s *Service) FindActiveUnassigned(tx *gorm.DB, userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := tx.Where("user_id = ? AND vpn_key_id IS NULL AND end_date > ?", userID, time.Now()).
		Order("end_date DESC").Find(&subs).Error
	return subs, err
}

// RevokeActive ends the user's active subscription immediately.
// Idempotent: no active row is not an error.
func (s *Service) RevokeActive(user *models.User) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}
		active, err := getActiveTx(tx, user.ID)
		if err != nil || active == nil {
			return err
		}
		return endNowTx(tx, active)
	})
}

// RevokeAllActive ends every active subscription of the user and
// returns how many were ended.
func (s *Service) RevokeAllActive(user *models.User) (int, error) {
	ended := 0
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := database.LockUser(tx, user.ID); err != nil {
			return err
		}
		var active []models.Subscription
		if err := tx.Where("user_id = ? AND end_date > ?", user.ID, time.Now()).
			Find(&active).Error; err != nil {
			return err
		}
		for i := range active {
			if err := endNowTx(tx, &active[i]); err != nil {
				return err
			}
			ended++
		}
		return nil
	})
	return ended, err
}

// DaysLeft counts whole days until the subscription ends, rounding up:
// one minute before expiry still reads as 1, the minute after as 0.
func (s *Service) DaysLeft(sub *models.Subscription) int {
	minutes := time.Until(sub.EndDate).Minutes()
	if minutes <= 0 {
		return 0
	}
	return int(math.Ceil(minutes / 1440.0))
}

func getActiveTx(tx *gorm.DB, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("user_id = ? AND end_date > ?", userID, time.Now()).
		Order("end_date DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func getActiveForKeyTx(tx *gorm.DB, keyID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("vpn_key_id = ? AND end_date > ?", keyID, time.Now()).
		Order("end_date DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func endNowTx(tx *gorm.DB, sub *models.Subscription) error {
	return tx.Model(sub).Updates(map[string]interface{}{
		"end_date": time.Now(),
		"active":   false,
	}).Error
}
