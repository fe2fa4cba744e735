package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rkxrichard/UzdenBot/internal/models"
)

// LockUser takes an exclusive row lock on the user for the duration of
// the surrounding transaction. All mutations of a user's keys and
// subscriptions go through this lock, serializing them per user.
// SQLite (used by tests) has no row locks; its transactions are already
// exclusive.
func LockUser(tx *gorm.DB, userID uint) error {
	if tx.Dialector.Name() != "postgres" {
		var user models.User
		return tx.First(&user, userID).Error
	}
	var user models.User
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error
}
