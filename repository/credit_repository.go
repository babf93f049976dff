package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errAlreadyApplied = errors.New("purchase already applied")

type CreditRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewCreditRepository(db *gorm.DB, log *logrus.Logger) *CreditRepository {
	return &CreditRepository{
		db:  db,
		log: log,
	}
}

// Balance returns 0 for users that never bought credits.
func (r *CreditRepository) Balance(ctx context.Context, userID string) (int64, error) {
	var credits models.UserCredits
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&credits).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return credits.Balance, err
}

// History returns the newest purchases first.
func (r *CreditRepository) History(ctx context.Context, userID string, limit int) ([]models.CreditPurchaseHistory, error) {
	var history []models.CreditPurchaseHistory
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&history).Error
	return history, err
}

// ListBalances retrieves all balances, largest first.
func (r *CreditRepository) ListBalances(ctx context.Context, limit, offset int) ([]models.UserCredits, error) {
	var balances []models.UserCredits
	err := r.db.WithContext(ctx).
		Order("balance desc").
		Limit(limit).
		Offset(offset).
		Find(&balances).Error
	return balances, err
}

// ApplyPurchase records the purchase and credits the user in one
// transaction. It reports false without touching the balance when the
// Stripe session was already applied.
func (r *CreditRepository) ApplyPurchase(ctx context.Context, purchase *models.CreditPurchaseHistory) (bool, error) {
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.CreditPurchaseHistory{}).
			Where("stripe_session_id = ?", purchase.StripeSessionID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errAlreadyApplied
		}

		if err := tx.Create(purchase).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errAlreadyApplied
			}
			return err
		}
		return addCredits(tx, purchase.UserID, purchase.Credits)
	})
	if errors.Is(err, errAlreadyApplied) {
		r.log.WithFields(logrus.Fields{
			"user_id":    purchase.UserID,
			"session_id": purchase.StripeSessionID,
		}).Info("purchase already applied, skipping")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func addCredits(tx *gorm.DB, userID string, amount int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance":    gorm.Expr("user_credits.balance + ?", amount),
			"updated_at": time.Now(),
		}),
	}).Create(&models.UserCredits{UserID: userID, Balance: amount}).Error
}
