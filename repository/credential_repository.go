package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CredentialRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewCredentialRepository(db *gorm.DB, log *logrus.Logger) *CredentialRepository {
	return &CredentialRepository{
		db:  db,
		log: log,
	}
}

// FindByUserID returns ErrNotFound when the user has not been bootstrapped.
func (r *CredentialRepository) FindByUserID(ctx context.Context, userID string) (*models.AWSCredentials, error) {
	var creds models.AWSCredentials
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&creds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// Create inserts a new credentials row. A second row for the same user
// yields ErrDuplicate.
func (r *CredentialRepository) Create(ctx context.Context, creds *models.AWSCredentials) error {
	err := r.db.WithContext(ctx).Create(creds).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// Upsert replaces the key material of an existing row, keyed by user id.
func (r *CredentialRepository) Upsert(ctx context.Context, creds *models.AWSCredentials) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_key_id",
			"secret_access_key",
			"organization_id",
			"account_id",
			"iam_username",
			"updated_at",
		}),
	}).Create(creds).Error
}
