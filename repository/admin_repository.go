package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"gorm.io/gorm"
)

type AdminRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewAdminRepository(db *gorm.DB, log *logrus.Logger) *AdminRepository {
	return &AdminRepository{
		db:  db,
		log: log,
	}
}

func (r *AdminRepository) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.AdminUser{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (r *AdminRepository) List(ctx context.Context) ([]models.AdminUser, error) {
	var admins []models.AdminUser
	err := r.db.WithContext(ctx).Order("created_at asc").Find(&admins).Error
	return admins, err
}

// Add grants admin rights. Returns ErrDuplicate if userID is already admin.
func (r *AdminRepository) Add(ctx context.Context, userID, createdBy string) (*models.AdminUser, error) {
	admin := &models.AdminUser{UserID: userID, CreatedBy: createdBy}
	err := r.db.WithContext(ctx).Create(admin).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}
