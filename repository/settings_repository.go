package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SettingsRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewSettingsRepository(db *gorm.DB, log *logrus.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:  db,
		log: log,
	}
}

// Get returns the stored settings or the defaults for a new user.
func (r *SettingsRepository) Get(ctx context.Context, userID string) (*models.UserSettings, error) {
	var settings models.UserSettings
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserSettings{
			UserID:               userID,
			Language:             models.DefaultLanguage,
			EnvironmentVariables: datatypes.JSONMap{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *SettingsRepository) Save(ctx context.Context, settings *models.UserSettings) error {
	settings.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"language", "environment_variables", "ssh_public_key", "updated_at"}),
	}).Create(settings).Error
}
