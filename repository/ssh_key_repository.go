package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"gorm.io/gorm"
)

type SSHKeyRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewSSHKeyRepository(db *gorm.DB, log *logrus.Logger) *SSHKeyRepository {
	return &SSHKeyRepository{
		db:  db,
		log: log,
	}
}

// List returns the keys of one instance owned by userID, oldest first.
func (r *SSHKeyRepository) List(ctx context.Context, userID, instanceID string) ([]models.InstanceSSHKey, error) {
	return listKeys(r.db.WithContext(ctx), userID, instanceID)
}

// Add stores key and calls apply with the full resulting key set inside the
// same transaction. An apply error rolls the insert back.
func (r *SSHKeyRepository) Add(ctx context.Context, key *models.InstanceSSHKey, apply func([]models.InstanceSSHKey) error) error {
	return r.store(ctx, key, false, apply)
}

// Replace is Add after deleting the user's other keys with the same name on
// the instance, so the new key supersedes them.
func (r *SSHKeyRepository) Replace(ctx context.Context, key *models.InstanceSSHKey, apply func([]models.InstanceSSHKey) error) error {
	return r.store(ctx, key, true, apply)
}

func (r *SSHKeyRepository) store(ctx context.Context, key *models.InstanceSSHKey, replace bool, apply func([]models.InstanceSSHKey) error) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if replace {
			err := tx.Where("instance_id = ? AND user_id = ? AND name = ?", key.InstanceID, key.UserID, key.Name).
				Delete(&models.InstanceSSHKey{}).Error
			if err != nil {
				return err
			}
		}
		if err := tx.Create(key).Error; err != nil {
			return err
		}
		keys, err := listKeys(tx, key.UserID, key.InstanceID)
		if err != nil {
			return err
		}
		return apply(keys)
	})
}

// Remove deletes one key and calls apply with the remaining set inside the
// same transaction. Returns ErrNotFound when no such key belongs to the user.
func (r *SSHKeyRepository) Remove(ctx context.Context, userID, instanceID, keyID string, apply func([]models.InstanceSSHKey) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND instance_id = ? AND user_id = ?", keyID, instanceID, userID).
			Delete(&models.InstanceSSHKey{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		remaining, err := listKeys(tx, userID, instanceID)
		if err != nil {
			return err
		}
		return apply(remaining)
	})
}

func listKeys(db *gorm.DB, userID, instanceID string) ([]models.InstanceSSHKey, error) {
	var keys []models.InstanceSSHKey
	err := db.Where("instance_id = ? AND user_id = ?", instanceID, userID).
		Order("created_at asc").
		Order("id asc").
		Find(&keys).Error
	return keys, err
}
