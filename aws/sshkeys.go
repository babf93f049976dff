package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
	"golang.org/x/crypto/ssh"
)

// EC2 only accepts new user data while the instance is stopped.
const codeIncorrectState = "IncorrectInstanceState"

// KeyStore persists instance SSH keys. Add and Remove hand the resulting
// key set to apply inside the same transaction, an apply error rolls the
// change back.
type KeyStore interface {
	List(ctx context.Context, userID, instanceID string) ([]models.InstanceSSHKey, error)
	Add(ctx context.Context, key *models.InstanceSSHKey, apply func([]models.InstanceSSHKey) error) error
	Replace(ctx context.Context, key *models.InstanceSSHKey, apply func([]models.InstanceSSHKey) error) error
	Remove(ctx context.Context, userID, instanceID, keyID string, apply func([]models.InstanceSSHKey) error) error
}

// ParsePublicKey accepts exactly one authorized_keys line.
func ParsePublicKey(publicKey string) (ssh.PublicKey, error) {
	line := strings.TrimSpace(publicKey)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return nil, fmt.Errorf("%w: expected a single line", ErrInvalidPublicKey)
	}
	key, _, _, rest, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: expected a single key", ErrInvalidPublicKey)
	}
	return key, nil
}

// AddSSHKey registers a key for an owned instance and rewrites the
// instance user data with the full key set.
func (c *Controller) AddSSHKey(ctx context.Context, userID, instanceID, name, publicKey string) (*models.InstanceSSHKey, error) {
	if _, err := ParsePublicKey(publicKey); err != nil {
		return nil, err
	}
	client, err := c.ownedClient(ctx, userID, instanceID)
	if err != nil {
		return nil, err
	}
	return c.addKey(ctx, client, userID, instanceID, name, publicKey)
}

func (c *Controller) addKey(ctx context.Context, client EC2API, userID, instanceID, name, publicKey string) (*models.InstanceSSHKey, error) {
	key, err := newKeyRecord(userID, instanceID, name, publicKey)
	if err != nil {
		return nil, err
	}
	if err := c.keys.Add(ctx, key, c.applyKeys(ctx, client, instanceID)); err != nil {
		return nil, keyStoreError(err)
	}

	c.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"instance_id": instanceID,
		"fingerprint": key.Fingerprint,
	}).Info("SSH key added")
	return key, nil
}

// replaceDefaultKey makes publicKey the instance's only key named default.
// Keys registered under other names stay authorized.
func (c *Controller) replaceDefaultKey(ctx context.Context, client EC2API, userID, instanceID, publicKey string) error {
	key, err := newKeyRecord(userID, instanceID, defaultKeyName, publicKey)
	if err != nil {
		return err
	}
	if err := c.keys.Replace(ctx, key, c.applyKeys(ctx, client, instanceID)); err != nil {
		return keyStoreError(err)
	}

	c.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"instance_id": instanceID,
		"fingerprint": key.Fingerprint,
	}).Info("default SSH key replaced")
	return nil
}

func newKeyRecord(userID, instanceID, name, publicKey string) (*models.InstanceSSHKey, error) {
	parsed, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultKeyName
	}
	return &models.InstanceSSHKey{
		InstanceID:  instanceID,
		UserID:      userID,
		Name:        name,
		PublicKey:   strings.TrimSpace(publicKey),
		Fingerprint: ssh.FingerprintSHA256(parsed),
	}, nil
}

// ListSSHKeys returns the keys registered for the instance, oldest first.
func (c *Controller) ListSSHKeys(ctx context.Context, userID, instanceID string) ([]models.InstanceSSHKey, error) {
	if instanceID == "" {
		return nil, ErrInstanceIDRequired
	}
	keys, err := c.keys.List(ctx, userID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyStore, err)
	}
	return keys, nil
}

// RemoveSSHKey deletes one key and rewrites authorized_keys with exactly the
// remaining keys.
func (c *Controller) RemoveSSHKey(ctx context.Context, userID, instanceID, keyID string) error {
	if keyID == "" {
		return fmt.Errorf("%w: key ID is required", ErrKeyNotFound)
	}
	client, err := c.ownedClient(ctx, userID, instanceID)
	if err != nil {
		return err
	}

	if err := c.keys.Remove(ctx, userID, instanceID, keyID, c.applyKeys(ctx, client, instanceID)); err != nil {
		return keyStoreError(err)
	}

	c.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"instance_id": instanceID,
		"key_id":      keyID,
	}).Info("SSH key removed")
	return nil
}

func (c *Controller) applyKeys(ctx context.Context, client EC2API, instanceID string) func([]models.InstanceSSHKey) error {
	return func(keys []models.InstanceSSHKey) error {
		userData, err := c.userData.Build(lo.Map(keys, func(k models.InstanceSSHKey, _ int) string {
			return k.PublicKey
		}))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUserDataUpdate, err)
		}

		// BlobAttributeValue is base64 encoded by the SDK.
		if _, err := client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId: aws.String(instanceID),
			UserData:   &ec2types.BlobAttributeValue{Value: userData},
		}); err != nil {
			if apiErrorCode(err) == codeIncorrectState {
				return fmt.Errorf("%w: %w", ErrInstanceNotStopped, err)
			}
			return fmt.Errorf("%w: %w", ErrUserDataUpdate, err)
		}
		return nil
	}
}

func keyStoreError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrKeyNotFound
	case errors.Is(err, ErrUserDataUpdate), errors.Is(err, ErrInstanceNotStopped):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrKeyStore, err)
	}
}
