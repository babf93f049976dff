package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
	"golang.org/x/sync/singleflight"
)

const (
	iamUserPrefix   = "teai-user-"
	ec2PolicyARN    = "arn:aws:iam::aws:policy/AmazonEC2FullAccess"
	codeEntityExist = "EntityAlreadyExists"
)

// CredentialStore persists per-user AWS credentials.
type CredentialStore interface {
	FindByUserID(ctx context.Context, userID string) (*models.AWSCredentials, error)
	Create(ctx context.Context, creds *models.AWSCredentials) error
}

// CredentialProvider returns working AWS credentials for a user.
type CredentialProvider interface {
	EnsureCredentials(ctx context.Context, userID string) (*models.AWSCredentials, error)
}

// Bootstrapper lazily creates one IAM user with EC2 access per dashboard
// user and remembers its access key.
type Bootstrapper struct {
	store   CredentialStore
	iam     IAMAPI
	log     *logrus.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

func NewBootstrapper(store CredentialStore, iamClient IAMAPI, log *logrus.Logger, m *metrics.Metrics) *Bootstrapper {
	return &Bootstrapper{
		store:   store,
		iam:     iamClient,
		log:     log,
		metrics: m,
	}
}

// EnsureCredentials returns the stored credentials for userID, creating the
// IAM user, access key and policy attachment on first use. Concurrent
// calls for the same user share one provisioning run. The run is detached
// from the caller's cancellation, since other callers may be waiting on it.
func (b *Bootstrapper) EnsureCredentials(ctx context.Context, userID string) (*models.AWSCredentials, error) {
	ch := b.group.DoChan(userID, func() (interface{}, error) {
		return b.ensure(context.WithoutCancel(ctx), userID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			b.metrics.ObserveBootstrap("failed")
			return nil, res.Err
		}
		return res.Val.(*models.AWSCredentials), nil
	}
}

func (b *Bootstrapper) ensure(ctx context.Context, userID string) (*models.AWSCredentials, error) {
	creds, err := b.store.FindByUserID(ctx, userID)
	if err == nil {
		b.metrics.ObserveBootstrap("existing")
		return creds, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrCredentialLookup, err)
	}

	log := b.log.WithField("user_id", userID)
	username := iamUserPrefix + userID

	key, err := provisionIAMUser(ctx, b.iam, username, userID)
	if err != nil {
		return nil, err
	}
	log.WithField("iam_username", username).Info("IAM user provisioned")

	creds = &models.AWSCredentials{
		UserID:          userID,
		AccessKeyID:     aws.ToString(key.AccessKeyId),
		SecretAccessKey: aws.ToString(key.SecretAccessKey),
		IAMUsername:     username,
	}

	err = b.store.Create(ctx, creds)
	if errors.Is(err, repository.ErrDuplicate) {
		// Another process won the race. Its key is the one on record.
		log.Warn("credentials created concurrently, discarding new access key")
		b.discardAccessKey(ctx, username, creds.AccessKeyID)

		stored, findErr := b.store.FindByUserID(ctx, userID)
		if findErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrCredentialLookup, findErr)
		}
		b.metrics.ObserveBootstrap("existing")
		return stored, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialPersist, err)
	}

	log.Info("AWS credentials created")
	b.metrics.ObserveBootstrap("created")
	return creds, nil
}

func (b *Bootstrapper) discardAccessKey(ctx context.Context, username, accessKeyID string) {
	if _, err := b.iam.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(username),
		AccessKeyId: aws.String(accessKeyID),
	}); err != nil {
		b.log.WithError(err).WithField("iam_username", username).Warn("failed to delete unused access key")
	}
}
