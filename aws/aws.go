package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
	appconfig "github.com/teai-io/teai-backend/config"
	"github.com/teai-io/teai-backend/models"
)

// Cost Explorer is only served from us-east-1.
const costExplorerRegion = "us-east-1"

// ClientFactory builds AWS clients from the master credentials or from a
// user's stored credentials.
type ClientFactory struct {
	master aws.Config
	log    *logrus.Logger
}

// NewClientFactory loads the SDK configuration with the static master
// credentials from the environment.
func NewClientFactory(ctx context.Context, cfg appconfig.AWSConfig, log *logrus.Logger) (*ClientFactory, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.WithFields(logrus.Fields{
		"region":        cfg.Region,
		"access_key_id": maskKey(cfg.AccessKeyID),
	}).Info("AWS configuration loaded")

	return &ClientFactory{master: awsCfg, log: log}, nil
}

func (f *ClientFactory) Region() string {
	return f.master.Region
}

func (f *ClientFactory) IAM() IAMAPI {
	return iam.NewFromConfig(f.master)
}

func (f *ClientFactory) Organizations() OrganizationsAPI {
	return organizations.NewFromConfig(f.master)
}

func (f *ClientFactory) STS() STSAPI {
	return sts.NewFromConfig(f.master)
}

// EC2 returns a client acting as the user's own IAM principal.
func (f *ClientFactory) EC2(creds *models.AWSCredentials) EC2API {
	return ec2.NewFromConfig(f.userConfig(creds))
}

func (f *ClientFactory) CostExplorer(creds *models.AWSCredentials) CostExplorerAPI {
	cfg := f.userConfig(creds)
	cfg.Region = costExplorerRegion
	return costexplorer.NewFromConfig(cfg)
}

// IAMInAccount returns an IAM client that assumes roleName in a member
// account of the organization.
func (f *ClientFactory) IAMInAccount(accountID, roleName string) IAMAPI {
	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, roleName)
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(f.master), roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "teai-org-bootstrap"
	})

	cfg := f.master.Copy()
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return iam.NewFromConfig(cfg)
}

func (f *ClientFactory) userConfig(creds *models.AWSCredentials) aws.Config {
	cfg := f.master.Copy()
	cfg.Credentials = aws.NewCredentialsCache(
		credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
	)
	return cfg
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..."
}
