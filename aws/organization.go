package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
)

const (
	memberAccessRole    = "OrganizationAccountAccessRole"
	memberNamePrefix    = "User-"
	memberIAMUserPrefix = "user-"

	defaultAccountPollInterval = 10 * time.Second
	defaultAccountPollAttempts = 60
)

// MemberIAMProvider returns an IAM client inside a member account.
type MemberIAMProvider func(accountID, roleName string) IAMAPI

type CredentialUpserter interface {
	Upsert(ctx context.Context, creds *models.AWSCredentials) error
}

type AccountSummary struct {
	ID              string     `json:"Id"`
	Name            string     `json:"Name"`
	Email           string     `json:"Email"`
	Status          string     `json:"Status"`
	Arn             string     `json:"Arn"`
	JoinedTimestamp *time.Time `json:"JoinedTimestamp,omitempty"`
}

// OrganizationBootstrapper gives a user a dedicated member account inside
// the master account's organization, with an IAM user of its own.
type OrganizationBootstrapper struct {
	org       OrganizationsAPI
	memberIAM MemberIAMProvider
	store     CredentialUpserter
	log       *logrus.Logger

	pollInterval time.Duration
	pollAttempts int
}

func NewOrganizationBootstrapper(org OrganizationsAPI, memberIAM MemberIAMProvider, store CredentialUpserter, log *logrus.Logger) *OrganizationBootstrapper {
	return &OrganizationBootstrapper{
		org:          org,
		memberIAM:    memberIAM,
		store:        store,
		log:          log,
		pollInterval: defaultAccountPollInterval,
		pollAttempts: defaultAccountPollAttempts,
	}
}

// CreateForUser creates (or reuses) the organization and the user's OU,
// creates a member account, moves it into the OU, provisions an IAM user
// there and stores its credentials for the user.
func (o *OrganizationBootstrapper) CreateForUser(ctx context.Context, userID, email string) (*models.AWSCredentials, error) {
	if email == "" {
		return nil, ErrEmailRequired
	}
	log := o.log.WithField("user_id", userID)

	orgID, err := o.ensureOrganization(ctx)
	if err != nil {
		return nil, err
	}

	rootID, err := o.rootID(ctx)
	if err != nil {
		return nil, err
	}

	name := memberNamePrefix + userID
	ouID, err := o.ensureOU(ctx, rootID, name)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"organization_id": orgID, "ou_id": ouID}).Info("organizational unit ready")

	accountID, err := o.createAccount(ctx, name, email)
	if err != nil {
		return nil, err
	}

	if _, err := o.org.MoveAccount(ctx, &organizations.MoveAccountInput{
		AccountId:           aws.String(accountID),
		SourceParentId:      aws.String(rootID),
		DestinationParentId: aws.String(ouID),
	}); err != nil && apiErrorCode(err) != "DuplicateAccountException" {
		return nil, fmt.Errorf("%w: %w", ErrOrganization, err)
	}
	log.WithField("account_id", accountID).Info("member account created")

	username := memberIAMUserPrefix + userID
	key, err := provisionIAMUser(ctx, o.memberIAM(accountID, memberAccessRole), username, userID)
	if err != nil {
		return nil, err
	}

	creds := &models.AWSCredentials{
		UserID:          userID,
		AccessKeyID:     aws.ToString(key.AccessKeyId),
		SecretAccessKey: aws.ToString(key.SecretAccessKey),
		OrganizationID:  aws.String(orgID),
		AccountID:       aws.String(accountID),
		IAMUsername:     username,
	}
	if err := o.store.Upsert(ctx, creds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialPersist, err)
	}
	return creds, nil
}

// ListAccounts returns every account of the organization.
func (o *OrganizationBootstrapper) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	accounts := []AccountSummary{}
	paginator := organizations.NewListAccountsPaginator(o.org, &organizations.ListAccountsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOrganization, err)
		}
		accounts = append(accounts, lo.Map(page.Accounts, func(a orgtypes.Account, _ int) AccountSummary {
			return AccountSummary{
				ID:              aws.ToString(a.Id),
				Name:            aws.ToString(a.Name),
				Email:           aws.ToString(a.Email),
				Status:          string(a.Status),
				Arn:             aws.ToString(a.Arn),
				JoinedTimestamp: a.JoinedTimestamp,
			}
		})...)
	}
	return accounts, nil
}

func (o *OrganizationBootstrapper) ensureOrganization(ctx context.Context) (string, error) {
	created, err := o.org.CreateOrganization(ctx, &organizations.CreateOrganizationInput{
		FeatureSet: orgtypes.OrganizationFeatureSetAll,
	})
	if err == nil {
		return aws.ToString(created.Organization.Id), nil
	}
	if apiErrorCode(err) != "AlreadyInOrganizationException" {
		return "", fmt.Errorf("%w: %w", ErrOrganization, err)
	}

	existing, err := o.org.DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOrganization, err)
	}
	return aws.ToString(existing.Organization.Id), nil
}

func (o *OrganizationBootstrapper) rootID(ctx context.Context) (string, error) {
	out, err := o.org.ListRoots(ctx, &organizations.ListRootsInput{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOrganization, err)
	}
	if len(out.Roots) == 0 {
		return "", fmt.Errorf("%w: organization has no root", ErrOrganization)
	}
	return aws.ToString(out.Roots[0].Id), nil
}

func (o *OrganizationBootstrapper) ensureOU(ctx context.Context, parentID, name string) (string, error) {
	out, err := o.org.CreateOrganizationalUnit(ctx, &organizations.CreateOrganizationalUnitInput{
		ParentId: aws.String(parentID),
		Name:     aws.String(name),
	})
	if err == nil {
		return aws.ToString(out.OrganizationalUnit.Id), nil
	}
	if apiErrorCode(err) != "DuplicateOrganizationalUnitException" {
		return "", fmt.Errorf("%w: %w", ErrOrganization, err)
	}

	paginator := organizations.NewListOrganizationalUnitsForParentPaginator(o.org, &organizations.ListOrganizationalUnitsForParentInput{
		ParentId: aws.String(parentID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrOrganization, err)
		}
		if ou, ok := lo.Find(page.OrganizationalUnits, func(ou orgtypes.OrganizationalUnit) bool {
			return aws.ToString(ou.Name) == name
		}); ok {
			return aws.ToString(ou.Id), nil
		}
	}
	return "", fmt.Errorf("%w: organizational unit %s not found", ErrOrganization, name)
}

// createAccount starts account creation and polls until AWS reports a
// final state.
func (o *OrganizationBootstrapper) createAccount(ctx context.Context, name, email string) (string, error) {
	out, err := o.org.CreateAccount(ctx, &organizations.CreateAccountInput{
		AccountName: aws.String(name),
		Email:       aws.String(email),
		RoleName:    aws.String(memberAccessRole),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAccountCreate, err)
	}
	if out.CreateAccountStatus == nil {
		return "", fmt.Errorf("%w: no status returned", ErrAccountCreate)
	}
	requestID := out.CreateAccountStatus.Id

	status := out.CreateAccountStatus
	for attempt := 0; ; attempt++ {
		switch status.State {
		case orgtypes.CreateAccountStateSucceeded:
			return aws.ToString(status.AccountId), nil
		case orgtypes.CreateAccountStateFailed:
			return "", fmt.Errorf("%w: %s", ErrAccountCreate, status.FailureReason)
		}
		if attempt >= o.pollAttempts {
			return "", ErrAccountCreateWait
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrAccountCreateWait, ctx.Err())
		case <-time.After(o.pollInterval):
		}

		desc, err := o.org.DescribeCreateAccountStatus(ctx, &organizations.DescribeCreateAccountStatusInput{
			CreateAccountRequestId: requestID,
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrAccountCreate, err)
		}
		if desc.CreateAccountStatus == nil {
			return "", fmt.Errorf("%w: no status returned", ErrAccountCreate)
		}
		status = desc.CreateAccountStatus
	}
}
