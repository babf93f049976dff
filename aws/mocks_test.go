package aws

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/teai-io/teai-backend/config"
	"github.com/teai-io/teai-backend/database/databasetest"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
	"github.com/teai-io/teai-backend/types"
	"golang.org/x/crypto/ssh"
)

// API operation names recorded by the mocks.
const (
	opRunInstances            = "RunInstances"
	opDescribeInstances       = "DescribeInstances"
	opStartInstances          = "StartInstances"
	opStopInstances           = "StopInstances"
	opTerminateInstances      = "TerminateInstances"
	opModifyInstanceAttribute = "ModifyInstanceAttribute"
	opCreateTags              = "CreateTags"

	opCreateUser       = "CreateUser"
	opCreateAccessKey  = "CreateAccessKey"
	opDeleteAccessKey  = "DeleteAccessKey"
	opAttachUserPolicy = "AttachUserPolicy"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testInstanceConfig() config.InstanceConfig {
	return config.InstanceConfig{
		AMI:          "ami-0d7927c66a4f58940",
		Type:         "t2.medium",
		KeyName:      "teai-key",
		DomainSuffix: "teai.io",
		CertEmail:    "admin@teai.io",
		AppPort:      3000,
		StopTimeout:  time.Minute,
	}
}

// newPublicKey returns a fresh authorized_keys line.
func newPublicKey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}

// mockEC2Client is a mock implementation of the EC2 client for testing.
type mockEC2Client struct {
	runInstancesFunc            func(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	describeInstancesFunc       func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	startInstancesFunc          func(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	stopInstancesFunc           func(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	terminateInstancesFunc      func(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	modifyInstanceAttributeFunc func(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	createTagsFunc              func(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)

	// Track operations for testing.
	operations []string
	// Last user data written through ModifyInstanceAttribute.
	userData []byte
}

func (m *mockEC2Client) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.operations = append(m.operations, opRunInstances)
	if m.runInstancesFunc != nil {
		return m.runInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String("i-0123456789abcdef0")}},
	}, nil
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.operations = append(m.operations, opDescribeInstances)
	if m.describeInstancesFunc != nil {
		return m.describeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2Client) StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	m.operations = append(m.operations, opStartInstances)
	if m.startInstancesFunc != nil {
		return m.startInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (m *mockEC2Client) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	m.operations = append(m.operations, opStopInstances)
	if m.stopInstancesFunc != nil {
		return m.stopInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (m *mockEC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.operations = append(m.operations, opTerminateInstances)
	if m.terminateInstancesFunc != nil {
		return m.terminateInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2Client) ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	m.operations = append(m.operations, opModifyInstanceAttribute)
	if m.modifyInstanceAttributeFunc != nil {
		return m.modifyInstanceAttributeFunc(ctx, params, optFns...)
	}
	if params.UserData != nil {
		m.userData = params.UserData.Value
	}
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func (m *mockEC2Client) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.operations = append(m.operations, opCreateTags)
	if m.createTagsFunc != nil {
		return m.createTagsFunc(ctx, params, optFns...)
	}
	return &ec2.CreateTagsOutput{}, nil
}

// ownedInstance makes DescribeInstances report one instance tagged for owner.
func ownedInstance(instanceID, owner string, state ec2types.InstanceStateName) func(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				Instances: []ec2types.Instance{{
					InstanceId: aws.String(instanceID),
					State:      &ec2types.InstanceState{Name: state},
					Tags:       []ec2types.Tag{{Key: aws.String(tagUser), Value: aws.String(owner)}},
				}},
			}},
		}, nil
	}
}

// trackInstanceState makes client behave like EC2 for one owned instance:
// stop leaves it stopped, start makes it pending, and user data can only be
// written while it is stopped. It returns a func reporting the current state.
func trackInstanceState(client *mockEC2Client, instanceID, owner string, initial ec2types.InstanceStateName) func() ec2types.InstanceStateName {
	state := initial
	client.describeInstancesFunc = func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
		return ownedInstance(instanceID, owner, state)(ctx, params, optFns...)
	}
	client.stopInstancesFunc = func(context.Context, *ec2.StopInstancesInput, ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
		state = ec2types.InstanceStateNameStopped
		return &ec2.StopInstancesOutput{}, nil
	}
	client.startInstancesFunc = func(context.Context, *ec2.StartInstancesInput, ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
		state = ec2types.InstanceStateNamePending
		return &ec2.StartInstancesOutput{}, nil
	}
	client.modifyInstanceAttributeFunc = func(_ context.Context, params *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
		if params.UserData != nil {
			if state != ec2types.InstanceStateNameStopped {
				return nil, &smithy.GenericAPIError{Code: codeIncorrectState, Message: "The instance is not in the 'stopped' state."}
			}
			client.userData = params.UserData.Value
		}
		return &ec2.ModifyInstanceAttributeOutput{}, nil
	}
	return func() ec2types.InstanceStateName { return state }
}

// mockIAMClient is a mock implementation of the IAM client for testing.
// It is safe for concurrent use.
type mockIAMClient struct {
	createUserFunc       func(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	createAccessKeyFunc  func(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	deleteAccessKeyFunc  func(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	attachUserPolicyFunc func(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)

	mu         sync.Mutex
	operations []string
	keys       int
}

func (m *mockIAMClient) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, op)
}

func (m *mockIAMClient) ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.operations...)
}

func (m *mockIAMClient) CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	m.record(opCreateUser)
	if m.createUserFunc != nil {
		return m.createUserFunc(ctx, params, optFns...)
	}
	return &iam.CreateUserOutput{User: &iamtypes.User{UserName: params.UserName}}, nil
}

func (m *mockIAMClient) CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	m.record(opCreateAccessKey)
	if m.createAccessKeyFunc != nil {
		return m.createAccessKeyFunc(ctx, params, optFns...)
	}
	m.mu.Lock()
	m.keys++
	n := m.keys
	m.mu.Unlock()
	return &iam.CreateAccessKeyOutput{
		AccessKey: &iamtypes.AccessKey{
			UserName:        params.UserName,
			AccessKeyId:     aws.String(fmt.Sprintf("AKIATEST%04d", n)),
			SecretAccessKey: aws.String(fmt.Sprintf("secret-%d", n)),
		},
	}, nil
}

func (m *mockIAMClient) DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	m.record(opDeleteAccessKey)
	if m.deleteAccessKeyFunc != nil {
		return m.deleteAccessKeyFunc(ctx, params, optFns...)
	}
	return &iam.DeleteAccessKeyOutput{}, nil
}

func (m *mockIAMClient) AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
	m.record(opAttachUserPolicy)
	if m.attachUserPolicyFunc != nil {
		return m.attachUserPolicyFunc(ctx, params, optFns...)
	}
	return &iam.AttachUserPolicyOutput{}, nil
}

// mockOrganizationsClient is a mock implementation of the Organizations
// client for testing.
type mockOrganizationsClient struct {
	createOrganizationFunc          func(ctx context.Context, params *organizations.CreateOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.CreateOrganizationOutput, error)
	createOrganizationalUnitFunc    func(ctx context.Context, params *organizations.CreateOrganizationalUnitInput, optFns ...func(*organizations.Options)) (*organizations.CreateOrganizationalUnitOutput, error)
	createAccountFunc               func(ctx context.Context, params *organizations.CreateAccountInput, optFns ...func(*organizations.Options)) (*organizations.CreateAccountOutput, error)
	describeCreateAccountStatusFunc func(ctx context.Context, params *organizations.DescribeCreateAccountStatusInput, optFns ...func(*organizations.Options)) (*organizations.DescribeCreateAccountStatusOutput, error)
	listAccountsFunc                func(ctx context.Context, params *organizations.ListAccountsInput, optFns ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error)

	operations []string
}

func (m *mockOrganizationsClient) CreateOrganization(ctx context.Context, params *organizations.CreateOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.CreateOrganizationOutput, error) {
	m.operations = append(m.operations, "CreateOrganization")
	if m.createOrganizationFunc != nil {
		return m.createOrganizationFunc(ctx, params, optFns...)
	}
	return &organizations.CreateOrganizationOutput{Organization: &orgtypes.Organization{Id: aws.String("o-new")}}, nil
}

func (m *mockOrganizationsClient) DescribeOrganization(_ context.Context, _ *organizations.DescribeOrganizationInput, _ ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error) {
	m.operations = append(m.operations, "DescribeOrganization")
	return &organizations.DescribeOrganizationOutput{Organization: &orgtypes.Organization{Id: aws.String("o-existing")}}, nil
}

func (m *mockOrganizationsClient) ListRoots(_ context.Context, _ *organizations.ListRootsInput, _ ...func(*organizations.Options)) (*organizations.ListRootsOutput, error) {
	m.operations = append(m.operations, "ListRoots")
	return &organizations.ListRootsOutput{Roots: []orgtypes.Root{{Id: aws.String("r-root")}}}, nil
}

func (m *mockOrganizationsClient) CreateOrganizationalUnit(ctx context.Context, params *organizations.CreateOrganizationalUnitInput, optFns ...func(*organizations.Options)) (*organizations.CreateOrganizationalUnitOutput, error) {
	m.operations = append(m.operations, "CreateOrganizationalUnit")
	if m.createOrganizationalUnitFunc != nil {
		return m.createOrganizationalUnitFunc(ctx, params, optFns...)
	}
	return &organizations.CreateOrganizationalUnitOutput{
		OrganizationalUnit: &orgtypes.OrganizationalUnit{Id: aws.String("ou-new"), Name: params.Name},
	}, nil
}

func (m *mockOrganizationsClient) ListOrganizationalUnitsForParent(_ context.Context, _ *organizations.ListOrganizationalUnitsForParentInput, _ ...func(*organizations.Options)) (*organizations.ListOrganizationalUnitsForParentOutput, error) {
	m.operations = append(m.operations, "ListOrganizationalUnitsForParent")
	return &organizations.ListOrganizationalUnitsForParentOutput{
		OrganizationalUnits: []orgtypes.OrganizationalUnit{
			{Id: aws.String("ou-other"), Name: aws.String("User-someone-else")},
			{Id: aws.String("ou-existing"), Name: aws.String("User-user-1")},
		},
	}, nil
}

func (m *mockOrganizationsClient) CreateAccount(ctx context.Context, params *organizations.CreateAccountInput, optFns ...func(*organizations.Options)) (*organizations.CreateAccountOutput, error) {
	m.operations = append(m.operations, "CreateAccount")
	if m.createAccountFunc != nil {
		return m.createAccountFunc(ctx, params, optFns...)
	}
	return &organizations.CreateAccountOutput{
		CreateAccountStatus: &orgtypes.CreateAccountStatus{
			Id:    aws.String("car-1"),
			State: orgtypes.CreateAccountStateInProgress,
		},
	}, nil
}

func (m *mockOrganizationsClient) DescribeCreateAccountStatus(ctx context.Context, params *organizations.DescribeCreateAccountStatusInput, optFns ...func(*organizations.Options)) (*organizations.DescribeCreateAccountStatusOutput, error) {
	m.operations = append(m.operations, "DescribeCreateAccountStatus")
	if m.describeCreateAccountStatusFunc != nil {
		return m.describeCreateAccountStatusFunc(ctx, params, optFns...)
	}
	return &organizations.DescribeCreateAccountStatusOutput{
		CreateAccountStatus: &orgtypes.CreateAccountStatus{
			Id:        params.CreateAccountRequestId,
			State:     orgtypes.CreateAccountStateSucceeded,
			AccountId: aws.String("111122223333"),
		},
	}, nil
}

func (m *mockOrganizationsClient) MoveAccount(_ context.Context, _ *organizations.MoveAccountInput, _ ...func(*organizations.Options)) (*organizations.MoveAccountOutput, error) {
	m.operations = append(m.operations, "MoveAccount")
	return &organizations.MoveAccountOutput{}, nil
}

func (m *mockOrganizationsClient) ListAccounts(ctx context.Context, params *organizations.ListAccountsInput, optFns ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	m.operations = append(m.operations, "ListAccounts")
	if m.listAccountsFunc != nil {
		return m.listAccountsFunc(ctx, params, optFns...)
	}
	return &organizations.ListAccountsOutput{}, nil
}

type mockCostExplorerClient struct {
	getCostAndUsageFunc func(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

func (m *mockCostExplorerClient) GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	return m.getCostAndUsageFunc(ctx, params, optFns...)
}

type mockSTSClient struct {
	err error
}

func (m *mockSTSClient) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:iam::123456789012:user/teai-master"),
		UserId:  aws.String("AIDATEST"),
	}, nil
}

// staticCredentials hands out fixed credentials without touching IAM.
type staticCredentials struct{}

func (staticCredentials) EnsureCredentials(_ context.Context, userID string) (*models.AWSCredentials, error) {
	return &models.AWSCredentials{
		UserID:          userID,
		AccessKeyID:     "AKIAUSER",
		SecretAccessKey: "user-secret",
		IAMUsername:     iamUserPrefix + userID,
	}, nil
}

// newTestController wires a controller to client and an in-memory key store.
func newTestController(t *testing.T, client *mockEC2Client) (*Controller, *repository.SSHKeyRepository) {
	t.Helper()
	keys := repository.NewSSHKeyRepository(databasetest.New(t), testLogger())
	c := NewController(staticCredentials{}, func(*models.AWSCredentials) EC2API { return client }, keys, testInstanceConfig(), testLogger(), nil)
	c.stopWaiterOptions = []func(*ec2.InstanceStoppedWaiterOptions){
		func(o *ec2.InstanceStoppedWaiterOptions) {
			o.MinDelay = time.Millisecond
			o.MaxDelay = 5 * time.Millisecond
		},
	}
	return c, keys
}

// newTestKey stores a key for userID directly, bypassing EC2.
func newTestKey(t *testing.T, keys *repository.SSHKeyRepository, userID string) string {
	t.Helper()
	key := &models.InstanceSSHKey{
		InstanceID: testInstanceID,
		UserID:     userID,
		Name:       "seed",
		PublicKey:  newPublicKey(t, "seed"),
	}
	require.NoError(t, keys.Add(context.Background(), key, func([]models.InstanceSSHKey) error { return nil }))
	return key.ID
}

// apiStatus returns the HTTP status err maps to.
func apiStatus(err error) int {
	var apiErr *types.APIError
	if errors.As(toAPIError(err), &apiErr) {
		return apiErr.Status
	}
	return 0
}
