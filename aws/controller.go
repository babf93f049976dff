package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/config"
	"github.com/teai-io/teai-backend/metrics"
	"github.com/teai-io/teai-backend/models"
)

const (
	tagName   = "Name"
	tagUser   = "User"
	tagDomain = "Domain"

	instanceNamePrefix = "teai-instance-"
	defaultKeyName     = "default"
)

var listedStates = []string{"pending", "running", "stopping", "stopped"}

// EC2Provider returns an EC2 client acting with the given credentials.
type EC2Provider func(creds *models.AWSCredentials) EC2API

// InstanceSummary is one of the caller's instances as shown on the dashboard.
type InstanceSummary struct {
	InstanceID      string     `json:"InstanceId"`
	InstanceType    string     `json:"InstanceType"`
	State           string     `json:"State"`
	PublicIPAddress string     `json:"PublicIpAddress,omitempty"`
	LaunchTime      *time.Time `json:"LaunchTime,omitempty"`
	Name            string     `json:"Name"`
	Domain          string     `json:"Domain"`
	AccessURL       *string    `json:"AccessUrl"`
}

type CreateResult struct {
	InstanceID string `json:"instanceId"`
	Domain     string `json:"domain"`
}

// UpdateRequest holds the optional changes of an update action.
type UpdateRequest struct {
	InstanceType string
	Domain       string
	PublicKey    string
}

type UpdateResult struct {
	RequiresRestart bool   `json:"requiresRestart"`
	Message         string `json:"message"`
}

// Controller drives instance lifecycle and SSH key changes on behalf of a
// user, always with that user's own IAM credentials.
type Controller struct {
	creds    CredentialProvider
	ec2      EC2Provider
	keys     KeyStore
	userData *UserDataBuilder
	cfg      config.InstanceConfig
	log      *logrus.Logger
	metrics  *metrics.Metrics

	// stopWaiterOptions tunes the stopped waiter, tests shorten its delays.
	stopWaiterOptions []func(*ec2.InstanceStoppedWaiterOptions)
}

func NewController(
	creds CredentialProvider,
	ec2Provider EC2Provider,
	keys KeyStore,
	cfg config.InstanceConfig,
	log *logrus.Logger,
	m *metrics.Metrics,
) *Controller {
	return &Controller{
		creds:    creds,
		ec2:      ec2Provider,
		keys:     keys,
		userData: NewUserDataBuilder(cfg),
		cfg:      cfg,
		log:      log,
		metrics:  m,
	}
}

func (c *Controller) client(ctx context.Context, userID string) (EC2API, error) {
	creds, err := c.creds.EnsureCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.ec2(creds), nil
}

// Create launches a new instance for userID. The Name, User and Domain tags
// are applied atomically at launch.
func (c *Controller) Create(ctx context.Context, userID string) (*CreateResult, error) {
	client, err := c.client(ctx, userID)
	if err != nil {
		return nil, err
	}

	userData, err := c.userData.Build(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}

	domain := GenerateDomain(c.cfg.DomainSuffix)
	out, err := client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(c.cfg.AMI),
		InstanceType: ec2types.InstanceType(c.cfg.Type),
		KeyName:      aws.String(c.cfg.KeyName),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString(userData)),
		MetadataOptions: &ec2types.InstanceMetadataOptionsRequest{
			HttpTokens:           ec2types.HttpTokensStateRequired,
			InstanceMetadataTags: ec2types.InstanceMetadataTagsStateEnabled,
		},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(tagName), Value: aws.String(instanceNamePrefix + userID)},
				{Key: aws.String(tagUser), Value: aws.String(userID)},
				{Key: aws.String(tagDomain), Value: aws.String(domain)},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("%w: no instance returned", ErrInstanceCreate)
	}

	instanceID := aws.ToString(out.Instances[0].InstanceId)
	c.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"instance_id": instanceID,
		"domain":      domain,
	}).Info("instance created")

	return &CreateResult{InstanceID: instanceID, Domain: domain}, nil
}

// List returns the caller's live instances.
func (c *Controller) List(ctx context.Context, userID string) ([]InstanceSummary, error) {
	client, err := c.client(ctx, userID)
	if err != nil {
		return nil, err
	}

	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + tagUser), Values: []string{userID}},
			{Name: aws.String("instance-state-name"), Values: listedStates},
		},
	})

	summaries := []InstanceSummary{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstanceDescribe, err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				// The filter is applied by AWS, this keeps foreign instances
				// out even if it is not.
				if tagValue(inst.Tags, tagUser) != userID {
					continue
				}
				summaries = append(summaries, c.summarize(inst))
			}
		}
	}
	return summaries, nil
}

func (c *Controller) summarize(inst ec2types.Instance) InstanceSummary {
	s := InstanceSummary{
		InstanceID:      aws.ToString(inst.InstanceId),
		InstanceType:    string(inst.InstanceType),
		PublicIPAddress: aws.ToString(inst.PublicIpAddress),
		LaunchTime:      inst.LaunchTime,
		Name:            tagValue(inst.Tags, tagName),
		Domain:          tagValue(inst.Tags, tagDomain),
	}
	if inst.State != nil {
		s.State = string(inst.State.Name)
	}
	if s.PublicIPAddress != "" {
		s.AccessURL = aws.String(fmt.Sprintf("http://%s:%d", s.PublicIPAddress, c.cfg.AppPort))
	}
	return s
}

func (c *Controller) Start(ctx context.Context, userID, instanceID string) error {
	client, err := c.ownedClient(ctx, userID, instanceID)
	if err != nil {
		return err
	}
	if _, err := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceStart, err)
	}
	c.log.WithFields(logrus.Fields{"user_id": userID, "instance_id": instanceID}).Info("instance start requested")
	return nil
}

func (c *Controller) Stop(ctx context.Context, userID, instanceID string) error {
	client, err := c.ownedClient(ctx, userID, instanceID)
	if err != nil {
		return err
	}
	if _, err := client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceStop, err)
	}
	c.log.WithFields(logrus.Fields{"user_id": userID, "instance_id": instanceID}).Info("instance stop requested")
	return nil
}

func (c *Controller) Terminate(ctx context.Context, userID, instanceID string) error {
	client, err := c.ownedClient(ctx, userID, instanceID)
	if err != nil {
		return err
	}
	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceTerminate, err)
	}
	c.log.WithFields(logrus.Fields{"user_id": userID, "instance_id": instanceID}).Info("instance terminate requested")
	return nil
}

// Update applies the present fields in order: instance type, domain,
// public key. A type change stops the instance, waits for it to reach
// stopped and modifies it. The domain tag and key rewrite then land while it
// is still stopped, and a single start picks all of them up.
func (c *Controller) Update(ctx context.Context, userID, instanceID string, req UpdateRequest) (*UpdateResult, error) {
	var domain string
	if req.InstanceType != "" {
		if err := ValidateInstanceType(req.InstanceType); err != nil {
			return nil, err
		}
	}
	if req.Domain != "" {
		d, err := NormalizeDomain(req.Domain)
		if err != nil {
			return nil, err
		}
		domain = d
	}
	if req.PublicKey != "" {
		if _, err := ParsePublicKey(req.PublicKey); err != nil {
			return nil, err
		}
	}

	client, err := c.ownedClient(ctx, userID, instanceID)
	if err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{"user_id": userID, "instance_id": instanceID})
	result := &UpdateResult{}
	var messages []string

	resized := req.InstanceType != ""
	// fail starts a resized instance again so a later step failing does not
	// leave it stopped.
	fail := func(err error) (*UpdateResult, error) {
		if resized {
			if _, startErr := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}}); startErr != nil {
				log.WithError(startErr).Error("failed to restart instance after update error")
			}
		}
		return nil, err
	}

	if resized {
		if err := c.resize(ctx, client, instanceID, req.InstanceType); err != nil {
			return nil, err
		}
		log.WithField("instance_type", req.InstanceType).Info("instance resized")
		messages = append(messages, "Instance type changed and instance restarted.")
	}

	if domain != "" {
		if _, err := client.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{instanceID},
			Tags:      []ec2types.Tag{{Key: aws.String(tagDomain), Value: aws.String(domain)}},
		}); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrTagsCreate, err))
		}
		log.WithField("domain", domain).Info("instance domain updated")
		if resized {
			messages = append(messages, "Domain updated.")
		} else {
			result.RequiresRestart = true
			messages = append(messages, "Domain updated. Restart required.")
		}
	}

	if req.PublicKey != "" {
		if err := c.replaceDefaultKey(ctx, client, userID, instanceID, req.PublicKey); err != nil {
			return fail(err)
		}
		if resized {
			messages = append(messages, "SSH key updated.")
		} else {
			result.RequiresRestart = true
			messages = append(messages, "SSH key updated. Restart required.")
		}
	}

	if resized {
		if _, err := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstanceStart, err)
		}
	}

	result.Message = "Settings updated."
	if len(messages) > 0 {
		result.Message = strings.Join(messages, " ")
	}
	return result, nil
}

// resize stops the instance, waits for it to stop and changes its type. The
// caller starts it again.
func (c *Controller) resize(ctx context.Context, client EC2API, instanceID, instanceType string) error {
	if _, err := client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceStop, err)
	}

	waiter := ec2.NewInstanceStoppedWaiter(client, c.stopWaiterOptions...)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, c.cfg.StopTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceStopWait, err)
	}

	if _, err := client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(instanceID),
		InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceModify, err)
	}
	return nil
}

// ownedClient returns the user's client after checking that instanceID
// carries the caller's User tag.
func (c *Controller) ownedClient(ctx context.Context, userID, instanceID string) (EC2API, error) {
	if instanceID == "" {
		return nil, ErrInstanceIDRequired
	}
	client, err := c.client(ctx, userID)
	if err != nil {
		return nil, err
	}

	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if apiErrorCode(err) == "InvalidInstanceID.NotFound" || apiErrorCode(err) == "InvalidInstanceID.Malformed" {
			return nil, fmt.Errorf("%w: %w", ErrNotOwner, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInstanceDescribe, err)
	}

	instances := lo.FlatMap(out.Reservations, func(r ec2types.Reservation, _ int) []ec2types.Instance {
		return r.Instances
	})
	inst, found := lo.Find(instances, func(i ec2types.Instance) bool {
		return aws.ToString(i.InstanceId) == instanceID
	})
	if !found || tagValue(inst.Tags, tagUser) != userID {
		c.log.WithFields(logrus.Fields{"user_id": userID, "instance_id": instanceID}).Warn("instance ownership check failed")
		return nil, ErrNotOwner
	}
	return client, nil
}

func tagValue(tags []ec2types.Tag, key string) string {
	tag, ok := lo.Find(tags, func(t ec2types.Tag) bool {
		return aws.ToString(t.Key) == key
	})
	if !ok {
		return ""
	}
	return aws.ToString(tag.Value)
}
