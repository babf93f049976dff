package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// provisionIAMUser creates username with an access key and EC2 full access.
// An existing IAM user is reused so a run that failed later can be retried.
func provisionIAMUser(ctx context.Context, client IAMAPI, username, userID string) (*iamtypes.AccessKey, error) {
	_, err := client.CreateUser(ctx, &iam.CreateUserInput{
		UserName: aws.String(username),
		Tags: []iamtypes.Tag{
			{Key: aws.String("UserId"), Value: aws.String(userID)},
		},
	})
	if err != nil && apiErrorCode(err) != codeEntityExist {
		return nil, fmt.Errorf("%w: %w", ErrIAMUserCreate, err)
	}

	out, err := client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(username),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccessKeyCreate, err)
	}
	if out.AccessKey == nil || out.AccessKey.AccessKeyId == nil {
		return nil, ErrAccessKeyNil
	}

	if _, err := client.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
		UserName:  aws.String(username),
		PolicyArn: aws.String(ec2PolicyARN),
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPolicyAttach, err)
	}
	return out.AccessKey, nil
}
