package aws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
)

const (
	costMetric    = "UnblendedCost"
	ec2Service    = "Amazon Elastic Compute"
	lambdaService = "AWS Lambda"
)

type CredentialFinder interface {
	FindByUserID(ctx context.Context, userID string) (*models.AWSCredentials, error)
}

type CostExplorerProvider func(creds *models.AWSCredentials) CostExplorerAPI

// CostSummary is the current month's spend in USD, rounded per bucket.
type CostSummary struct {
	EC2    int64 `json:"ec2"`
	Lambda int64 `json:"lambda"`
	Other  int64 `json:"other"`
	Total  int64 `json:"total"`
}

type CostReporter struct {
	store CredentialFinder
	ce    CostExplorerProvider
	log   *logrus.Logger
	now   func() time.Time
}

func NewCostReporter(store CredentialFinder, ce CostExplorerProvider, log *logrus.Logger) *CostReporter {
	return &CostReporter{store: store, ce: ce, log: log, now: time.Now}
}

// MonthToDate reports the user's costs for the current calendar month,
// using the user's own IAM credentials.
func (r *CostReporter) MonthToDate(ctx context.Context, userID string) (*CostSummary, error) {
	creds, err := r.store.FindByUserID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialLookup, err)
	}

	start, end := monthBounds(r.now().UTC())
	out, err := r.ce(creds).GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(start.Format(time.DateOnly)),
			End:   aws.String(end.Format(time.DateOnly)),
		},
		Granularity: cetypes.GranularityMonthly,
		Metrics:     []string{costMetric},
		GroupBy: []cetypes.GroupDefinition{{
			Type: cetypes.GroupDefinitionTypeDimension,
			Key:  aws.String("SERVICE"),
		}},
	})
	if err != nil {
		if apiErrorCode(err) == "AccessDeniedException" {
			return nil, fmt.Errorf("%w: %w", ErrCostAccessDenied, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrCostQuery, err)
	}

	var ec2Cost, lambdaCost, otherCost float64
	if len(out.ResultsByTime) > 0 {
		for _, g := range out.ResultsByTime[0].Groups {
			amount := groupAmount(g)
			service := ""
			if len(g.Keys) > 0 {
				service = g.Keys[0]
			}
			switch {
			case strings.Contains(service, ec2Service):
				ec2Cost += amount
			case strings.Contains(service, lambdaService):
				lambdaCost += amount
			default:
				otherCost += amount
			}
		}
	}

	r.log.WithFields(logrus.Fields{
		"user_id": userID,
		"ec2":     ec2Cost,
		"lambda":  lambdaCost,
		"other":   otherCost,
	}).Debug("cost data fetched")

	return &CostSummary{
		EC2:    int64(math.Round(ec2Cost)),
		Lambda: int64(math.Round(lambdaCost)),
		Other:  int64(math.Round(otherCost)),
		Total:  int64(math.Round(ec2Cost + lambdaCost + otherCost)),
	}, nil
}

// monthBounds returns the first day of t's month and the first day of the
// next month. Cost Explorer treats End as exclusive.
func monthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func groupAmount(g cetypes.Group) float64 {
	m, ok := g.Metrics[costMetric]
	if !ok || m.Amount == nil {
		return 0
	}
	v, err := strconv.ParseFloat(*m.Amount, 64)
	if err != nil {
		return 0
	}
	return v
}
