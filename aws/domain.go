package aws

import (
	"fmt"
	"strings"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const (
	domainPrefix      = "oh-"
	domainRandomChars = 6
)

var (
	domainCharset = append(append([]rune{}, lo.LowerCaseLettersCharset...), lo.NumbersCharset...)
	validate      = validator.New()
)

// GenerateDomain returns oh-<6 lowercase base36 chars>.<suffix>.
func GenerateDomain(suffix string) string {
	return domainPrefix + lo.RandomString(domainRandomChars, domainCharset) + "." + suffix
}

// NormalizeDomain lowercases and validates a user supplied domain.
func NormalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if err := validate.Var(d, "required,fqdn"); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return d, nil
}

// ValidateInstanceType rejects types the SDK does not know about.
func ValidateInstanceType(t string) error {
	if !lo.Contains(ec2types.InstanceType("").Values(), ec2types.InstanceType(t)) {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	return nil
}
