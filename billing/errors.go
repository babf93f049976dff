package billing

import "fmt"

var (
	ErrUnknownPlan        = fmt.Errorf("invalid plan")
	ErrMissingSignature   = fmt.Errorf("missing Stripe signature")
	ErrSignatureMismatch  = fmt.Errorf("signature verification failed")
	ErrInvalidTimestamp   = fmt.Errorf("invalid Stripe timestamp")
	ErrMissingMetadata    = fmt.Errorf("missing metadata")
	ErrInvalidCredits     = fmt.Errorf("invalid credits metadata")
	ErrCheckoutURLMissing = fmt.Errorf("checkout session has no URL")
)
