package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// DefaultTolerance is the maximum accepted age of a webhook signature.
const DefaultTolerance = webhook.DefaultTolerance

// VerifierOptions tune signature checking.
type VerifierOptions struct {
	// Tolerance bounds the signature timestamp age. Zero means DefaultTolerance.
	Tolerance time.Duration

	// IgnoreAPIVersionMismatch accepts events rendered for an API version
	// other than the one this SDK was built against.
	IgnoreAPIVersionMismatch bool
}

// Verifier authenticates raw webhook deliveries. It performs no I/O.
type Verifier struct {
	secret string
	opts   VerifierOptions
}

// NewVerifier binds the endpoint signing secret.
func NewVerifier(secret string, opts VerifierOptions) *Verifier {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), opts: opts}
}

// Verify checks the Stripe-Signature header against body and decodes the
// event. Known event types whose object cannot be decoded still verify; they
// come back as billing.Unrecognized with DecodeErr set.
func (v *Verifier) Verify(body []byte, signatureHeader string) (billing.Event, error) {
	if v.secret == "" || strings.TrimSpace(signatureHeader) == "" {
		return nil, billing.ErrMissingCredentials
	}

	// the version check runs below so a mismatch is not reported as a bad signature
	event, err := webhook.ConstructEventWithOptions(body, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.opts.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	if !v.opts.IgnoreAPIVersionMismatch && !compatibleAPIVersion(event.APIVersion) {
		return nil, fmt.Errorf("%w: event rendered for %q, expected the %q release train",
			billing.ErrAPIVersionMismatch, event.APIVersion, stripe.APIVersion)
	}
	return decodeEvent(event), nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// compatibleAPIVersion reports whether an event version (yyyy-mm-dd.train)
// shares the SDK's release train. Preview SDKs need an exact match.
func compatibleAPIVersion(eventVersion string) bool {
	train, ok := releaseTrain(eventVersion)
	if !ok {
		return false
	}
	sdkTrain, _ := releaseTrain(stripe.APIVersion)
	if sdkTrain == "preview" {
		return eventVersion == stripe.APIVersion
	}
	return train == sdkTrain
}

func releaseTrain(version string) (string, bool) {
	i := strings.LastIndexByte(version, '.')
	if i < 0 || i == len(version)-1 {
		return "", false
	}
	return version[i+1:], true
}
