//go:generate go run go.uber.org/mock/mockgen -source=challenge.go -destination=mocks/mock_challenge.go -package=mocks

package presence

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultChallengeFunction is the remote function name challenges go to.
const DefaultChallengeFunction = "challenge"

// Invoker calls a named remote function with an opaque payload.
type Invoker interface {
	Call(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, name string, payload []byte) ([]byte, error)

func (f InvokerFunc) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	return f(ctx, name, payload)
}

// ChallengeRequest is the payload sent for a challenge.
type ChallengeRequest struct {
	Action     string `json:"action"`
	IdentityID string `json:"identityId"`
	Challenger string `json:"challenger"`
	Challenged string `json:"challenged"`
}

// Challenger sends challenges through an Invoker.
type Challenger struct {
	invoker  Invoker
	function string
}

// NewChallenger creates a challenger calling function through invoker.
func NewChallenger(invoker Invoker, function string) *Challenger {
	if function == "" {
		function = DefaultChallengeFunction
	}
	return &Challenger{invoker: invoker, function: function}
}

// Challenge sends the request and returns the raw response.
func (c *Challenger) Challenge(ctx context.Context, identityID, challenger, challenged string) ([]byte, error) {
	if c == nil || c.invoker == nil {
		return nil, fmt.Errorf("%w: no invoker configured", ErrChallengeFailed)
	}
	if challenged == "" {
		return nil, fmt.Errorf("%w: %w", ErrChallengeFailed, ErrInvalidUsername)
	}

	payload, err := json.Marshal(ChallengeRequest{
		Action:     "challenge",
		IdentityID: identityID,
		Challenger: challenger,
		Challenged: challenged,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}

	resp, err := c.invoker.Call(ctx, c.function, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %w", ErrChallengeFailed, c.function, err)
	}
	return resp, nil
}
