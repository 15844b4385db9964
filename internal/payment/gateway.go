/**
 * @description
 * This package is the payment participant of the trip-completion saga. It
 * consumes FareCalculated, attempts the capture through the payment gateway,
 * and emits PaymentProcessed or PaymentFailed from its own outbox.
 *
 * @notes
 * - The gateway integration is an external collaborator; only its contract
 *   matters here. A gateway decline is a business outcome that drives the
 *   saga's compensation path, never a crash.
 */

package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Gateway captures a fare from the customer's payment instrument.
type Gateway interface {
	// Capture returns a transaction reference on success. A business decline
	// is reported as (ref="", declineReason!=""); an error means the gateway
	// could not be reached and the attempt should be retried.
	Capture(ctx context.Context, tripID uuid.UUID, amount int64, currency string) (ref string, declineReason string, err error)
}

// ReferenceGateway is the deterministic stand-in used until a real gateway is
// wired: it captures any positive amount and declines the rest.
type ReferenceGateway struct{}

func (ReferenceGateway) Capture(_ context.Context, tripID uuid.UUID, amount int64, _ string) (string, string, error) {
	if amount <= 0 {
		return "", fmt.Sprintf("non-positive capture amount %d", amount), nil
	}
	return "cap_" + tripID.String(), "", nil
}
