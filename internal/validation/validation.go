// Package validation checks inbound price adjustment messages against the
// unified schema before they enter processing. Validation failures are never
// retried.
package validation

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/and1teachera/price-change-management-system/internal/model"
)

// ValidationError describes a schema violation on an inbound message.
type ValidationError struct {
	MessageID string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for message %s: %s: %s", e.MessageID, e.Field, e.Reason)
}

// IsRetryable is always false; a malformed message stays malformed.
func (e *ValidationError) IsRetryable() bool { return false }

// MessageValidator validates the unified price adjustment schema.
type MessageValidator struct {
	validate *validator.Validate
}

// NewMessageValidator creates a validator for inbound messages.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate checks the message against the schema. The first violation found
// is returned as a *ValidationError.
func (v *MessageValidator) Validate(msg *model.PriceAdjustmentMessage) error {
	if err := v.validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				MessageID: msg.ID(),
				Field:     fe.Field(),
				Reason:    fmt.Sprintf("failed %q constraint", fe.Tag()),
			}
		}
		return &ValidationError{MessageID: msg.ID(), Field: "message", Reason: err.Error()}
	}

	if _, err := strconv.ParseInt(msg.EventID, 10, 64); err != nil {
		return &ValidationError{
			MessageID: msg.ID(),
			Field:     "eventId",
			Reason:    fmt.Sprintf("must be numeric, got %q", msg.EventID),
		}
	}

	if !msg.AdjustmentType.Valid() {
		return &ValidationError{
			MessageID: msg.ID(),
			Field:     "adjustmentType",
			Reason:    fmt.Sprintf("unknown type %q", msg.AdjustmentType),
		}
	}

	hasAmount := msg.AdjustmentAmount != nil
	hasPercentage := msg.AdjustmentPercentage != nil

	if msg.AdjustmentType.IsCancellation() {
		// cancellations reference a prior adjustment; they carry no new values
		if hasAmount || hasPercentage {
			return &ValidationError{
				MessageID: msg.ID(),
				Field:     "adjustmentType",
				Reason:    "cancellation must not carry adjustment values",
			}
		}
		return nil
	}

	if hasAmount && hasPercentage {
		return &ValidationError{
			MessageID: msg.ID(),
			Field:     "adjustmentAmount",
			Reason:    "adjustmentAmount and adjustmentPercentage are mutually exclusive",
		}
	}
	if !hasAmount && !hasPercentage {
		return &ValidationError{
			MessageID: msg.ID(),
			Field:     "adjustmentAmount",
			Reason:    "one of adjustmentAmount or adjustmentPercentage is required",
		}
	}
	if hasPercentage && (*msg.AdjustmentPercentage <= -100 || *msg.AdjustmentPercentage > 100) {
		return &ValidationError{
			MessageID: msg.ID(),
			Field:     "adjustmentPercentage",
			Reason:    fmt.Sprintf("must be within (-100, 100], got %v", *msg.AdjustmentPercentage),
		}
	}

	return nil
}
