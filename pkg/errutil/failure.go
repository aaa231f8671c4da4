package errutil

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reason identifies why a business precondition failed.
type Reason string

const (
	ReasonInsufficientPoints   Reason = "insufficient_points"
	ReasonBelowMinimumRedeem   Reason = "below_minimum_redeem"
	ReasonDuplicateTransaction Reason = "duplicate_transaction"
	ReasonVoucherNotFound      Reason = "voucher_not_found"
	ReasonVoucherAlreadyUsed   Reason = "voucher_already_used"
	ReasonInvalidAmount        Reason = "invalid_amount"
	ReasonAccountNotFound      Reason = "account_not_found"
)

var reasonMessages = map[Reason]string{
	ReasonInsufficientPoints:   "insufficient points",
	ReasonBelowMinimumRedeem:   "requested points are below the minimum redeem amount",
	ReasonDuplicateTransaction: "transaction already processed",
	ReasonVoucherNotFound:      "voucher not found",
	ReasonVoucherAlreadyUsed:   "voucher already used",
	ReasonInvalidAmount:        "invalid amount",
	ReasonAccountNotFound:      "account not found",
}

const unavailableMessage = "service temporarily unavailable, try again"

// UpstreamUnavailable reports a failed store or legacy connection. Callers may retry.
type UpstreamUnavailable struct {
	Op  string
	Err error
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("%s: upstream unavailable: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailable) Unwrap() error      { return e.Err }
func (e *UpstreamUnavailable) Status() CoreStatus { return StatusServiceUnavailable }

// BusinessRejected reports a failed precondition. Retrying the same request fails again.
type BusinessRejected struct {
	Reason  Reason
	Message string
}

func Reject(reason Reason) *BusinessRejected {
	return &BusinessRejected{Reason: reason, Message: reasonMessages[reason]}
}

func Rejectf(reason Reason, format string, args ...any) *BusinessRejected {
	return &BusinessRejected{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (e *BusinessRejected) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Reason, e.Message)
}

func (e *BusinessRejected) Status() CoreStatus {
	switch e.Reason {
	case ReasonVoucherNotFound, ReasonAccountNotFound:
		return StatusNotFound
	case ReasonDuplicateTransaction, ReasonVoucherAlreadyUsed:
		return StatusConflict
	case ReasonInvalidAmount:
		return StatusBadRequest
	default:
		return StatusUnprocessableEntity
	}
}

// LegacyProcedureError carries a non-zero stored procedure return code.
// Message is the translated text; Code is kept for logs.
type LegacyProcedureError struct {
	Procedure string
	Code      int
	Message   string
}

func (e *LegacyProcedureError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Procedure, e.Code, e.Message)
}

func (e *LegacyProcedureError) Status() CoreStatus { return StatusUnprocessableEntity }

// Inconsistent marks an invariant violated inside a transaction. It is never committed.
type Inconsistent struct {
	Invariant string
	Detail    string
	// Reason is what the caller sees once the transaction has rolled back.
	Reason Reason
}

func (e *Inconsistent) Error() string {
	return fmt.Sprintf("invariant %q violated: %s", e.Invariant, e.Detail)
}

func (e *Inconsistent) Status() CoreStatus { return StatusInternal }

// FromStore maps a raw store error to the taxonomy. Errors already in the
// taxonomy pass through unchanged.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		up  *UpstreamUnavailable
		br  *BusinessRejected
		lpe *LegacyProcedureError
		inc *Inconsistent
	)
	switch {
	case errors.As(err, &up), errors.As(err, &br), errors.As(err, &lpe), errors.As(err, &inc):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return Reject(ReasonDuplicateTransaction)
	}

	return &UpstreamUnavailable{Op: op, Err: err}
}

// AtBoundary is applied to the error leaving a write path. It logs with the
// severity matching the error kind and converts Inconsistent into the rejection
// the caller sees.
func AtBoundary(ctx context.Context, log *zap.Logger, op string, err error) error {
	if err == nil {
		return nil
	}

	err = FromStore(op, err)

	var (
		inc *Inconsistent
		br  *BusinessRejected
		lpe *LegacyProcedureError
	)
	switch {
	case errors.As(err, &inc):
		log.Error("invariant violated, transaction rolled back",
			zap.String("op", op), zap.String("invariant", inc.Invariant), zap.String("detail", inc.Detail))
		reason := inc.Reason
		if reason == "" {
			reason = ReasonInvalidAmount
		}
		return Reject(reason)
	case errors.As(err, &br):
		log.Warn("request rejected", zap.String("op", op), zap.String("reason", string(br.Reason)))
	case errors.As(err, &lpe):
		log.Warn("legacy procedure failed", zap.String("op", op), zap.String("procedure", lpe.Procedure), zap.Int("code", lpe.Code))
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn("request aborted, transaction rolled back", zap.String("op", op), zap.Error(err))
		} else {
			log.Error("store failure", zap.String("op", op), zap.Error(err))
		}
	}

	return err
}

// IsRejected reports whether err is a BusinessRejected with the given reason.
func IsRejected(err error, reason Reason) bool {
	var br *BusinessRejected
	return errors.As(err, &br) && br.Reason == reason
}

// UserMessage is the text safe to show to the end user.
func UserMessage(err error) string {
	var (
		up  *UpstreamUnavailable
		br  *BusinessRejected
		lpe *LegacyProcedureError
		be  BaseError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &br):
		return br.Message
	case errors.As(err, &lpe):
		return lpe.Message
	case errors.As(err, &up):
		return unavailableMessage
	case errors.As(err, &be):
		return be.Message
	default:
		return "internal error"
	}
}

// StatusOf returns the CoreStatus of err, or StatusInternal.
func StatusOf(err error) CoreStatus {
	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	if errors.Is(err, context.Canceled) {
		return StatusClientClosedRequest
	}
	return StatusInternal
}
