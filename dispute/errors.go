package dispute

import "errors"

// Failure kinds. Every *Error unwraps to exactly one of these.
var (
	ErrPermission        = errors.New("permission denied")
	ErrState             = errors.New("invalid state")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyDone       = errors.New("already done")
)

// Error is a rejected ledger call. Reason is stable and safe to branch on.
type Error struct {
	Kind   error
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Is matches any *Error with the same kind and reason, so the predeclared
// values below work as targets regardless of the attached cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Reason == e.Reason
}

func reason(kind error, r string) *Error {
	return &Error{Kind: kind, Reason: r}
}

func wrap(base *Error, cause error) *Error {
	return &Error{Kind: base.Kind, Reason: base.Reason, Cause: cause}
}

var (
	ErrMissingRole       = reason(ErrPermission, "missing role")
	ErrNotArbiter        = reason(ErrPermission, "not an arbiter")
	ErrNotAllowedToClaim = reason(ErrPermission, "not allowed to claim")

	ErrDisputeClosed   = reason(ErrState, "dispute is closed")
	ErrNotFinalized    = reason(ErrState, "dispute is not finalized")
	ErrVotesIncomplete = reason(ErrState, "votes not completed")
	ErrTiedVote        = reason(ErrState, "tied vote requires force")
	ErrCannotClaim     = reason(ErrState, "can't claim funds")

	ErrAlreadyVoted    = reason(ErrAlreadyDone, "already voted")
	ErrAlreadyClaimed  = reason(ErrAlreadyDone, "already claimed")
	ErrDuplicateSigner = reason(ErrAlreadyDone, "duplicate signer in batch")

	ErrNotFound          = reason(ErrValidation, "unknown dispute")
	ErrDuplicateArbiter  = reason(ErrValidation, "arbiter already registered")
	ErrUnknownArbiter    = reason(ErrValidation, "arbiter not registered")
	ErrNoVotes           = reason(ErrValidation, "no votes to cast")
	ErrMalformedBatch    = reason(ErrValidation, "signatures and messages differ in length")
	ErrMissingCollateral = reason(ErrValidation, "collateral does not exist")
	ErrInvalidAddress    = reason(ErrValidation, "invalid address")
	ErrInvalidAmount     = reason(ErrValidation, "invalid amount")
	ErrUnknownSide       = reason(ErrValidation, "unknown side")

	ErrTransferExceedsBalance = reason(ErrInsufficientFunds, "transfer amount exceeds balance")
	ErrUnreservedShortfall    = reason(ErrInsufficientFunds, "escrow cannot cover settlement")
)
