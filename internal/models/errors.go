package models

import (
	"errors"
	"fmt"
)

// Reason is the failure reason attached to a rejected transition or client call
type Reason string

const (
	// Validation
	ReasonInvalidPrice  Reason = "InvalidPrice"
	ReasonInvalidStock  Reason = "InvalidStock"
	ReasonInvalidAmount Reason = "InvalidAmount"

	// Authorization
	ReasonNotAFarmer   Reason = "NotAFarmer"
	ReasonNotOwner     Reason = "NotOwner"
	ReasonSelfPurchase Reason = "SelfPurchase"

	// State conflict
	ReasonInsufficientStock          Reason = "InsufficientStock"
	ReasonInsufficientFunds          Reason = "InsufficientFunds"
	ReasonInsufficientAccountBalance Reason = "InsufficientAccountBalance"
	ReasonNoBalance                  Reason = "NoBalance"
	ReasonAlreadyRegistered          Reason = "AlreadyRegistered"
	ReasonProductNotFound            Reason = "ProductNotFound"
	ReasonFarmerNotFound             Reason = "FarmerNotFound"
	ReasonBalanceOverflow            Reason = "BalanceOverflow"
	ReasonTransferFailed             Reason = "TransferFailed"

	// Environment
	ReasonWrongNetwork   Reason = "WrongNetwork"
	ReasonNoWalletFound  Reason = "NoWalletFound"
	ReasonTimeoutPending Reason = "TimeoutPending"
	ReasonNotConnected   Reason = "NotConnected"
)

// Category groups reasons by how a caller should react to them
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryStateConflict Category = "state_conflict"
	CategoryEnvironment   Category = "environment"
	CategoryUnknown       Category = "unknown"
)

// Category returns the taxonomy bucket of the reason
func (r Reason) Category() Category {
	switch r {
	case ReasonInvalidPrice, ReasonInvalidStock, ReasonInvalidAmount:
		return CategoryValidation
	case ReasonNotAFarmer, ReasonNotOwner, ReasonSelfPurchase:
		return CategoryAuthorization
	case ReasonInsufficientStock, ReasonInsufficientFunds, ReasonInsufficientAccountBalance,
		ReasonNoBalance, ReasonAlreadyRegistered, ReasonProductNotFound, ReasonFarmerNotFound,
		ReasonBalanceOverflow, ReasonTransferFailed:
		return CategoryStateConflict
	case ReasonWrongNetwork, ReasonNoWalletFound, ReasonTimeoutPending, ReasonNotConnected:
		return CategoryEnvironment
	default:
		return CategoryUnknown
	}
}

// LedgerError is a typed rejection. Two LedgerErrors match under errors.Is
// when their reasons are equal, so callers compare against the Err* sentinels.
type LedgerError struct {
	Reason  Reason
	Message string
}

func (e *LedgerError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Is implements errors.Is matching by reason
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Reason == e.Reason
}

// Sentinels for errors.Is
var (
	ErrInvalidPrice               = &LedgerError{Reason: ReasonInvalidPrice}
	ErrInvalidStock               = &LedgerError{Reason: ReasonInvalidStock}
	ErrInvalidAmount              = &LedgerError{Reason: ReasonInvalidAmount}
	ErrNotAFarmer                 = &LedgerError{Reason: ReasonNotAFarmer}
	ErrNotOwner                   = &LedgerError{Reason: ReasonNotOwner}
	ErrSelfPurchase               = &LedgerError{Reason: ReasonSelfPurchase}
	ErrInsufficientStock          = &LedgerError{Reason: ReasonInsufficientStock}
	ErrInsufficientFunds          = &LedgerError{Reason: ReasonInsufficientFunds}
	ErrInsufficientAccountBalance = &LedgerError{Reason: ReasonInsufficientAccountBalance}
	ErrNoBalance                  = &LedgerError{Reason: ReasonNoBalance}
	ErrAlreadyRegistered          = &LedgerError{Reason: ReasonAlreadyRegistered}
	ErrProductNotFound            = &LedgerError{Reason: ReasonProductNotFound}
	ErrFarmerNotFound             = &LedgerError{Reason: ReasonFarmerNotFound}
	ErrBalanceOverflow            = &LedgerError{Reason: ReasonBalanceOverflow}
	ErrTransferFailed             = &LedgerError{Reason: ReasonTransferFailed}
	ErrWrongNetwork               = &LedgerError{Reason: ReasonWrongNetwork}
	ErrNoWalletFound              = &LedgerError{Reason: ReasonNoWalletFound}
	ErrTimeoutPending             = &LedgerError{Reason: ReasonTimeoutPending}
	ErrNotConnected               = &LedgerError{Reason: ReasonNotConnected}
)

// NewError builds a LedgerError with a formatted message
func NewError(reason Reason, format string, args ...interface{}) error {
	return &LedgerError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason from anywhere in an error chain
func ReasonOf(err error) (Reason, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Reason, true
	}
	return "", false
}

// CategoryOf returns the taxonomy bucket of an error chain
func CategoryOf(err error) Category {
	reason, ok := ReasonOf(err)
	if !ok {
		return CategoryUnknown
	}
	return reason.Category()
}
