package provider

import (
	"context"
	"errors"
	"net"

	"github.com/emersion/go-smtp"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRecipient   ErrorKind = "recipient"
	KindUnavailable ErrorKind = "unavailable"
	KindRejected    ErrorKind = "rejected"
	KindTimeout     ErrorKind = "timeout"
)

// Stage names the SMTP transaction step an error occurred in.
type Stage string

const (
	StageConnect Stage = "connect"
	StageAuth    Stage = "auth"
	StageMail    Stage = "mail"
	StageRcpt    Stage = "rcpt"
	StageData    Stage = "data"
)

// ProviderError wraps a transport error with classification metadata.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Stage    Stage
	// Code is the SMTP reply code, or 0 for network errors.
	Code    int
	Message string
	// Permanent indicates the error will not succeed on retry.
	Permanent bool
	Err       error
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + string(e.Stage) + ": " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent returns true if err is a permanent transport failure.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// IsTransient returns true if err may succeed on retry.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Permanent
	}
	// Unknown errors are treated as transient to avoid data loss.
	return true
}

// KindOf returns the classification of err, or "" if err is not a *ProviderError.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ClassifySMTPError builds a ProviderError from an error returned at stage.
//
// Reply codes are mapped as follows:
//   - any failure during AUTH, and 530/534/535 anywhere: KindAuth
//   - 5xx during RCPT: KindRecipient
//   - 421 and other 4xx: KindUnavailable (transient)
//   - other 5xx: KindRejected
//
// Non-SMTP errors are network failures: timeouts map to KindTimeout,
// everything else to KindUnavailable.
func ClassifySMTPError(stage Stage, err error) *ProviderError {
	if err == nil {
		return nil
	}

	pe := &ProviderError{
		Provider: "smtp",
		Stage:    stage,
		Message:  err.Error(),
		Err:      err,
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		pe.Code = se.Code
		pe.Message = se.Message
		pe.Permanent = se.Code >= 500

		switch {
		case stage == StageAuth, se.Code == 530, se.Code == 534, se.Code == 535:
			pe.Kind = KindAuth
		case se.Code >= 400 && se.Code < 500:
			pe.Kind = KindUnavailable
		case stage == StageRcpt:
			pe.Kind = KindRecipient
		default:
			pe.Kind = KindRejected
		}
		return pe
	}

	if isTimeout(err) {
		pe.Kind = KindTimeout
		return pe
	}

	if stage == StageAuth {
		pe.Kind = KindAuth
		pe.Permanent = true
		return pe
	}

	pe.Kind = KindUnavailable
	return pe
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
