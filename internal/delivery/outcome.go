package delivery

// Classified failure reasons. These are the only strings surfaced to HTTP
// callers and reply listeners.
const (
	ReasonTemplateNotFound  = "template not found"
	ReasonTemplateRender    = "template rendering failed"
	ReasonAuthFailed        = "mail transport authentication failed"
	ReasonRecipientRejected = "recipient rejected"
	ReasonUnavailable       = "mail transport unavailable"
	ReasonRejected          = "mail transport rejected message"
	ReasonTimeout           = "delivery timed out"
	ReasonInternal          = "internal error"
)

// Outcome is the result of one delivery: either success, or failure with a
// classified reason. Err carries the underlying error for logs only.
type Outcome struct {
	ok     bool
	Reason string
	Err    error
}

// Success returns a successful Outcome.
func Success() Outcome { return Outcome{ok: true} }

// Failure returns a failed Outcome. An empty reason becomes ReasonInternal.
func Failure(reason string, err error) Outcome {
	if reason == "" {
		reason = ReasonInternal
	}
	return Outcome{Reason: reason, Err: err}
}

// OK reports whether the delivery succeeded.
func (o Outcome) OK() bool { return o.ok }

// String returns "success" or the failure reason.
func (o Outcome) String() string {
	if o.ok {
		return "success"
	}
	return o.Reason
}
