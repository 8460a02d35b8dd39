package signal

import "fmt"

// Verdict tags a Decision.
type Verdict int8

const (
	VerdictAccept Verdict = iota
	VerdictReject
	VerdictTransform
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// Reason is a machine readable rejection code.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonCooldown       Reason = "cooldown"
	ReasonDuplicate      Reason = "duplicate"
	ReasonInFlight       Reason = "in_flight"
	ReasonNothingToClose Reason = "nothing_to_close"
	ReasonRiskLimit      Reason = "risk_limit"
	ReasonChecker        Reason = "checker"
	ReasonInvalidOrder   Reason = "invalid_order"
	ReasonExecution      Reason = "execution"
	ReasonInternal       Reason = "internal"
)

// Decision is the result of one filter stage or of the whole pipeline:
// Accept(signal), Reject(reason) or Transform(modified signal).
type Decision struct {
	Verdict Verdict
	Signal  Signal
	Reason  Reason
	Detail  string
	// Stage names the stage that produced the verdict.
	Stage string
}

func Accept(s Signal) Decision {
	return Decision{Verdict: VerdictAccept, Signal: s}
}

func Transform(s Signal) Decision {
	return Decision{Verdict: VerdictTransform, Signal: s}
}

func Reject(reason Reason, format string, args ...any) Decision {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return Decision{Verdict: VerdictReject, Reason: reason, Detail: detail}
}

func (d Decision) Rejected() bool { return d.Verdict == VerdictReject }

// Approved is true for Accept and Transform.
func (d Decision) Approved() bool {
	return d.Verdict == VerdictAccept || d.Verdict == VerdictTransform
}

func (d Decision) String() string {
	switch d.Verdict {
	case VerdictReject:
		if d.Stage != "" {
			return fmt.Sprintf("reject[%s] %s: %s", d.Stage, d.Reason, d.Detail)
		}
		return fmt.Sprintf("reject %s: %s", d.Reason, d.Detail)
	default:
		return fmt.Sprintf("%s %s", d.Verdict, d.Signal)
	}
}
