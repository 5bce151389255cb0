// Package solver defines the core types shared across the solver subsystems.
package solver

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle tag of a task result.
type Status string

// Result status values persisted in the result store.
const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// FailureReason explains why a task ended without a token.
type FailureReason string

// Failure reasons recorded on terminal failures.
const (
	ReasonInteractionTimeout FailureReason = "interaction-timeout"
	ReasonError              FailureReason = "error"
)

// Legacy sentinel values kept in the "value" field for client compatibility.
const (
	ValueNotReady = "CAPTCHA_NOT_READY"
	ValueFail     = "CAPTCHA_FAIL"
)

// EngineKind enumerates the automation engines accepted by configuration.
type EngineKind string

// Supported engine kinds.
const (
	EngineChromium EngineKind = "chromium"
	EngineFirefox  EngineKind = "firefox"
	EngineWebKit   EngineKind = "webkit"
)

// EngineKinds lists every recognized engine kind.
var EngineKinds = []EngineKind{EngineChromium, EngineFirefox, EngineWebKit}

// Valid reports whether k is a recognized engine kind.
func (k EngineKind) Valid() bool {
	for _, known := range EngineKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RequiresUserAgent reports whether headless runs of this engine need an explicit user agent.
func (k EngineKind) RequiresUserAgent() bool {
	return k != EngineWebKit
}

// Task is one submitted solve request. It is immutable once created.
type Task struct {
	ID       string
	URL      string
	SiteKey  string
	Action   string
	CData    string
	Selector string
}

// Result is the tagged outcome stored for a task id.
type Result struct {
	Status         Status
	Token          string
	Reason         FailureReason
	ElapsedSeconds float64
}

// Pending returns the placeholder stored at submission time.
func Pending() Result {
	return Result{Status: StatusPending}
}

// Success builds a solved result.
func Success(token string, elapsed time.Duration) Result {
	return Result{Status: StatusSuccess, Token: token, ElapsedSeconds: ElapsedSeconds(elapsed)}
}

// Failure builds a terminal failure.
func Failure(reason FailureReason, elapsed time.Duration) Result {
	return Result{Status: StatusFailure, Reason: reason, ElapsedSeconds: ElapsedSeconds(elapsed)}
}

// IsPending reports whether the result is still the submission placeholder.
func (r Result) IsPending() bool {
	return r.Status == StatusPending
}

// IsFailure reports whether the result is a terminal failure.
func (r Result) IsFailure() bool {
	return r.Status == StatusFailure
}

// ElapsedSeconds converts d to seconds truncated to millisecond precision.
func ElapsedSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d.Milliseconds()) / 1000
}

type resultJSON struct {
	Status  Status        `json:"status,omitempty"`
	Value   string        `json:"value"`
	Reason  FailureReason `json:"reason,omitempty"`
	Elapsed *float64      `json:"elapsed_time,omitempty"`
}

// MarshalJSON keeps the "value"/"elapsed_time" fields older clients read.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Status: r.Status}
	switch r.Status {
	case StatusPending:
		out.Value = ValueNotReady
	case StatusSuccess:
		out.Value = r.Token
		out.Elapsed = &r.ElapsedSeconds
	case StatusFailure:
		out.Value = ValueFail
		out.Reason = r.Reason
		out.Elapsed = &r.ElapsedSeconds
	default:
		return nil, fmt.Errorf("unknown result status %q", r.Status)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// UnmarshalJSON accepts the tagged form as well as the untagged files written
// by earlier releases.
func (r *Result) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		if legacy != ValueNotReady {
			return fmt.Errorf("unknown result marker %q", legacy)
		}
		*r = Pending()
		return nil
	}
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	var elapsed float64
	if in.Elapsed != nil {
		elapsed = *in.Elapsed
	}
	status := in.Status
	if status == "" {
		switch in.Value {
		case ValueNotReady:
			status = StatusPending
		case ValueFail:
			status = StatusFailure
		default:
			status = StatusSuccess
		}
	}
	switch status {
	case StatusPending:
		*r = Pending()
	case StatusSuccess:
		if in.Value == "" {
			return fmt.Errorf("success result without token")
		}
		*r = Result{Status: StatusSuccess, Token: in.Value, ElapsedSeconds: elapsed}
	case StatusFailure:
		reason := in.Reason
		if reason == "" {
			reason = ReasonError
		}
		*r = Result{Status: StatusFailure, Reason: reason, ElapsedSeconds: elapsed}
	default:
		return fmt.Errorf("unknown result status %q", status)
	}
	return nil
}
