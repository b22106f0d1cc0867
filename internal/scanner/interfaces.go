// Package scanner classifies files by handing them to an external engine.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the classification of one file
type Outcome string

const (
	Benign          Outcome = "benign"
	Threat          Outcome = "threat"
	Indeterminate   Outcome = "indeterminate"
	ScanTimeout     Outcome = "scan-timeout"
	ScanUnavailable Outcome = "scan-unavailable"
)

// DefaultTimeout bounds one classification.
const DefaultTimeout = 30 * time.Second

// Verdict is what a delegate says about a file
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	// Detail is engine-specific, e.g. a signature name or the reason a scan
	// could not run.
	Detail string `json:"detail,omitempty"`
}

// Delegate defines the interface for an external scanning engine. Classify
// must not return until it is done with the file, and should honour ctx.
type Delegate interface {
	Name() string
	Classify(ctx context.Context, path string) Verdict
}

// DelegateFunc adapts a function to the Delegate interface
type DelegateFunc func(ctx context.Context, path string) Verdict

func (f DelegateFunc) Name() string { return "func" }

func (f DelegateFunc) Classify(ctx context.Context, path string) Verdict {
	return f(ctx, path)
}

// Unavailable is the delegate used when no engine could be set up
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Classify(context.Context, string) Verdict {
	return Verdict{Outcome: ScanUnavailable, Detail: u.Reason}
}

// Classify runs d on path bounded by timeout. Deadline expiry becomes
// ScanTimeout and a panicking delegate becomes Indeterminate; it never
// returns an error. If the delegate ignores ctx, Classify still returns at the
// deadline and the delegate finishes in the background.
func Classify(ctx context.Context, d Delegate, path string, timeout time.Duration) Verdict {
	if d == nil {
		return Verdict{Outcome: ScanUnavailable, Detail: "no scan delegate configured"}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- Verdict{Outcome: Indeterminate, Detail: fmt.Sprintf("%s delegate panicked: %v", d.Name(), r)}
			}
		}()
		result <- d.Classify(ctx, path)
	}()

	select {
	case v := <-result:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && v.Outcome != Threat && v.Outcome != Benign {
			return Verdict{Outcome: ScanTimeout, Detail: fmt.Sprintf("no verdict within %s", timeout)}
		}
		if v.Outcome == "" {
			v.Outcome = Indeterminate
		}
		return v
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Verdict{Outcome: ScanTimeout, Detail: fmt.Sprintf("no verdict within %s", timeout)}
		}
		return Verdict{Outcome: Indeterminate, Detail: "scan cancelled"}
	}
}
