package engine

import (
	"errors"

	"scalpbot-go/internal/broker"
)

// Kind classifies control-loop failures so each routes differently: transient
// failures skip a cycle, rejections restart the signal search, fatal errors
// end the session.
type Kind int

const (
	// KindTransient covers network or API hiccups retried on the next cycle.
	KindTransient Kind = iota
	// KindRejected covers recoverable order rejections.
	KindRejected
	// KindFatal covers conditions that must terminate the session.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

type classifiedError struct {
	kind Kind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Rejected tags an error as a recoverable rejection.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindRejected, err: err}
}

// Fatal tags an error as session-terminating.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindFatal, err: err}
}

// Classify resolves the kind of any error the engine sees. Broker rejection
// errors map to KindRejected; untagged errors default to transient so an
// unknown failure never kills the session by accident.
func Classify(err error) Kind {
	var tagged *classifiedError
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	var rejection *broker.RejectionError
	if errors.As(err, &rejection) {
		return KindRejected
	}
	return KindTransient
}
