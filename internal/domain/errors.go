package domain

import "fmt"

// ConditionDecodeError reports an annotation that could not be decoded. The
// entity owning the annotation is dropped from the payload; decoding goes on.
type ConditionDecodeError struct {
	Owner string
	Tag   string
	Err   error
}

func (e *ConditionDecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("annotation on %s: %v", e.Owner, e.Err)
	}
	return fmt.Sprintf("annotation %q on %s: %v", e.Tag, e.Owner, e.Err)
}

func (e *ConditionDecodeError) Unwrap() error { return e.Err }

// PayloadDecodeError reports a lookup payload that cannot be used at all.
type PayloadDecodeError struct {
	Section string
	Err     error
}

func (e *PayloadDecodeError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("decode contact info: %v", e.Err)
	}
	return fmt.Sprintf("decode %s contact info: %v", e.Section, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }
