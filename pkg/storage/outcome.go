package storage

import "fmt"

// Outcome is the result of writing one chunk.
type Outcome int

const (
	// Accepted chunks advanced the image.
	Accepted Outcome = iota
	// Duplicate chunks were already written; nothing changed.
	Duplicate
	// SizeMismatch chunks do not fit the image and were not written.
	SizeMismatch
	// OutOfSpace chunks could not be stored on the medium.
	OutOfSpace
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case SizeMismatch:
		return "size_mismatch"
	case OutOfSpace:
		return "out_of_space"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Verdict is the result of verifying a closed image.
type Verdict int

const (
	Invalid Verdict = iota
	Valid
)

func (v Verdict) String() string {
	if v == Valid {
		return "valid"
	}
	return "invalid"
}

// Validation is the result of confirming an image after reboot.
type Validation int

const (
	Rejected Validation = iota
	Confirmed
)

func (v Validation) String() string {
	if v == Confirmed {
		return "confirmed"
	}
	return "rejected"
}
