package domain

import "fmt"

// Status is the delivery progress of a message for one recipient.
// Values are ordered: a transition may only move forward.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = map[Status]string{
	StatusUnknown:   "",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

// ParseStatus converts the wire name of a status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "":
		return StatusUnknown, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return StatusUnknown, fmt.Errorf("status %q: %w", s, ErrInvalidArgument)
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of sent, delivered or read.
func (s Status) Valid() bool {
	return s >= StatusSent && s <= StatusRead
}

// Advances reports whether moving from s to next is a legal forward transition.
func (s Status) Advances(next Status) bool {
	return next.Valid() && next > s
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("status %d: %w", uint8(s), ErrInvalidArgument)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MaxStatus returns the further advanced of a and b.
func MaxStatus(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}
