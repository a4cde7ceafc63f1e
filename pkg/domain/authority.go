package domain

import (
	"fmt"
	"strconv"
)

// Authority is the priority a claimant holds over a channel. Higher values win.
type Authority uint8

const (
	// AuthorityAbsolute is the maximum authority. A gate holding it is never
	// preempted by a competing gate of lower authority.
	AuthorityAbsolute Authority = 255
	// AuthorityDefault is used when a caller does not specify an authority.
	AuthorityDefault = AuthorityAbsolute
)

// Compare returns -1, 0 or +1 depending on whether a is lower, equal or higher than b.
func (a Authority) Compare(b Authority) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsAbsolute reports whether a is the absolute authority.
func (a Authority) IsAbsolute() bool { return a == AuthorityAbsolute }

func (a Authority) String() string {
	if a.IsAbsolute() {
		return "absolute"
	}
	return strconv.Itoa(int(a))
}

// ParseAuthority converts an integer into an Authority, rejecting values outside 0-255.
func ParseAuthority(v int) (Authority, error) {
	if v < 0 || v > int(AuthorityAbsolute) {
		return 0, fmt.Errorf("%w: authority %d out of range [0, 255]", ErrValidation, v)
	}
	return Authority(v), nil
}
