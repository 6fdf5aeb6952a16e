package ledger

import (
	"fmt"
	"strings"
)

// Commitment is the durability level of an observation of ledger state.
// Commitments are totally ordered: Processed < Confirmed < Finalized.
type Commitment int

const (
	Processed Commitment = iota + 1
	Confirmed
	Finalized
)

const (
	processedName = "processed"
	confirmedName = "confirmed"
	finalizedName = "finalized"
)

// ParseCommitment parses the wire name of a commitment level.
func ParseCommitment(s string) (Commitment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case processedName:
		return Processed, nil
	case confirmedName:
		return Confirmed, nil
	case finalizedName:
		return Finalized, nil
	default:
		return 0, fmt.Errorf("unknown commitment %q (expected %s, %s or %s)",
			s, processedName, confirmedName, finalizedName)
	}
}

func (c Commitment) String() string {
	switch c {
	case Processed:
		return processedName
	case Confirmed:
		return confirmedName
	case Finalized:
		return finalizedName
	default:
		return fmt.Sprintf("commitment(%d)", int(c))
	}
}

// Valid reports whether c is one of the known commitment levels.
func (c Commitment) Valid() bool {
	return c >= Processed && c <= Finalized
}

// AtLeast reports whether an observation made at c satisfies target.
func (c Commitment) AtLeast(target Commitment) bool {
	return c.Valid() && c >= target
}

func (c Commitment) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid %s", c)
	}
	return []byte(c.String()), nil
}

func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
