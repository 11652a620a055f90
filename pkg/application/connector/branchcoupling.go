package connector

import (
	"fmt"
	"strings"
)

type BranchCoupling int

const (
	BranchCouplingUnset BranchCoupling = iota - 1
	BranchCouplingLoose
	BranchCouplingTight
)

func (c BranchCoupling) String() string {
	switch c {
	case BranchCouplingUnset:
		return "UNSET"
	case BranchCouplingLoose:
		return "LOOSE"
	case BranchCouplingTight:
		return "TIGHT"
	default:
		return "UNKNOWN"
	}
}

func (c BranchCoupling) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *BranchCoupling) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "", "UNSET":
		*c = BranchCouplingUnset
	case "LOOSE":
		*c = BranchCouplingLoose
	case "TIGHT":
		*c = BranchCouplingTight
	default:
		return fmt.Errorf("unknown branch coupling %q", text)
	}
	return nil
}

// BranchCouplingSupport is implemented by factories able to negotiate XA branch coupling.
type BranchCouplingSupport interface {
	// XAStartFlag returns the flag passed to XAResource.Start for the coupling.
	// ok is false when the resource does not support it.
	XAStartFlag(coupling BranchCoupling) (flag int, ok bool)
	DefaultBranchCoupling() BranchCoupling
}
