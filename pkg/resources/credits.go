// Package resources provides the allocation and accounting primitives shared by
// all three tiers: credit budgets, resource allocations, usage snapshots and the
// parent/child allocation hierarchy.
package resources

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidCredits is returned when a credit literal cannot be parsed.
var ErrInvalidCredits = errors.New("resources: invalid credit amount")

const unlimitedLiteral = "unlimited"

// Credits is a whole-number credit budget with an explicit unlimited variant.
// The zero value is zero credits. Arithmetic never goes below zero and never
// overflows; an unlimited budget absorbs every operation.
type Credits struct {
	amount    int64
	unlimited bool
}

// NewCredits returns a bounded credit amount. Negative input is clamped to zero.
func NewCredits(n int64) Credits {
	if n < 0 {
		n = 0
	}
	return Credits{amount: n}
}

// Unlimited returns the unbounded credit budget.
func Unlimited() Credits {
	return Credits{unlimited: true}
}

// ParseCredits parses a decimal integer or the literal "unlimited".
func ParseCredits(s string) (Credits, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, unlimitedLiteral) {
		return Unlimited(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return Credits{}, fmt.Errorf("%w: %q", ErrInvalidCredits, s)
	}
	return Credits{amount: n}, nil
}

// MustParseCredits is ParseCredits for literals known at compile time.
func MustParseCredits(s string) Credits {
	c, err := ParseCredits(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsUnlimited reports whether c is the unbounded budget.
func (c Credits) IsUnlimited() bool { return c.unlimited }

// Int64 returns the bounded amount, or math.MaxInt64 when unlimited.
func (c Credits) Int64() int64 {
	if c.unlimited {
		return math.MaxInt64
	}
	return c.amount
}

func (c Credits) String() string {
	if c.unlimited {
		return unlimitedLiteral
	}
	return strconv.FormatInt(c.amount, 10)
}

// Cmp compares two budgets. Unlimited is greater than every bounded amount
// and equal to itself.
func (c Credits) Cmp(o Credits) int {
	switch {
	case c.unlimited && o.unlimited:
		return 0
	case c.unlimited:
		return 1
	case o.unlimited:
		return -1
	case c.amount < o.amount:
		return -1
	case c.amount > o.amount:
		return 1
	}
	return 0
}

// Covers reports whether n credits fit inside the budget.
func (c Credits) Covers(n int64) bool {
	return c.unlimited || n <= c.amount
}

// Add returns c+n, saturating at math.MaxInt64.
func (c Credits) Add(n int64) Credits {
	if c.unlimited {
		return c
	}
	if n > 0 && c.amount > math.MaxInt64-n {
		return Credits{amount: math.MaxInt64}
	}
	return NewCredits(c.amount + n)
}

// Sub returns c-n, floored at zero.
func (c Credits) Sub(n int64) Credits {
	if c.unlimited {
		return c
	}
	if n >= c.amount {
		return Credits{}
	}
	return Credits{amount: c.amount - n}
}

// MulDiv returns floor(c*num/den) using arbitrary precision for the product.
// Unlimited stays unlimited.
func (c Credits) MulDiv(num, den int64) Credits {
	if c.unlimited {
		return c
	}
	if den <= 0 || num <= 0 {
		return Credits{}
	}
	v := new(big.Int).Mul(big.NewInt(c.amount), big.NewInt(num))
	v.Quo(v, big.NewInt(den))
	if !v.IsInt64() {
		return Credits{amount: math.MaxInt64}
	}
	return Credits{amount: v.Int64()}
}

func (c Credits) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Credits) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain JSON numbers are accepted as well.
		var n int64
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidCredits, string(data))
		}
		*c = NewCredits(n)
		return nil
	}
	parsed, err := ParseCredits(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Credits) MarshalYAML() (any, error) {
	return c.String(), nil
}

func (c *Credits) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseCredits(node.Value)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
