package auth

import (
	"context"
	"strings"
	"unicode"

	"rentflow/errcode"
)

// MaxAddressLen bounds the byte length of an Address.
const MaxAddressLen = 128

var (
	// ErrUnauthorized signals that the required principal did not authorize the call.
	ErrUnauthorized = errcode.New(410, errcode.KindUnauthorized, "auth: unauthorized")
	// ErrInvalidAddress signals a malformed principal identity.
	ErrInvalidAddress = errcode.New(411, errcode.KindInvalidInput, "auth: invalid address")
)

// Address identifies a principal: landlord, tenant, agent, arbiter,
// administrator, fee collector or transfer medium.
type Address string

// Validate reports ErrInvalidAddress for empty, oversized or whitespace
// containing addresses.
func (a Address) Validate() error {
	if a == "" || len(a) > MaxAddressLen {
		return ErrInvalidAddress
	}
	if strings.IndexFunc(string(a), unicode.IsSpace) >= 0 {
		return ErrInvalidAddress
	}
	return nil
}

func (a Address) String() string { return string(a) }

type principalsKey struct{}

// WithPrincipals returns a context on which every addr counts as having
// authorized the current request. Existing principals are kept.
func WithPrincipals(ctx context.Context, addrs ...Address) context.Context {
	prev := Principals(ctx)
	set := make(map[Address]struct{}, len(prev)+len(addrs))
	for _, a := range prev {
		set[a] = struct{}{}
	}
	for _, a := range addrs {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	out := make([]Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return context.WithValue(ctx, principalsKey{}, out)
}

// Principals lists the addresses authenticated on ctx.
func Principals(ctx context.Context) []Address {
	addrs, _ := ctx.Value(principalsKey{}).([]Address)
	return addrs
}

// Require fails with ErrUnauthorized unless addr authorized the request.
func Require(ctx context.Context, addr Address) error {
	if addr == "" {
		return ErrUnauthorized
	}
	for _, a := range Principals(ctx) {
		if a == addr {
			return nil
		}
	}
	return ErrUnauthorized
}
