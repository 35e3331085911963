// Package costing computes per-unit cost for stock quantities using the
// product's configured costing method, and maintains the cost lots the
// fifo/lifo methods consume.
package costing

import (
	"strings"
)

// Method is the closed set of costing methods. One strategy exists per
// variant; dispatch goes through a package-level table resolved once.
type Method string

const (
	MethodStandard Method = "standard"
	MethodAverage  Method = "average"
	MethodFIFO     Method = "fifo"
	MethodLIFO     Method = "lifo"
)

// FallbackPartial marks a result where lots were exhausted and the
// remainder was priced at the running average cost.
const FallbackPartial = "fallback-partial"

// ParseMethod normalizes a stored method string. Misconfigured or unset
// methods default to standard.
func ParseMethod(s string) Method {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodAverage:
		return MethodAverage
	case MethodFIFO:
		return MethodFIFO
	case MethodLIFO:
		return MethodLIFO
	default:
		return MethodStandard
	}
}

// IsLotBased reports whether the method consumes specific cost lots.
func (m Method) IsLotBased() bool {
	return m == MethodFIFO || m == MethodLIFO
}
