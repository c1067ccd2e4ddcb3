// Package stat7 implements the seven-dimensional coordinate schema used to
// address any entity across realms: the address string grammar, the
// identity fingerprint, and an address-keyed index.
package stat7

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/stat7verse/backbone/internal/canonical"
)

// Horizon is the lifecycle stage of a coordinate. Transitions are monotone
// forward through this list.
type Horizon string

const (
	HorizonEmergence     Horizon = "emergence"
	HorizonActive        Horizon = "active"
	HorizonCrystallized  Horizon = "crystallization"
	HorizonArchived      Horizon = "archived"
)

var horizonOrder = map[Horizon]int{
	HorizonEmergence:    0,
	HorizonActive:       1,
	HorizonCrystallized: 2,
	HorizonArchived:     3,
}

// ValidHorizon reports whether h is one of the recognized lifecycle stages.
func ValidHorizon(h Horizon) bool {
	_, ok := horizonOrder[h]
	return ok
}

// MonotoneForward reports whether transitioning from 'from' to 'to' moves
// forward (or stays) in the horizon's fixed ordering.
func MonotoneForward(from, to Horizon) bool {
	fi, fok := horizonOrder[from]
	ti, tok := horizonOrder[to]
	return fok && tok && ti >= fi
}

// Coordinate is a STAT7 record: {realm, lineage, adjacency} form the
// immutable identity subset; {horizon, resonance, velocity, density} are
// dynamic.
type Coordinate struct {
	Realm     string   `json:"realm"`
	Lineage   int64    `json:"lineage"`
	Adjacency []string `json:"adjacency"`
	Horizon   Horizon  `json:"horizon"`
	Resonance float64  `json:"resonance"`
	Velocity  float64  `json:"velocity"`
	Density   float64  `json:"density"`
}

// ErrInvalidCoordinate is returned when a Coordinate violates an invariant:
// negative lineage, duplicate adjacency entries, a dynamic field outside
// [0,1], or a non-finite real.
var ErrInvalidCoordinate = fmt.Errorf("stat7: invalid coordinate")

// Validate checks the coordinate's invariants: non-negative lineage, no
// duplicate adjacency tokens, a recognized horizon, and dynamic reals
// within [0,1].
func (c Coordinate) Validate() error {
	if c.Realm == "" {
		return fmt.Errorf("%w: realm required", ErrInvalidCoordinate)
	}
	if c.Lineage < 0 {
		return fmt.Errorf("%w: lineage must be non-negative", ErrInvalidCoordinate)
	}
	seen := make(map[string]bool, len(c.Adjacency))
	for _, a := range c.Adjacency {
		if seen[a] {
			return fmt.Errorf("%w: duplicate adjacency token %q", ErrInvalidCoordinate, a)
		}
		seen[a] = true
	}
	if c.Horizon != "" && !ValidHorizon(c.Horizon) {
		return fmt.Errorf("%w: unrecognized horizon %q", ErrInvalidCoordinate, c.Horizon)
	}
	for name, v := range map[string]float64{"resonance": c.Resonance, "velocity": c.Velocity, "density": c.Density} {
		if v != v || v < 0 || v > 1 { // v != v catches NaN
			return fmt.Errorf("%w: %s must be a finite real in [0,1]", ErrInvalidCoordinate, name)
		}
	}
	return nil
}

// identitySubset returns the canonical-value form of {realm, lineage,
// adjacency}, the immutable portion of the coordinate.
func (c Coordinate) identitySubset() map[string]any {
	adj := make([]any, len(c.Adjacency))
	for i, a := range c.Adjacency {
		adj[i] = a
	}
	return map[string]any{
		"realm":     c.Realm,
		"lineage":   c.Lineage,
		"adjacency": adj,
	}
}

// Identity returns the SHA-256 fingerprint of the coordinate's identity
// subset: two coordinates with identical {realm, lineage, adjacency} yield
// identical identities regardless of their dynamic fields.
func (c Coordinate) Identity() ([32]byte, error) {
	return canonical.Fingerprint(c.identitySubset())
}

// Address renders the coordinate per the grammar:
//
//	stat7://<realm>:<lineage>/<adj1>,<adj2>,.../<horizon>?resonance=<r>&velocity=<v>&density=<d>
func (c Coordinate) Address() string {
	adjEncoded := make([]string, len(c.Adjacency))
	for i, a := range c.Adjacency {
		adjEncoded[i] = url.QueryEscape(a)
	}
	var b strings.Builder
	b.WriteString("stat7://")
	b.WriteString(url.QueryEscape(c.Realm))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(c.Lineage, 10))
	b.WriteByte('/')
	b.WriteString(strings.Join(adjEncoded, ","))
	b.WriteByte('/')
	b.WriteString(string(c.Horizon))
	b.WriteString("?resonance=")
	b.WriteString(canonical.FormatFloat8(c.Resonance))
	b.WriteString("&velocity=")
	b.WriteString(canonical.FormatFloat8(c.Velocity))
	b.WriteString("&density=")
	b.WriteString(canonical.FormatFloat8(c.Density))
	return b.String()
}

// DecodeAddress parses a string produced by Address back into a Coordinate.
// Encoder and decoder are inverses on the value set defined in the data
// model: DecodeAddress(c.Address()) == c for every well-formed c.
func DecodeAddress(addr string) (Coordinate, error) {
	const prefix = "stat7://"
	if !strings.HasPrefix(addr, prefix) {
		return Coordinate{}, fmt.Errorf("%w: missing stat7:// prefix", ErrInvalidCoordinate)
	}
	rest := addr[len(prefix):]

	queryIdx := strings.IndexByte(rest, '?')
	if queryIdx < 0 {
		return Coordinate{}, fmt.Errorf("%w: missing query section", ErrInvalidCoordinate)
	}
	path, query := rest[:queryIdx], rest[queryIdx+1:]

	colonIdx := strings.IndexByte(path, ':')
	if colonIdx < 0 {
		return Coordinate{}, fmt.Errorf("%w: missing realm:lineage separator", ErrInvalidCoordinate)
	}
	realmEnc := path[:colonIdx]
	remainder := path[colonIdx+1:]

	parts := strings.SplitN(remainder, "/", 2)
	if len(parts) != 2 {
		return Coordinate{}, fmt.Errorf("%w: missing adjacency/horizon segments", ErrInvalidCoordinate)
	}
	lineageStr, rest2 := parts[0], parts[1]

	adjIdx := strings.IndexByte(rest2, '/')
	if adjIdx < 0 {
		return Coordinate{}, fmt.Errorf("%w: missing horizon segment", ErrInvalidCoordinate)
	}
	adjStr, horizonStr := rest2[:adjIdx], rest2[adjIdx+1:]

	realm, err := url.QueryUnescape(realmEnc)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: realm decode: %v", ErrInvalidCoordinate, err)
	}
	lineage, err := strconv.ParseInt(lineageStr, 10, 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: lineage decode: %v", ErrInvalidCoordinate, err)
	}

	var adjacency []string
	if adjStr != "" {
		for _, tok := range strings.Split(adjStr, ",") {
			dec, err := url.QueryUnescape(tok)
			if err != nil {
				return Coordinate{}, fmt.Errorf("%w: adjacency decode: %v", ErrInvalidCoordinate, err)
			}
			adjacency = append(adjacency, dec)
		}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: query decode: %v", ErrInvalidCoordinate, err)
	}
	resonance, err := strconv.ParseFloat(values.Get("resonance"), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: resonance decode: %v", ErrInvalidCoordinate, err)
	}
	velocity, err := strconv.ParseFloat(values.Get("velocity"), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: velocity decode: %v", ErrInvalidCoordinate, err)
	}
	density, err := strconv.ParseFloat(values.Get("density"), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: density decode: %v", ErrInvalidCoordinate, err)
	}

	return Coordinate{
		Realm:     realm,
		Lineage:   lineage,
		Adjacency: adjacency,
		Horizon:   Horizon(horizonStr),
		Resonance: resonance,
		Velocity:  velocity,
		Density:   density,
	}, nil
}
