// Package onestopid parses, validates and mints Onestop IDs: stable,
// human-meaningful identifiers of the form <prefix>-<geohash>-<name>.
package onestopid

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"transitreg/pkg/domain"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
)

// MaxGeohashPrecision bounds the geohash component for minted ids.
const MaxGeohashPrecision = 10

var (
	pattern = regexp.MustCompile(`^([a-z])-([0-9b-hjkmnp-z]+)-(\S+)$`)

	prefixes = map[domain.EntityKind]string{
		domain.KindOperator:         "o",
		domain.KindStop:             "s",
		domain.KindRoute:            "r",
		domain.KindRouteStopPattern: "r",
		domain.KindFeed:             "f",
	}

	// ErrEmptyName is returned when minting without a usable name component.
	ErrEmptyName = errors.New("onestop id: name component is empty")
	// ErrNoGeometry is returned when minting without any reference point.
	ErrNoGeometry = errors.New("onestop id: no geometry to derive geohash from")
)

// ID is a parsed onestop id.
type ID struct {
	Prefix  string
	Geohash string
	Name    string
}

func (id ID) String() string {
	return id.Prefix + "-" + id.Geohash + "-" + id.Name
}

// Prefix returns the single-letter prefix used for kind.
func Prefix(kind domain.EntityKind) string {
	return prefixes[kind]
}

// Parse splits a onestop id into its components.
func Parse(value string) (ID, error) {
	m := pattern.FindStringSubmatch(value)
	if m == nil {
		return ID{}, fmt.Errorf("invalid onestop id %q", value)
	}
	return ID{Prefix: m[1], Geohash: m[2], Name: m[3]}, nil
}

// Validate checks value is a well-formed onestop id for kind.
func Validate(kind domain.EntityKind, value string) error {
	id, err := Parse(value)
	if err != nil {
		return err
	}
	want, ok := prefixes[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	if id.Prefix != want {
		return fmt.Errorf("onestop id %q must start with %q for %s", value, want+"-", kind)
	}
	if kind == domain.KindRouteStopPattern && len(strings.Split(id.Name, "-")) < 3 {
		return fmt.Errorf("route stop pattern onestop id %q must carry stop and geometry hashes", value)
	}
	return nil
}

// NameSlug normalises a display name into the name component: lower-cased
// letters and digits with every other run of characters collapsed to "~".
func NameSlug(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('~')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Geohash returns the longest common geohash prefix covering points, capped at
// MaxGeohashPrecision. Points too far apart to share a prefix fall back to the
// single-character cell of their centroid.
func Geohash(points []orb.Point) (string, error) {
	if len(points) == 0 {
		return "", ErrNoGeometry
	}
	common := encode(points[0])
	var sumLon, sumLat float64
	for _, p := range points {
		sumLon += p.Lon()
		sumLat += p.Lat()
		common = commonPrefix(common, encode(p))
	}
	if common == "" {
		n := float64(len(points))
		return geohash.EncodeWithPrecision(sumLat/n, sumLon/n, 1), nil
	}
	return common, nil
}

// New mints an id for kind from a geohash and a display name.
func New(kind domain.EntityKind, hash, name string) (string, error) {
	prefix, ok := prefixes[kind]
	if !ok || kind == domain.KindRouteStopPattern {
		return "", fmt.Errorf("cannot mint %s onestop id from a name", kind)
	}
	slug := NameSlug(name)
	if slug == "" {
		return "", ErrEmptyName
	}
	if hash == "" {
		return "", ErrNoGeometry
	}
	return prefix + "-" + hash + "-" + slug, nil
}

// ForRouteStopPattern derives a route stop pattern id from its route id, the
// onestop ids of its stops and its geometry.
func ForRouteStopPattern(routeOnestopID string, stopOnestopIDs []string, geometry orb.LineString) string {
	stopHash := shortHash(strings.Join(stopOnestopIDs, ","))
	coords := make([]string, 0, len(geometry))
	for _, p := range geometry {
		coords = append(coords, fmt.Sprintf("%.6f,%.6f", p.Lon(), p.Lat()))
	}
	return routeOnestopID + "-" + stopHash + "-" + shortHash(strings.Join(coords, ";"))
}

// WithSuffix appends a collision suffix (~2, ~3, ...) to id.
func WithSuffix(id string, n int) string {
	if n <= 1 {
		return id
	}
	return fmt.Sprintf("%s~%d", id, n)
}

func encode(p orb.Point) string {
	return geohash.EncodeWithPrecision(p.Lat(), p.Lon(), MaxGeohashPrecision)
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func shortHash(value string) string {
	sum := sha1.Sum([]byte(value)) // #nosec G401 -- identifier digest, not a security boundary
	return hex.EncodeToString(sum[:])[:6]
}
