// Package version maps releases to device state format versions and decides
// whether, and in which direction, a snapshot can be translated.
package version

import (
	"errors"
	"fmt"
	"sort"

	"github.com/blang/semver/v4"
)

// Format is the device state format version stored in a SnapshotFile
// header. Formats only ever grow.
type Format uint16

func (f Format) String() string { return fmt.Sprintf("v%d", uint16(f)) }

// Feature boundaries. A field or device introduced at format N is written
// only when the target format is at least N.
const (
	FormatInitial       Format = 1
	FormatBalloon       Format = 2 // virtio-balloon device state
	FormatDeviceOptions Format = 3 // net MMDS version, block cache type
	FormatSerialDivisor Format = 4 // serial DLL/DLM collapsed into one 16-bit divisor

	Current = FormatSerialDivisor
)

// DefaultMaxBackwardSpan is how many formats behind Current are still
// accepted on load and offered on save.
const DefaultMaxBackwardSpan = 2

var (
	// ErrUnsupported reports a format or release outside the supported window.
	ErrUnsupported = errors.New("snapshot version not supported")

	errBadRelease = errors.New("invalid release version")
)

// Direction of a translation.
type Direction int

const (
	Identical Direction = iota
	Upgrade
	Downgrade
)

func (d Direction) String() string {
	switch d {
	case Identical:
		return "identical"
	case Upgrade:
		return "upgrade"
	case Downgrade:
		return "downgrade"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Translation is a planned conversion between two formats.
type Translation struct {
	From, To  Format
	Direction Direction
}

type release struct {
	v semver.Version
	f Format
}

// Map is the release to format table plus the supported window.
type Map struct {
	releases        []release // ascending
	Current         Format
	MaxBackwardSpan uint16
	Broken          map[Format]bool
}

// DefaultReleases is the release history. 0.23.0 predates balloon support.
func DefaultReleases() map[string]Format {
	return map[string]Format{
		"0.23.0": FormatInitial,
		"0.24.0": FormatBalloon,
		"0.25.0": FormatDeviceOptions,
		"1.0.0":  FormatSerialDivisor,
	}
}

// NewMap builds a map from release strings. Releases must not map a later
// release to an older format.
func NewMap(releases map[string]Format, current Format, span uint16, broken ...Format) (*Map, error) {
	m := &Map{
		Current:         current,
		MaxBackwardSpan: span,
		Broken:          make(map[Format]bool, len(broken)),
	}

	for s, f := range releases {
		v, err := semver.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", errBadRelease, s, err)
		}

		if f > current {
			return nil, fmt.Errorf("%w: release %s maps to format %d beyond current %d", errBadRelease, s, f, current)
		}

		m.releases = append(m.releases, release{v: v, f: f})
	}

	sort.Slice(m.releases, func(i, j int) bool { return m.releases[i].v.LT(m.releases[j].v) })

	for i := 1; i < len(m.releases); i++ {
		if m.releases[i].f < m.releases[i-1].f {
			return nil, fmt.Errorf("%w: release %s goes back to format %d",
				errBadRelease, m.releases[i].v, m.releases[i].f)
		}
	}

	for _, f := range broken {
		m.Broken[f] = true
	}

	return m, nil
}

// Default returns the built-in map with the default span.
func Default() *Map {
	m, err := NewMap(DefaultReleases(), Current, DefaultMaxBackwardSpan)
	if err != nil {
		panic(err)
	}

	return m
}

// Oldest is the lowest format inside the window.
func (m *Map) Oldest() Format {
	if uint16(m.Current) <= m.MaxBackwardSpan {
		return FormatInitial
	}

	return m.Current - Format(m.MaxBackwardSpan)
}

// Supported reports whether f is inside [Current-span, Current] and not
// marked broken.
func (m *Map) Supported(f Format) bool {
	return f >= m.Oldest() && f <= m.Current && f >= FormatInitial && !m.Broken[f]
}

// Resolve returns the format written by release, which is the format of
// the newest known release not newer than it. Pre-release and build
// metadata are ignored.
func (m *Map) Resolve(rel string) (Format, error) {
	v, err := semver.ParseTolerant(rel)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", errBadRelease, rel, err)
	}

	v.Pre, v.Build = nil, nil

	idx := sort.Search(len(m.releases), func(i int) bool { return m.releases[i].v.GT(v) })
	if idx == 0 {
		return 0, fmt.Errorf("%w: release %s predates every known format", ErrUnsupported, v)
	}

	f := m.releases[idx-1].f
	if !m.Supported(f) {
		return 0, fmt.Errorf("%w: release %s writes format %d, supported %d..%d",
			ErrUnsupported, v, f, m.Oldest(), m.Current)
	}

	return f, nil
}

// Plan checks both ends and returns the translation from one format to the
// other.
func (m *Map) Plan(from, to Format) (Translation, error) {
	for _, f := range []Format{from, to} {
		if !m.Supported(f) {
			return Translation{}, fmt.Errorf("%w: format %d, supported %d..%d",
				ErrUnsupported, f, m.Oldest(), m.Current)
		}
	}

	t := Translation{From: from, To: to}

	switch {
	case from < to:
		t.Direction = Upgrade
	case from > to:
		t.Direction = Downgrade
	default:
		t.Direction = Identical
	}

	return t, nil
}

// Releases lists known releases and their formats, oldest first.
func (m *Map) Releases() []string {
	out := make([]string, 0, len(m.releases))
	for _, r := range m.releases {
		out = append(out, fmt.Sprintf("%s=%d", r.v, r.f))
	}

	return out
}
