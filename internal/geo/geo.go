// Package geo validates location fixes and checks them against known
// activity sites.
package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"example.com/greenproof/internal/domain"
)

// ErrFixTooCoarse indicates the fix accuracy radius exceeds the configured cap.
var ErrFixTooCoarse = errors.New("location fix accuracy too coarse")

// ValidateFix sanity-checks a fix before it is attached to a capture session.
func ValidateFix(fix domain.LocationFix, maxAccuracyMeters float64) error {
	if fix.Latitude < -90 || fix.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", fix.Latitude)
	}
	if fix.Longitude < -180 || fix.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range", fix.Longitude)
	}
	if fix.CapturedAt.IsZero() {
		return errors.New("missing fix timestamp")
	}
	if fix.AccuracyMeters <= 0 {
		return fmt.Errorf("accuracy %f must be positive", fix.AccuracyMeters)
	}
	if maxAccuracyMeters > 0 && fix.AccuracyMeters > maxAccuracyMeters {
		return fmt.Errorf("%w: %.0fm > %.0fm", ErrFixTooCoarse, fix.AccuracyMeters, maxAccuracyMeters)
	}
	return nil
}

// Site is a known activity venue, such as a recycling point or transit stop.
type Site struct {
	Name         string  `yaml:"name"`
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

// Contains reports whether the fix plausibly lies within the site. The fix
// accuracy radius counts toward the site radius, so a coarse fix near the
// boundary is still a match.
func (s Site) Contains(fix domain.LocationFix) bool {
	center := orb.Point{s.Longitude, s.Latitude}
	point := orb.Point{fix.Longitude, fix.Latitude}
	return geo.Distance(center, point) <= s.RadiusMeters+fix.AccuracyMeters
}

// NearestSite returns the closest site containing the fix, if any.
func NearestSite(sites []Site, fix domain.LocationFix) (Site, bool) {
	point := orb.Point{fix.Longitude, fix.Latitude}

	var nearest Site
	nearestDist := -1.0
	for _, site := range sites {
		if !site.Contains(fix) {
			continue
		}
		dist := geo.Distance(orb.Point{site.Longitude, site.Latitude}, point)
		if nearestDist < 0 || dist < nearestDist {
			nearest = site
			nearestDist = dist
		}
	}
	return nearest, nearestDist >= 0
}
