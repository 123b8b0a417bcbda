package model

import "strings"

// RoastLevel is the closed roast enumeration. Free-text roast strings map
// into it during normalization; unmapped strings stay RoastUnknown.
type RoastLevel string

const (
	RoastLight       RoastLevel = "light"
	RoastMediumLight RoastLevel = "medium_light"
	RoastMedium      RoastLevel = "medium"
	RoastMediumDark  RoastLevel = "medium_dark"
	RoastDark        RoastLevel = "dark"
	RoastUnknown     RoastLevel = ""
)

// Process is the closed processing-method enumeration.
type Process string

const (
	ProcessWashed    Process = "washed"
	ProcessNatural   Process = "natural"
	ProcessHoney     Process = "honey"
	ProcessAnaerobic Process = "anaerobic"
	ProcessOther     Process = "other"
	ProcessUnknown   Process = ""
)

// Grind is the closed grind enumeration for variants.
type Grind string

const (
	GrindWholeBean   Grind = "whole_bean"
	GrindEspresso    Grind = "espresso"
	GrindFilter      Grind = "filter"
	GrindFrenchPress Grind = "french_press"
	GrindMoka        Grind = "moka"
	GrindAeropress   Grind = "aeropress"
	GrindOther       Grind = "other"
	GrindUnknown     Grind = ""
)

// ValidRoasts lists the assignable roast levels.
var ValidRoasts = []RoastLevel{RoastLight, RoastMediumLight, RoastMedium, RoastMediumDark, RoastDark}

// ValidProcesses lists the assignable processing methods.
var ValidProcesses = []Process{ProcessWashed, ProcessNatural, ProcessHoney, ProcessAnaerobic, ProcessOther}

// ValidGrinds lists the assignable grinds.
var ValidGrinds = []Grind{GrindWholeBean, GrindEspresso, GrindFilter, GrindFrenchPress, GrindMoka, GrindAeropress, GrindOther}

// IsValidRoast reports whether s is an assignable roast level.
func IsValidRoast(s string) bool {
	for _, r := range ValidRoasts {
		if string(r) == s {
			return true
		}
	}
	return false
}

// IsValidProcess reports whether s is an assignable processing method.
func IsValidProcess(s string) bool {
	for _, p := range ValidProcesses {
		if string(p) == s {
			return true
		}
	}
	return false
}

// IsValidGrind reports whether s is an assignable grind.
func IsValidGrind(s string) bool {
	for _, g := range ValidGrinds {
		if string(g) == s {
			return true
		}
	}
	return false
}

// PlatformKind identifies the e-commerce platform flavor of a source.
type PlatformKind string

const (
	PlatformShopify     PlatformKind = "shopify"
	PlatformWooCommerce PlatformKind = "woocommerce"
	PlatformGeneric     PlatformKind = "generic"
)

// ParsePlatformKind maps a config string to a PlatformKind, defaulting to
// generic for anything unrecognized.
func ParsePlatformKind(s string) PlatformKind {
	switch PlatformKind(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformShopify:
		return PlatformShopify
	case PlatformWooCommerce:
		return PlatformWooCommerce
	default:
		return PlatformGeneric
	}
}
