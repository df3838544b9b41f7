package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var validityRx = regexp.MustCompile(`^(0[1-9]|1[0-2])(\d{2})$`)

// Validity is an optional MMYY expiry tag. The empty value means "no tag".
type Validity string

// ParseValidity checks the MMYY format. Empty input is accepted.
func ParseValidity(raw string) (Validity, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", nil
	}
	if !validityRx.MatchString(v) {
		return "", fmt.Errorf("validity %q must be MMYY with month 01-12", raw)
	}
	return Validity(v), nil
}

// Month returns 1-12, or 0 for an empty tag.
func (v Validity) Month() int {
	if len(v) != 4 {
		return 0
	}
	m, _ := strconv.Atoi(string(v[:2]))
	return m
}

// Year returns the four-digit year, or 0 for an empty tag.
func (v Validity) Year() int {
	if len(v) != 4 {
		return 0
	}
	y, _ := strconv.Atoi(string(v[2:]))
	return 2000 + y
}

// ExpiresAt is the first instant after the tagged month, in loc.
func (v Validity) ExpiresAt(loc *time.Location) time.Time {
	if v.Month() == 0 {
		return time.Time{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(v.Year(), time.Month(v.Month())+1, 1, 0, 0, 0, 0, loc)
}

// Expired reports whether the tag is past at now. Untagged never expires.
func (v Validity) Expired(now time.Time) bool {
	exp := v.ExpiresAt(now.Location())
	return !exp.IsZero() && !now.Before(exp)
}

// Allocation is one product occupying one address. This is the only shape
// used past the cache load boundary.
type Allocation struct {
	Address            string    `json:"address"`
	ProductCode        string    `json:"product_code"`
	ProductDescription string    `json:"product_description"`
	Validity           Validity  `json:"validity,omitempty"`
	User               string    `json:"user"`
	AllocatedAt        time.Time `json:"allocated_at"`
	Active             bool      `json:"active"`
	Barcode            string    `json:"barcode,omitempty"`
	Lot                string    `json:"lot,omitempty"`
}
