package models

import (
	"fmt"
	"regexp"
	"strings"
)

// FixedBlock is the only block segment in use on the facility floor plan.
const FixedBlock = "001"

// Levels lists the valid level markers from floor ("T", térreo) up to 6.
var Levels = []string{"T", "1", "2", "3", "4", "5", "6"}

var addressCodeRx = regexp.MustCompile(`^([A-Z]{2}\d{2})\.(001)\.(\d{3})\.A0([T1-6])$`)

// Address is a physical storage slot. Capacity is not stored here; the
// allocation engine owns it.
type Address struct {
	Code        string `json:"code" xmlrpc:"code"`
	Description string `json:"description" xmlrpc:"description"`
	Active      bool   `json:"active" xmlrpc:"active"`
	FacilityID  string `json:"facility_id" xmlrpc:"facility_id"`
}

// AddressCode is the structured form of an address code, e.g. PF01.001.001.A0T.
type AddressCode struct {
	Zone   string // two letters + two digits, "PF01"
	Block  string // always FixedBlock
	Column string // three digits
	Level  string // T or 1..6
}

// ParseAddressCode validates and splits an address code. Input is trimmed
// and upper-cased first because scanners emit lower case on some layouts.
func ParseAddressCode(raw string) (AddressCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	m := addressCodeRx.FindStringSubmatch(code)
	if m == nil {
		return AddressCode{}, fmt.Errorf("address code %q does not match ZZ00.001.000.A0L", raw)
	}
	return AddressCode{Zone: m[1], Block: m[2], Column: m[3], Level: m[4]}, nil
}

// NormalizeAddressCode returns the canonical string for raw, or an error.
func NormalizeAddressCode(raw string) (string, error) {
	c, err := ParseAddressCode(raw)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// IsAddressCode reports whether raw is a well-formed address code.
func IsAddressCode(raw string) bool {
	_, err := ParseAddressCode(raw)
	return err == nil
}

// FormatAddressCode builds a code from its parts. column is 1-999.
func FormatAddressCode(zone string, column int, level string) (string, error) {
	code := fmt.Sprintf("%s.%s.%03d.A0%s", strings.ToUpper(zone), FixedBlock, column, strings.ToUpper(level))
	return NormalizeAddressCode(code)
}

// String renders the canonical code.
func (c AddressCode) String() string {
	return fmt.Sprintf("%s.%s.%s.A0%s", c.Zone, c.Block, c.Column, c.Level)
}
