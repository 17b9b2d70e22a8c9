// Package scancode maps stable key identifiers to PS/2 set-2 scan codes.
package scancode

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is a 1- or 2-byte PS/2 set-2 scan code. Prefix 0 means no extended
// prefix byte; 0xE0 marks an extended key.
type Code struct {
	Prefix uint8
	Value  uint8
}

// String renders the wire form "<hex(prefix)>:<hex(code)>".
func (c Code) String() string {
	return fmt.Sprintf("%02x:%02x", c.Prefix, c.Value)
}

// Parse decodes the wire form produced by String.
func Parse(s string) (Code, error) {
	prefixHex, valueHex, ok := strings.Cut(s, ":")
	if !ok {
		return Code{}, fmt.Errorf("scancode: malformed wire code %q", s)
	}
	prefix, err := strconv.ParseUint(prefixHex, 16, 8)
	if err != nil {
		return Code{}, fmt.Errorf("scancode: bad prefix in %q: %w", s, err)
	}
	value, err := strconv.ParseUint(valueHex, 16, 8)
	if err != nil {
		return Code{}, fmt.Errorf("scancode: bad code in %q: %w", s, err)
	}
	return Code{Prefix: uint8(prefix), Value: uint8(value)}, nil
}

// group names exist only to document table structure; they are not part of
// the public API.
const (
	groupLetters    = "letters"
	groupDigits     = "digits"
	groupModifiers  = "modifiers"
	groupNavigation = "navigation"
	groupFunction   = "function"
	groupOther      = "other"
)

type entry struct {
	code  Code
	group string
}

// table is the canonical identifier -> scan code mapping. It is a pure,
// static lookup: no mutation happens after package init.
var table = map[string]entry{
	// Letters
	"KeyA": {Code{0, 0x1c}, groupLetters}, "KeyB": {Code{0, 0x32}, groupLetters},
	"KeyC": {Code{0, 0x21}, groupLetters}, "KeyD": {Code{0, 0x23}, groupLetters},
	"KeyE": {Code{0, 0x24}, groupLetters}, "KeyF": {Code{0, 0x2b}, groupLetters},
	"KeyG": {Code{0, 0x34}, groupLetters}, "KeyH": {Code{0, 0x33}, groupLetters},
	"KeyI": {Code{0, 0x43}, groupLetters}, "KeyJ": {Code{0, 0x3b}, groupLetters},
	"KeyK": {Code{0, 0x42}, groupLetters}, "KeyL": {Code{0, 0x4b}, groupLetters},
	"KeyM": {Code{0, 0x3a}, groupLetters}, "KeyN": {Code{0, 0x31}, groupLetters},
	"KeyO": {Code{0, 0x44}, groupLetters}, "KeyP": {Code{0, 0x4d}, groupLetters},
	"KeyQ": {Code{0, 0x15}, groupLetters}, "KeyR": {Code{0, 0x2d}, groupLetters},
	"KeyS": {Code{0, 0x1b}, groupLetters}, "KeyT": {Code{0, 0x2c}, groupLetters},
	"KeyU": {Code{0, 0x3c}, groupLetters}, "KeyV": {Code{0, 0x2a}, groupLetters},
	"KeyW": {Code{0, 0x1d}, groupLetters}, "KeyX": {Code{0, 0x22}, groupLetters},
	"KeyY": {Code{0, 0x35}, groupLetters}, "KeyZ": {Code{0, 0x1a}, groupLetters},

	// Digits (top row)
	"Digit0": {Code{0, 0x45}, groupDigits}, "Digit1": {Code{0, 0x16}, groupDigits},
	"Digit2": {Code{0, 0x1e}, groupDigits}, "Digit3": {Code{0, 0x26}, groupDigits},
	"Digit4": {Code{0, 0x25}, groupDigits}, "Digit5": {Code{0, 0x2e}, groupDigits},
	"Digit6": {Code{0, 0x36}, groupDigits}, "Digit7": {Code{0, 0x3d}, groupDigits},
	"Digit8": {Code{0, 0x3e}, groupDigits}, "Digit9": {Code{0, 0x46}, groupDigits},

	// Modifiers
	"ShiftLeft": {Code{0, 0x12}, groupModifiers}, "ShiftRight": {Code{0, 0x59}, groupModifiers},
	"ControlLeft": {Code{0, 0x14}, groupModifiers}, "ControlRight": {Code{0xe0, 0x14}, groupModifiers},
	"AltLeft": {Code{0, 0x11}, groupModifiers}, "AltRight": {Code{0xe0, 0x11}, groupModifiers},
	"MetaLeft": {Code{0xe0, 0x1f}, groupModifiers}, "MetaRight": {Code{0xe0, 0x27}, groupModifiers},

	// Navigation (extended keys)
	"ArrowUp": {Code{0xe0, 0x75}, groupNavigation}, "ArrowDown": {Code{0xe0, 0x72}, groupNavigation},
	"ArrowLeft": {Code{0xe0, 0x6b}, groupNavigation}, "ArrowRight": {Code{0xe0, 0x74}, groupNavigation},
	"Home": {Code{0xe0, 0x6c}, groupNavigation}, "End": {Code{0xe0, 0x69}, groupNavigation},
	"PageUp": {Code{0xe0, 0x7d}, groupNavigation}, "PageDown": {Code{0xe0, 0x7a}, groupNavigation},
	"Insert": {Code{0xe0, 0x70}, groupNavigation}, "Delete": {Code{0xe0, 0x71}, groupNavigation},

	// Function row + other
	"F1": {Code{0, 0x05}, groupFunction}, "F2": {Code{0, 0x06}, groupFunction},
	"F3": {Code{0, 0x04}, groupFunction}, "F4": {Code{0, 0x0c}, groupFunction},
	"F5": {Code{0, 0x03}, groupFunction}, "F6": {Code{0, 0x0b}, groupFunction},
	"F7": {Code{0, 0x83}, groupFunction}, "F8": {Code{0, 0x0a}, groupFunction},
	"F9": {Code{0, 0x01}, groupFunction}, "F10": {Code{0, 0x09}, groupFunction},
	"F11": {Code{0, 0x78}, groupFunction}, "F12": {Code{0, 0x07}, groupFunction},
	"Enter": {Code{0, 0x5a}, groupOther}, "Escape": {Code{0, 0x76}, groupOther},
	"Space": {Code{0, 0x29}, groupOther}, "Tab": {Code{0, 0x0d}, groupOther},
	"Backspace": {Code{0, 0x66}, groupOther},
}

// Lookup resolves a stable key identifier (e.g. "KeyA", "ShiftLeft") to its
// wire Code. The second return value is false for unknown identifiers.
func Lookup(key string) (Code, bool) {
	e, ok := table[key]
	if !ok {
		return Code{}, false
	}
	return e.code, true
}

// modifierSet is the set of identifiers treated specially by the keyboard
// service's held-modifier tracking.
var modifierSet = map[string]bool{
	"ShiftLeft": true, "ShiftRight": true,
	"ControlLeft": true, "ControlRight": true,
	"AltLeft": true, "AltRight": true,
	"MetaLeft": true, "MetaRight": true,
}

// IsModifier reports whether key names one of the eight tracked modifiers.
func IsModifier(key string) bool {
	return modifierSet[key]
}
