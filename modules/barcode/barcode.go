// Package barcode defines the detected-code value type shared by the
// detection worker, the result router and the UI handlers, plus the
// validity filter applied to raw detector output.
package barcode

import (
	"image"
)

// Symbology identifies the barcode format reported by the detector.
type Symbology string

const (
	SymbologyUnknown Symbology = ""
	SymbologyQR      Symbology = "qr_code"
	SymbologyCode128 Symbology = "code_128"
	SymbologyCode39  Symbology = "code_39"
	SymbologyEAN13   Symbology = "ean_13"
	SymbologyEAN8    Symbology = "ean_8"
	SymbologyUPCA    Symbology = "upc_a"
	SymbologyDataMat Symbology = "data_matrix"
)

// Code is a single barcode recognized in a frame.
//
// Geometry is expressed in frame-pixel space (before any display rotation).
// Code is a value type: once produced by a detector it is never mutated.
type Code struct {
	// Value is the decoded display value and the item identity.
	Value string

	// BoundingBox encloses the code in frame pixels.
	BoundingBox image.Rectangle

	// Corners are the four corner points, clockwise from top-left.
	Corners [4]image.Point

	// Symbology is the barcode format.
	Symbology Symbology
}

// Center returns the center of the bounding box.
// Used as the default screen point for placement hit tests.
func (c Code) Center() image.Point {
	return image.Point{
		X: (c.BoundingBox.Min.X + c.BoundingBox.Max.X) / 2,
		Y: (c.BoundingBox.Min.Y + c.BoundingBox.Max.Y) / 2,
	}
}

// DefaultMinLength is the shortest barcode value accepted by default.
const DefaultMinLength = 4

// Validator filters raw detector candidates.
//
// A candidate is valid when its value is non-empty, contains only ASCII
// letters and digits, and is at least MinLength characters long.
type Validator struct {
	MinLength int
}

// NewValidator returns a validator with the given minimum length.
// Non-positive values fall back to DefaultMinLength.
func NewValidator(minLength int) Validator {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return Validator{MinLength: minLength}
}

// Valid reports whether value passes the filter.
func (v Validator) Valid(value string) bool {
	if value == "" || len(value) < v.MinLength {
		return false
	}
	for i := 0; i < len(value); i++ {
		if !isAlnum(value[i]) {
			return false
		}
	}
	return true
}

// Filter returns the valid candidates in input order with duplicate values
// collapsed to their first occurrence, and the number of candidates dropped.
func (v Validator) Filter(candidates []Code) (valid []Code, dropped int) {
	if len(candidates) == 0 {
		return nil, 0
	}

	seen := make(map[string]struct{}, len(candidates))
	valid = make([]Code, 0, len(candidates))
	for _, c := range candidates {
		if !v.Valid(c.Value) {
			dropped++
			continue
		}
		if _, dup := seen[c.Value]; dup {
			dropped++
			continue
		}
		seen[c.Value] = struct{}{}
		valid = append(valid, c)
	}
	return valid, dropped
}

func isAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
