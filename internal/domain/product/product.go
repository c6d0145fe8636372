package product

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Product represents a catalog item as served by the upstream store API.
type Product struct {
	ID     int64
	Title  string
	Price  decimal.Decimal
	Image  string
	Rating Rating

	// Optional fields. The upstream sends them but they are not required.
	Description string
	Category    string
}

// Rating holds the aggregate customer rating of a product.
type Rating struct {
	Rate  decimal.Decimal
	Count int64
}

// DecodeError indicates that a response body could not be interpreted as
// catalog JSON: malformed input, wrong types or missing required fields.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode catalog: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MissingFieldsError lists required fields absent from a product object.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}
