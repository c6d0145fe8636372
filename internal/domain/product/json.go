package product

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

type field uint8

const (
	fieldID field = 1 << iota
	fieldTitle
	fieldPrice
	fieldImage
	fieldRating
	fieldRate
	fieldCount
)

const requiredFields = fieldID | fieldTitle | fieldPrice | fieldImage | fieldRating | fieldRate | fieldCount

// fieldNames is ordered as the fields appear in the upstream payload.
var fieldNames = []struct {
	f    field
	name string
}{
	{fieldID, "id"},
	{fieldTitle, "title"},
	{fieldPrice, "price"},
	{fieldImage, "image"},
	{fieldRating, "rating"},
	{fieldRate, "rating.rate"},
	{fieldCount, "rating.count"},
}

// DecodeList decodes a JSON array of products. Unknown fields are ignored;
// a missing required field in any element fails the whole decode.
func DecodeList(data []byte) ([]Product, error) {
	if !jx.Valid(data) {
		return nil, &DecodeError{Err: errors.New("body is not valid JSON")}
	}

	products := make([]Product, 0)
	d := jx.DecodeBytes(data)
	if err := d.Arr(func(d *jx.Decoder) error {
		var p Product
		if err := decodeProduct(d, &p); err != nil {
			return errors.Wrapf(err, "element %d", len(products))
		}
		products = append(products, p)
		return nil
	}); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return products, nil
}

// Decode decodes a single JSON product object.
func Decode(data []byte) (Product, error) {
	if !jx.Valid(data) {
		return Product{}, &DecodeError{Err: errors.New("body is not valid JSON")}
	}

	var p Product
	if err := decodeProduct(jx.DecodeBytes(data), &p); err != nil {
		return Product{}, &DecodeError{Err: err}
	}
	return p, nil
}

func decodeProduct(d *jx.Decoder, p *Product) error {
	var seen field
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Int64()
			seen |= fieldID
		case "title":
			p.Title, err = d.Str()
			seen |= fieldTitle
		case "price":
			p.Price, err = decodeDecimal(d)
			seen |= fieldPrice
		case "image":
			p.Image, err = d.Str()
			seen |= fieldImage
		case "rating":
			err = decodeRating(d, &p.Rating, &seen)
			seen |= fieldRating
		case "description":
			p.Description, err = optionalStr(d)
		case "category":
			p.Category, err = optionalStr(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	}); err != nil {
		return err
	}
	return checkRequired(seen)
}

func decodeRating(d *jx.Decoder, r *Rating, seen *field) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "rate":
			r.Rate, err = decodeDecimal(d)
			*seen |= fieldRate
		case "count":
			r.Count, err = d.Int64()
			*seen |= fieldCount
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
}

// decodeDecimal reads a bare JSON number without going through float64.
// Quoted numbers are rejected.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if tt := d.Next(); tt != jx.Number {
		return decimal.Decimal{}, errors.Errorf("expected number, got %s", tt)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Decimal{}, err
	}
	v, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse %q", n.String())
	}
	return v, nil
}

// optionalStr reads a string, treating null as empty.
func optionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func checkRequired(seen field) error {
	missing := requiredFields &^ seen
	if missing == 0 {
		return nil
	}
	// An absent rating object implies its children; report only the parent.
	if missing&fieldRating != 0 {
		missing &^= fieldRate | fieldCount
	}
	var names []string
	for _, fn := range fieldNames {
		if missing&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	return &MissingFieldsError{Fields: names}
}

// Encode writes p as a JSON object using the upstream field names.
func Encode(e *jx.Encoder, p Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(p.ID) })
		e.Field("title", func(e *jx.Encoder) { e.Str(p.Title) })
		e.Field("price", func(e *jx.Encoder) { e.Num(jx.Num(p.Price.String())) })
		if p.Description != "" {
			e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
		}
		if p.Category != "" {
			e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
		}
		e.Field("image", func(e *jx.Encoder) { e.Str(p.Image) })
		e.Field("rating", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("rate", func(e *jx.Encoder) { e.Num(jx.Num(p.Rating.Rate.String())) })
				e.Field("count", func(e *jx.Encoder) { e.Int64(p.Rating.Count) })
			})
		})
	})
}

// EncodeList writes products as a JSON array.
func EncodeList(e *jx.Encoder, products []Product) {
	e.Arr(func(e *jx.Encoder) {
		for _, p := range products {
			Encode(e, p)
		}
	})
}

// MarshalList returns the JSON array encoding of products.
func MarshalList(products []Product) []byte {
	var e jx.Encoder
	EncodeList(&e, products)
	return e.Bytes()
}
