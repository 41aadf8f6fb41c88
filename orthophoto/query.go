package orthophoto

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// MaxRadius is the largest radius in meters the dataset is meant to serve.
// Larger values are accepted with a warning.
const MaxRadius = 100

// ErrInvalidQuery wraps query validation failures.
var ErrInvalidQuery = errors.New("invalid query")

// Query asks for the image around a point.
//
// When Projected is false Latitude and Longitude are WGS84 degrees. When it
// is true they already are projected meters: Longitude carries the easting
// and Latitude the northing.
type Query struct {
	Latitude  float64
	Longitude float64
	Dataset   string
	Radius    float64
	Projected bool

	// Output size in pixels, zero means the service default.
	Width  int `validate:"min=1,max=8192"`
	Height int `validate:"min=1,max=8192"`
}

// NewQuery returns a geographic query with the default radius.
func NewQuery(lat, lon float64) Query {
	return Query{Latitude: lat, Longitude: lon, Radius: MaxRadius}
}

var queryValidator = validator.New(validator.WithRequiredStructEnabled())

func (q Query) validate() error {
	if err := queryValidator.Struct(q); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{{"latitude", q.Latitude}, {"longitude", q.Longitude}, {"radius", q.Radius}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidQuery, f.name)
		}
	}
	return nil
}

// geographicInRange is false only when latitude and longitude are both out
// of range.
func (q Query) geographicInRange() bool {
	latOK := q.Latitude > -90 && q.Latitude < 90
	lonOK := q.Longitude > -180 && q.Longitude < 180
	return latOK || lonOK
}
