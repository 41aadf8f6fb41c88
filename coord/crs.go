package coord

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ctessum/geom/proj"
)

// Well-known reference systems used by the orthophoto pipeline.
const (
	WGS84     = "EPSG:4326"
	ETRS89UTM = "EPSG:25832"
)

// proj4Defs maps EPSG codes to their proj4 definition.
var proj4Defs = map[int]string{
	4326:  "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs",
	3857:  "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs",
	25832: "+proj=utm +zone=32 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	25833: "+proj=utm +zone=33 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	32632: "+proj=utm +zone=32 +datum=WGS84 +units=m +no_defs",
}

// ParseEPSG extracts the numeric code from an identifier such as "EPSG:25832".
func ParseEPSG(id string) (int, error) {
	code, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(id)), "EPSG:")
	if !ok {
		return 0, fmt.Errorf("invalid CRS identifier %q, expected EPSG:<code>", id)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("invalid CRS identifier %q: %w", id, err)
	}
	return n, nil
}

// lookupSR resolves a CRS identifier to a parsed spatial reference.
func lookupSR(id string) (*proj.SR, error) {
	code, err := ParseEPSG(id)
	if err != nil {
		return nil, err
	}
	def, ok := proj4Defs[code]
	if !ok {
		return nil, fmt.Errorf("unsupported CRS %s", id)
	}
	sr, err := proj.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("parsing proj4 definition for %s: %w", id, err)
	}
	return sr, nil
}

// Supported reports whether the identifier has a known definition.
func Supported(id string) bool {
	code, err := ParseEPSG(id)
	if err != nil {
		return false
	}
	_, ok := proj4Defs[code]
	return ok
}
