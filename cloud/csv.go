package cloud

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
)

// CSVLayout names a supported CSV coordinate triple.
type CSVLayout int

// Supported layouts.
const (
	LayoutLonLatHeight CSVLayout = iota
	LayoutLatLonHeight
	LayoutXYZ
	LayoutLonLatRadiusM
	LayoutLonLatRadiusKM
	LayoutEastingNorthingHeight
)

// CSVFormat describes where a point's coordinates live in a CSV row.
// Cols holds the zero-based column index of each field in the layout's
// canonical order (for example lon, lat, height for LayoutLonLatHeight).
type CSVFormat struct {
	Layout CSVLayout
	Cols   [3]int
	// EPSG names the projection for easting/northing layouts.
	EPSG int
}

// DefaultCSVFormat is longitude, latitude, height above datum in the
// first three columns; it is assumed when no format string is given.
func DefaultCSVFormat() CSVFormat {
	return CSVFormat{Layout: LayoutLonLatHeight, Cols: [3]int{0, 1, 2}}
}

// ParseCSVFormat parses a format string such as
// "1:lat 2:lon 3:height_above_datum". Column numbers are one-based.
func ParseCSVFormat(spec string) (CSVFormat, error) {
	fields := strings.FieldsFunc(spec, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	names := map[string]int{} // field name -> zero-based column
	var listed []string       // names in the order the spec gives them
	for _, f := range fields {
		parts := strings.SplitN(f, ":", 2)
		if len(parts) != 2 {
			return CSVFormat{}, errtag.Input("csv format: cannot parse entry %q", f)
		}
		col, err := strconv.Atoi(parts[0])
		if err != nil || col < 1 {
			return CSVFormat{}, errtag.Input("csv format: bad column number in %q", f)
		}
		name := strings.ToLower(parts[1])
		if _, dup := names[name]; !dup {
			listed = append(listed, name)
		}
		names[name] = col - 1
	}
	if len(names) != 3 {
		return CSVFormat{}, errtag.Input("csv format %q: expected exactly three fields", spec)
	}

	pick := func(layout CSVLayout, a, b, c string) (CSVFormat, bool) {
		ca, okA := names[a]
		cb, okB := names[b]
		cc, okC := names[c]
		if !okA || !okB || !okC {
			return CSVFormat{}, false
		}
		return CSVFormat{Layout: layout, Cols: [3]int{ca, cb, cc}}, true
	}
	// lon/lat/height and lat/lon/height share a name set; the order the
	// spec lists them decides the canonical order of the triple
	if f, ok := pick(LayoutLonLatHeight, "lon", "lat", "height_above_datum"); ok {
		for _, name := range listed {
			if name == "lon" {
				break
			}
			if name == "lat" {
				f, _ = pick(LayoutLatLonHeight, "lat", "lon", "height_above_datum")
				break
			}
		}
		return f, nil
	}
	if f, ok := pick(LayoutXYZ, "x", "y", "z"); ok {
		return f, nil
	}
	if f, ok := pick(LayoutLonLatRadiusM, "lon", "lat", "radius_m"); ok {
		return f, nil
	}
	if f, ok := pick(LayoutLonLatRadiusKM, "lon", "lat", "radius_km"); ok {
		return f, nil
	}
	if f, ok := pick(LayoutEastingNorthingHeight, "easting", "northing", "height_above_datum"); ok {
		return f, nil
	}
	return CSVFormat{}, errtag.Input("csv format %q: unrecognized field combination", spec)
}

// maxCol is the highest column index the format touches.
func (f CSVFormat) maxCol() int {
	m := f.Cols[0]
	for _, c := range f.Cols[1:] {
		if c > m {
			m = c
		}
	}
	return m
}

// ToCartesian converts one parsed coordinate triple (in canonical layout
// order) to ECEF.
func (f CSVFormat) ToCartesian(v [3]float64, datum geodesy.Datum) (r3.Vector, error) {
	switch f.Layout {
	case LayoutLonLatHeight:
		return datum.GeodeticToCartesian(v[0], v[1], v[2]), nil
	case LayoutLatLonHeight:
		return datum.GeodeticToCartesian(v[1], v[0], v[2]), nil
	case LayoutXYZ:
		return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
	case LayoutLonLatRadiusM, LayoutLonLatRadiusKM:
		r := v[2]
		if f.Layout == LayoutLonLatRadiusKM {
			r *= 1000
		}
		// lon/lat/radius triples are spherical: the latitude is geocentric
		lon, lat := v[0]*math.Pi/180, v[1]*math.Pi/180
		return r3.Vector{
			X: r * math.Cos(lat) * math.Cos(lon),
			Y: r * math.Cos(lat) * math.Sin(lon),
			Z: r * math.Sin(lat),
		}, nil
	case LayoutEastingNorthingHeight:
		utm, err := geodesy.UTMFromEPSG(f.EPSG)
		if err != nil {
			return r3.Vector{}, err
		}
		utm.Datum = datum
		lon, lat := utm.Inverse(v[0], v[1])
		return datum.GeodeticToCartesian(lon, lat, v[2]), nil
	default:
		return r3.Vector{}, errtag.Input("csv format: unknown layout %d", f.Layout)
	}
}

// FromCartesian converts an ECEF point back to a coordinate triple in the
// layout's canonical order.
func (f CSVFormat) FromCartesian(p r3.Vector, datum geodesy.Datum) ([3]float64, error) {
	switch f.Layout {
	case LayoutLonLatHeight:
		lon, lat, h := datum.CartesianToGeodetic(p)
		return [3]float64{lon, lat, h}, nil
	case LayoutLatLonHeight:
		lon, lat, h := datum.CartesianToGeodetic(p)
		return [3]float64{lat, lon, h}, nil
	case LayoutXYZ:
		return [3]float64{p.X, p.Y, p.Z}, nil
	case LayoutLonLatRadiusM, LayoutLonLatRadiusKM:
		r := p.Norm()
		lat := math.Asin(p.Z/r) * 180 / math.Pi
		lon := math.Atan2(p.Y, p.X) * 180 / math.Pi
		if f.Layout == LayoutLonLatRadiusKM {
			r /= 1000
		}
		return [3]float64{lon, lat, r}, nil
	case LayoutEastingNorthingHeight:
		utm, err := geodesy.UTMFromEPSG(f.EPSG)
		if err != nil {
			return [3]float64{}, err
		}
		utm.Datum = datum
		lon, lat, h := datum.CartesianToGeodetic(p)
		e, n := utm.Forward(lon, lat)
		return [3]float64{e, n, h}, nil
	default:
		return [3]float64{}, errtag.Input("csv format: unknown layout %d", f.Layout)
	}
}

func splitCSVRow(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
}

// parseCSVRow extracts the format's coordinate triple from one data row.
func (f CSVFormat) parseCSVRow(line string) ([3]float64, bool) {
	fields := splitCSVRow(line)
	if len(fields) <= f.maxCol() {
		return [3]float64{}, false
	}
	var out [3]float64
	for i, col := range f.Cols {
		v, err := strconv.ParseFloat(fields[col], 64)
		if err != nil {
			return [3]float64{}, false
		}
		out[i] = v
	}
	return out, true
}

// loadCSV reads a whole CSV cloud, thinning to MaxPoints on a row stride.
// Lines that are blank or start with # are skipped; the first row is also
// forgiven when it fails to parse, so plain headers pass through.
func loadCSV(path string, opts LoadOptions) (*Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errtag.Tag(errtag.KindResource, errors.Wrapf(err, "cannot open %s", path))
	}
	defer file.Close() //nolint:errcheck

	var rows [][3]float64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineNum++
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		v, ok := opts.CSV.parseCSVRow(line)
		if !ok {
			if lineNum == 1 {
				continue // header row
			}
			return nil, errtag.Format("%s:%d: cannot parse row %q", path, lineNum, line)
		}
		rows = append(rows, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, errtag.Tag(errtag.KindResource, errors.Wrapf(err, "reading %s", path))
	}

	stride := 1
	if len(rows) > opts.MaxPoints {
		stride = (len(rows) + opts.MaxPoints - 1) / opts.MaxPoints
	}
	c := newCollector(opts)
	for i := 0; i < len(rows); i += stride {
		p, err := opts.CSV.ToCartesian(rows[i], opts.Datum)
		if err != nil {
			return nil, err
		}
		c.add(p)
		if c.len() >= opts.MaxPoints {
			break
		}
	}
	return c.finish(len(rows), FormatCSV)
}
