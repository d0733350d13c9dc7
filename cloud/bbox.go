package cloud

import (
	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/geodesy"
)

// LonLatBox is the geodetic bounding box of a loaded sample, in the
// sample's own longitude convention.
func (s *Sample) LonLatBox(datum geodesy.Datum) r2.Rect {
	box := r2.EmptyRect()
	for j := 0; j < s.Len(); j++ {
		lon, lat, _ := datum.CartesianToGeodetic(s.WorldPoint(j))
		lon = geodesy.RecenterLongitude(lon, s.MedianLon)
		box = box.AddPoint(r2.Point{X: lon, Y: lat})
	}
	return box
}

// PointsLonLatBox is the geodetic bounding box of a set of ECEF points,
// recentered on the first point's longitude.
func PointsLonLatBox(pts []r3.Vector, datum geodesy.Datum) r2.Rect {
	box := r2.EmptyRect()
	var center float64
	for i, p := range pts {
		lon, lat, _ := datum.CartesianToGeodetic(p)
		if i == 0 {
			center = lon
		}
		lon = geodesy.RecenterLongitude(lon, center)
		box = box.AddPoint(r2.Point{X: lon, Y: lat})
	}
	return box
}

// BoxContainsECEF reports whether an ECEF point's geodetic position
// falls inside the box, following the box's longitude convention.
func BoxContainsECEF(box r2.Rect, p r3.Vector, datum geodesy.Datum) bool {
	lon, lat, _ := datum.CartesianToGeodetic(p)
	lon = geodesy.RecenterLongitude(lon, box.X.Center())
	return box.ContainsPoint(r2.Point{X: lon, Y: lat})
}

// ExtendLonLatBox grows a geodetic box so that any point inside it stays
// inside after moving by at most maxDisp meters in any direction, then
// pads each side by five percent. Used to prefilter the other cloud
// before alignment without cutting off its reachable points.
func ExtendLonLatBox(box r2.Rect, datum geodesy.Datum, maxDisp float64) r2.Rect {
	if box.IsEmpty() || maxDisp <= 0 {
		return box
	}
	center := box.X.Center()
	out := r2.EmptyRect()
	const grid = 10
	for i := 0; i <= grid; i++ {
		for j := 0; j <= grid; j++ {
			lon := box.X.Lo + box.X.Length()*float64(i)/grid
			lat := box.Y.Lo + box.Y.Length()*float64(j)/grid
			p := datum.GeodeticToCartesian(lon, lat, 0)
			// the reachable set is inside the cube of side 2*maxDisp
			for _, dx := range []float64{-maxDisp, maxDisp} {
				for _, dy := range []float64{-maxDisp, maxDisp} {
					for _, dz := range []float64{-maxDisp, maxDisp} {
						q := p.Add(r3.Vector{X: dx, Y: dy, Z: dz})
						qlon, qlat, _ := datum.CartesianToGeodetic(q)
						qlon = geodesy.RecenterLongitude(qlon, center)
						out = out.AddPoint(r2.Point{X: qlon, Y: qlat})
					}
				}
			}
		}
	}
	marginX := 0.05 * out.X.Length()
	marginY := 0.05 * out.Y.Length()
	return r2.Rect{
		X: r1.Interval{Lo: out.X.Lo - marginX, Hi: out.X.Hi + marginX},
		Y: r1.Interval{Lo: out.Y.Lo - marginY, Hi: out.Y.Hi + marginY},
	}
}
