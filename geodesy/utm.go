package geodesy

import (
	"math"

	"github.com/demtools/stereodem/errtag"
)

// UTM is a universal transverse Mercator projection on a datum. Zone is
// 1..60; South selects the 10,000 km false northing.
type UTM struct {
	Datum Datum `json:"datum"`
	Zone  int   `json:"zone"`
	South bool  `json:"south"`
}

const (
	utmScale         = 0.9996
	utmFalseEasting  = 500000.0
	utmFalseNorthing = 10000000.0
)

// NewUTM builds a projection for the given zone.
func NewUTM(datum Datum, zone int, south bool) (UTM, error) {
	if err := datum.Validate(); err != nil {
		return UTM{}, err
	}
	if zone < 1 || zone > 60 {
		return UTM{}, errtag.Input("UTM zone %d out of range [1, 60]", zone)
	}
	return UTM{Datum: datum, Zone: zone, South: south}, nil
}

// UTMFromEPSG recognizes the 326xx/327xx WGS84 UTM codes.
func UTMFromEPSG(code int) (UTM, error) {
	switch {
	case code > 32600 && code <= 32660:
		return NewUTM(WGS84, code-32600, false)
	case code > 32700 && code <= 32760:
		return NewUTM(WGS84, code-32700, true)
	default:
		return UTM{}, errtag.Input("EPSG:%d is not a supported UTM code", code)
	}
}

func (u UTM) centralMeridian() float64 { return float64(-183 + 6*u.Zone) }

// Forward projects geodetic (lon, lat) in degrees to (easting, northing)
// in meters. Snyder's series, good to sub-millimeter within a zone.
func (u UTM) Forward(lon, lat float64) (easting, northing float64) {
	a := u.Datum.A
	e2, ep2 := u.Datum.e2(), u.Datum.ep2()
	latR := lat * math.Pi / 180
	dLon := (lon - u.centralMeridian()) * math.Pi / 180

	sinLat, cosLat := math.Sincos(latR)
	tanLat := sinLat / cosLat

	n := a / math.Sqrt(1-e2*sinLat*sinLat)
	t := tanLat * tanLat
	c := ep2 * cosLat * cosLat
	aa := dLon * cosLat
	m := u.meridianArc(latR)

	easting = utmScale*n*(aa+(1-t+c)*aa*aa*aa/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(aa, 5)/120) + utmFalseEasting
	northing = utmScale * (m + n*tanLat*(aa*aa/2+
		(5-t+9*c+4*c*c)*math.Pow(aa, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(aa, 6)/720))
	if u.South {
		northing += utmFalseNorthing
	}
	return easting, northing
}

// Inverse converts (easting, northing) in meters back to geodetic
// (lon, lat) in degrees.
func (u UTM) Inverse(easting, northing float64) (lon, lat float64) {
	a := u.Datum.A
	e2, ep2 := u.Datum.e2(), u.Datum.ep2()

	x := easting - utmFalseEasting
	y := northing
	if u.South {
		y -= utmFalseNorthing
	}

	m := y / utmScale
	mu := m / (a * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	// footpoint latitude
	fp := mu + (3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sinFp, cosFp := math.Sincos(fp)
	tanFp := sinFp / cosFp

	c1 := ep2 * cosFp * cosFp
	t1 := tanFp * tanFp
	n1 := a / math.Sqrt(1-e2*sinFp*sinFp)
	r1 := a * (1 - e2) / math.Pow(1-e2*sinFp*sinFp, 1.5)
	d := x / (n1 * utmScale)

	latR := fp - (n1*tanFp/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	dLon := (d - (1+2*t1+c1)*d*d*d/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cosFp

	lon = u.centralMeridian() + dLon*180/math.Pi
	lat = latR * 180 / math.Pi
	return lon, lat
}

func (u UTM) meridianArc(latR float64) float64 {
	a := u.Datum.A
	e2 := u.Datum.e2()
	return a * ((1-e2/4-3*e2*e2/64-5*e2*e2*e2/256)*latR -
		(3*e2/8+3*e2*e2/32+45*e2*e2*e2/1024)*math.Sin(2*latR) +
		(15*e2*e2/256+45*e2*e2*e2/1024)*math.Sin(4*latR) -
		(35*e2*e2*e2/3072)*math.Sin(6*latR))
}
