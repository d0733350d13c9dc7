package cloud

import (
	"encoding/binary"
	"math/rand"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/utils"
)

// lasReloadFloor is the point budget used when a bounding box filter
// starves the first pass and the file has to be walked again.
const lasReloadFloor = 10000000

// lasGeoKeysRecordID is the LASF_Projection GeoKeyDirectory VLR.
const lasGeoKeysRecordID = 34735

// lasCRS captures what the LAS georeferencing VLRs say about the file's
// coordinate system.
type lasCRS struct {
	projected  *geodesy.UTM
	geographic bool
}

// lasReadCRS digs the coordinate system out of the GeoKeyDirectory VLR,
// if any. A file without one is taken to hold raw ECEF coordinates.
func lasReadCRS(lf *lidario.LasFile, datum geodesy.Datum) lasCRS {
	for _, vlr := range lf.VlrData {
		if vlr.RecordID != lasGeoKeysRecordID || len(vlr.BinaryData) < 8 {
			continue
		}
		if crs := lasCRSFromGeoKeys(vlr.BinaryData, datum); crs.projected != nil || crs.geographic {
			return crs
		}
	}
	return lasCRS{}
}

// lasCRSFromGeoKeys parses one GeoKeyDirectory payload.
func lasCRSFromGeoKeys(b []byte, datum geodesy.Datum) lasCRS {
	if len(b) < 8 {
		return lasCRS{}
	}
	numKeys := int(binary.LittleEndian.Uint16(b[6:8]))
	for i := 1; i <= numKeys && (i+1)*8 <= len(b); i++ {
		keyID := int(binary.LittleEndian.Uint16(b[i*8 : i*8+2]))
		value := int(binary.LittleEndian.Uint16(b[i*8+6 : i*8+8]))
		switch keyID {
		case 3072: // ProjectedCSTypeGeoKey
			if utm, err := geodesy.UTMFromEPSG(value); err == nil {
				utm.Datum = datum
				return lasCRS{projected: &utm}
			}
		case 2048: // GeographicTypeGeoKey
			return lasCRS{geographic: true}
		}
	}
	return lasCRS{}
}

// toCartesian lifts one stored LAS coordinate triple to ECEF.
func (c lasCRS) toCartesian(x, y, z float64, datum geodesy.Datum) r3.Vector {
	switch {
	case c.projected != nil:
		lon, lat := c.projected.Inverse(x, y)
		return datum.GeodeticToCartesian(lon, lat, z)
	case c.geographic:
		return datum.GeodeticToCartesian(x, y, z)
	default:
		return r3.Vector{X: x, Y: y, Z: z}
	}
}

// loadLAS streams a LAS cloud, retaining points with probability
// maxPoints/total. When a bounding box rejects most of the first pass,
// the file is walked once more with a budget of max(4*maxPoints, 10M).
func loadLAS(path string, opts LoadOptions) (sample *Sample, err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, errtag.Resource("cannot open LAS file %s: %v", path, err)
	}
	defer goutils.UncheckedErrorFunc(lf.Close)

	total := lf.Header.NumberPoints
	if total == 0 {
		return nil, errtag.Input("%s: LAS file has no points", path)
	}
	crs := lasReadCRS(lf, opts.Datum)

	c, err := lasPass(lf, crs, opts, opts.MaxPoints)
	if err != nil {
		return nil, err
	}
	// A tight box can starve the subsample; try again with a much larger
	// budget before giving up.
	if opts.LonLatBox != nil && c.len() < opts.MaxPoints && opts.MaxPoints < total {
		budget := 4 * opts.MaxPoints
		if budget < lasReloadFloor {
			budget = lasReloadFloor
		}
		opts.Logger.Debugf("bounding box left %d of %d wanted points, re-reading %s with budget %d",
			c.len(), opts.MaxPoints, path, budget)
		c, err = lasPass(lf, crs, opts, budget)
		if err != nil {
			return nil, err
		}
	}
	return c.finish(total, FormatLAS)
}

func lasPass(lf *lidario.LasFile, crs lasCRS, opts LoadOptions, budget int) (*collector, error) {
	total := lf.Header.NumberPoints
	loadRatio := 1.0
	if total > budget {
		loadRatio = float64(budget) / float64(total)
	}
	rng := rand.New(rand.NewSource(opts.Seed)) //nolint:gosec

	c := newCollector(opts)
	progress := utils.NewProgress(opts.Logger, "loading LAS", int64(total))
	for i := 0; i < total; i++ {
		progress.Add(1)
		if loadRatio < 1 && rng.Float64() >= loadRatio {
			continue
		}
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, errtag.Format("LAS point %d: %v", i, err)
		}
		data := p.PointData()
		c.add(crs.toCartesian(data.X, data.Y, data.Z, opts.Datum))
		if c.len() >= opts.MaxPoints {
			break
		}
	}
	progress.Finish()
	return c, nil
}
