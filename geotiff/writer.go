package geotiff

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/demtools/stereodem/errtag"
)

type writeEntry struct {
	tag, fieldType int
	count          uint32
	inline         [4]byte
	deferred       []byte // out-of-line value bytes, nil if inline
}

// Write encodes r to path as a little-endian, uncompressed, strip-organized
// GeoTIFF. The file is written atomically via a temporary sibling.
func Write(path string, r *Raster) error {
	if r.Width <= 0 || r.Height <= 0 || r.Bands <= 0 {
		return errtag.Input("geotiff: refusing to write empty raster to %s", path)
	}
	if len(r.Data) != r.Width*r.Height*r.Bands {
		return errtag.Format("geotiff: raster data length %d does not match %dx%dx%d",
			len(r.Data), r.Width, r.Height, r.Bands)
	}

	buf, err := encode(r)
	if err != nil {
		return errtag.Tag(errtag.KindFormat, errors.Wrapf(err, "geotiff: %s", path))
	}

	tmp := path + ".partial"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errtag.Tag(errtag.KindResource, errors.Wrapf(err, "geotiff: cannot write %s", path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errtag.Tag(errtag.KindResource, errors.Wrapf(err, "geotiff: cannot finalize %s", path))
	}
	return nil
}

func encode(r *Raster) ([]byte, error) {
	order := binary.LittleEndian
	bytesPer := bytesPerSample(r.Format)
	rowBytes := r.Width * r.Bands * bytesPer
	rowsPerStrip := 65536 / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	numStrips := (r.Height + rowsPerStrip - 1) / rowsPerStrip

	var entries []writeEntry
	addShorts := func(tag int, vs ...uint16) {
		e := writeEntry{tag: tag, fieldType: typeShort, count: uint32(len(vs))}
		if len(vs) <= 2 {
			for i, v := range vs {
				order.PutUint16(e.inline[i*2:], v)
			}
		} else {
			b := make([]byte, len(vs)*2)
			for i, v := range vs {
				order.PutUint16(b[i*2:], v)
			}
			e.deferred = b
		}
		entries = append(entries, e)
	}
	addLongs := func(tag int, vs ...uint32) {
		e := writeEntry{tag: tag, fieldType: typeLong, count: uint32(len(vs))}
		if len(vs) == 1 {
			order.PutUint32(e.inline[:], vs[0])
		} else {
			b := make([]byte, len(vs)*4)
			for i, v := range vs {
				order.PutUint32(b[i*4:], v)
			}
			e.deferred = b
		}
		entries = append(entries, e)
	}
	addDoubles := func(tag int, vs ...float64) {
		b := make([]byte, len(vs)*8)
		for i, v := range vs {
			order.PutUint64(b[i*8:], math.Float64bits(v))
		}
		entries = append(entries, writeEntry{tag: tag, fieldType: typeDouble, count: uint32(len(vs)), deferred: b})
	}
	addASCII := func(tag int, s string) {
		b := append([]byte(s), 0)
		e := writeEntry{tag: tag, fieldType: typeASCII, count: uint32(len(b))}
		if len(b) <= 4 {
			copy(e.inline[:], b)
		} else {
			e.deferred = b
		}
		entries = append(entries, e)
	}

	addLongs(tagImageWidth, uint32(r.Width))
	addLongs(tagImageLength, uint32(r.Height))
	bits := make([]uint16, r.Bands)
	formats := make([]uint16, r.Bands)
	for i := range bits {
		bits[i] = uint16(bytesPer * 8)
		if r.Format == FormatInt16 {
			formats[i] = 2
		} else {
			formats[i] = 3
		}
	}
	addShorts(tagBitsPerSample, bits...)
	addShorts(tagCompression, 1)
	addShorts(tagPhotometric, 1)
	addShorts(tagSamplesPerPixel, uint16(r.Bands))
	addLongs(tagRowsPerStrip, uint32(rowsPerStrip))
	addShorts(tagPlanarConfig, 1)
	addShorts(tagSampleFormat, formats...)

	if r.HasGeoTransform {
		addDoubles(tagModelPixelScale, r.PixelScale[0], r.PixelScale[1], r.PixelScale[2])
		addDoubles(tagModelTiepoint, r.Tiepoint[0], r.Tiepoint[1], r.Tiepoint[2],
			r.Tiepoint[3], r.Tiepoint[4], r.Tiepoint[5])
	}
	if keys, dbl, asc := buildGeoKeys(r); len(keys) > 4 {
		addShorts(tagGeoKeyDirectory, keys...)
		if len(dbl) > 0 {
			addDoubles(tagGeoDoubleParams, dbl...)
		}
		if asc != "" {
			addASCII(tagGeoASCIIParams, asc)
		}
	}
	if r.HasNoData {
		s := strconv.FormatFloat(r.NoDataValue, 'g', -1, 64)
		if isNaN64(r.NoDataValue) {
			s = "nan"
		}
		addASCII(tagGDALNoData, s)
	}

	// strip tables are placeholders until the data offsets are known
	stripOffsets := make([]uint32, numStrips)
	stripCounts := make([]uint32, numStrips)
	addLongs(tagStripOffsets, stripOffsets...)
	addLongs(tagStripByteCounts, stripCounts...)

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// layout: header(8) | IFD | out-of-line values | strip data
	ifdSize := 2 + len(entries)*12 + 4
	valueOff := 8 + ifdSize
	for i := range entries {
		if entries[i].deferred != nil {
			if valueOff%2 == 1 {
				valueOff++
			}
			order.PutUint32(entries[i].inline[:], uint32(valueOff))
			valueOff += len(entries[i].deferred)
		}
	}
	dataOff := valueOff
	if dataOff%2 == 1 {
		dataOff++
	}
	for s := 0; s < numStrips; s++ {
		startRow := s * rowsPerStrip
		endRow := startRow + rowsPerStrip
		if endRow > r.Height {
			endRow = r.Height
		}
		stripOffsets[s] = uint32(dataOff)
		stripCounts[s] = uint32((endRow - startRow) * rowBytes)
		dataOff += int(stripCounts[s])
	}
	// rewrite the strip tables now that offsets are final
	for i := range entries {
		switch entries[i].tag {
		case tagStripOffsets:
			fillLongs(order, &entries[i], stripOffsets)
		case tagStripByteCounts:
			fillLongs(order, &entries[i], stripCounts)
		}
	}

	out := bytes.NewBuffer(make([]byte, 0, dataOff))
	out.WriteString("II")
	writeU16(out, order, 42)
	writeU32(out, order, 8)
	writeU16(out, order, uint16(len(entries)))
	for _, e := range entries {
		writeU16(out, order, uint16(e.tag))
		writeU16(out, order, uint16(e.fieldType))
		writeU32(out, order, e.count)
		out.Write(e.inline[:])
	}
	writeU32(out, order, 0) // no next IFD
	for _, e := range entries {
		if e.deferred != nil {
			if out.Len()%2 == 1 {
				out.WriteByte(0)
			}
			out.Write(e.deferred)
		}
	}
	if out.Len()%2 == 1 {
		out.WriteByte(0)
	}

	sample := make([]byte, bytesPer)
	for _, v := range r.Data {
		switch r.Format {
		case FormatFloat32:
			order.PutUint32(sample, math.Float32bits(float32(v)))
		case FormatFloat64:
			order.PutUint64(sample, math.Float64bits(v))
		case FormatInt16:
			order.PutUint16(sample, uint16(int16(v)))
		}
		out.Write(sample)
	}
	return out.Bytes(), nil
}

func fillLongs(order binary.ByteOrder, e *writeEntry, vs []uint32) {
	if e.deferred == nil {
		if len(vs) == 1 {
			order.PutUint32(e.inline[:], vs[0])
		}
		return
	}
	for i, v := range vs {
		order.PutUint32(e.deferred[i*4:], v)
	}
}

func buildGeoKeys(r *Raster) (keys []uint16, doubles []float64, ascii string) {
	type geoKey struct {
		id, location, count, value int
	}
	var gk []geoKey
	if r.ModelType != ModelTypeUnknown {
		gk = append(gk, geoKey{keyModelType, 0, 1, r.ModelType})
		gk = append(gk, geoKey{keyRasterType, 0, 1, 2}) // pixel-is-point
	}
	if r.Citation != "" {
		gk = append(gk, geoKey{keyGeogCitation, tagGeoASCIIParams, len(r.Citation) + 1, len(ascii)})
		ascii += r.Citation + "|"
	}
	if r.GeographicCode != 0 {
		gk = append(gk, geoKey{keyGeographicType, 0, 1, r.GeographicCode})
	}
	if r.SemiMajor > 0 {
		gk = append(gk, geoKey{keyGeogSemiMajorAxis, tagGeoDoubleParams, 1, len(doubles)})
		doubles = append(doubles, r.SemiMajor)
	}
	if r.SemiMinor > 0 {
		gk = append(gk, geoKey{keyGeogSemiMinorAxis, tagGeoDoubleParams, 1, len(doubles)})
		doubles = append(doubles, r.SemiMinor)
	}
	if r.ProjectedCode != 0 {
		gk = append(gk, geoKey{keyProjectedCSType, 0, 1, r.ProjectedCode})
	}
	if len(gk) == 0 {
		return nil, nil, ""
	}
	sort.Slice(gk, func(i, j int) bool { return gk[i].id < gk[j].id })

	keys = []uint16{1, 1, 0, uint16(len(gk))}
	for _, k := range gk {
		keys = append(keys, uint16(k.id), uint16(k.location), uint16(k.count), uint16(k.value))
	}
	return keys, doubles, ascii
}

func writeU16(b *bytes.Buffer, order binary.ByteOrder, v uint16) {
	var tmp [2]byte
	order.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func writeU32(b *bytes.Buffer, order binary.ByteOrder, v uint32) {
	var tmp [4]byte
	order.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
