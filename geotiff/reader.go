package geotiff

import (
	"encoding/binary"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/demtools/stereodem/errtag"
)

type ifdEntry struct {
	tag, fieldType int
	count          uint32
	raw            [4]byte
	order          binary.ByteOrder
	data           []byte // file contents, for out-of-line values
}

// Read decodes path into a Raster.
func Read(path string) (*Raster, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errtag.Tag(errtag.KindResource, errors.Wrapf(err, "geotiff: cannot open %s", path))
	}
	r, err := decode(buf)
	if err != nil {
		return nil, errtag.Tag(errtag.KindFormat, errors.Wrapf(err, "geotiff: %s", path))
	}
	return r, nil
}

func decode(buf []byte) (*Raster, error) {
	if len(buf) < 8 {
		return nil, errors.New("truncated header")
	}
	var order binary.ByteOrder
	switch {
	case buf[0] == 'I' && buf[1] == 'I':
		order = binary.LittleEndian
	case buf[0] == 'M' && buf[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF file")
	}
	if order.Uint16(buf[2:4]) != 42 {
		return nil, errors.New("bad TIFF magic")
	}

	ifdOff := order.Uint32(buf[4:8])
	if int(ifdOff)+2 > len(buf) {
		return nil, errors.New("IFD offset out of range")
	}
	numEntries := int(order.Uint16(buf[ifdOff : ifdOff+2]))
	entries := map[int]ifdEntry{}
	for i := 0; i < numEntries; i++ {
		off := int(ifdOff) + 2 + i*12
		if off+12 > len(buf) {
			return nil, errors.New("truncated IFD")
		}
		e := ifdEntry{
			tag:       int(order.Uint16(buf[off : off+2])),
			fieldType: int(order.Uint16(buf[off+2 : off+4])),
			count:     order.Uint32(buf[off+4 : off+8]),
			order:     order,
			data:      buf,
		}
		copy(e.raw[:], buf[off+8:off+12])
		entries[e.tag] = e
	}

	get := func(tag int) (ifdEntry, bool) { e, ok := entries[tag]; return e, ok }
	getUintDefault := func(tag int, def uint64) uint64 {
		e, ok := get(tag)
		if !ok {
			return def
		}
		vs, err := e.uints()
		if err != nil || len(vs) == 0 {
			return def
		}
		return vs[0]
	}

	width := int(getUintDefault(tagImageWidth, 0))
	height := int(getUintDefault(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, errors.New("missing image dimensions")
	}
	if c := getUintDefault(tagCompression, 1); c != 1 {
		return nil, errors.Errorf("unsupported compression %d", c)
	}
	if pc := getUintDefault(tagPlanarConfig, 1); pc != 1 {
		return nil, errors.Errorf("unsupported planar configuration %d", pc)
	}
	bands := int(getUintDefault(tagSamplesPerPixel, 1))
	bits := int(getUintDefault(tagBitsPerSample, 32))
	sf := getUintDefault(tagSampleFormat, 1)

	var format SampleFormat
	switch {
	case sf == 3 && bits == 32:
		format = FormatFloat32
	case sf == 3 && bits == 64:
		format = FormatFloat64
	case (sf == 1 || sf == 2) && bits == 16:
		format = FormatInt16
	default:
		return nil, errors.Errorf("unsupported sample layout: format %d, %d bits", sf, bits)
	}

	out := &Raster{
		Width:  width,
		Height: height,
		Bands:  bands,
		Format: format,
		Data:   make([]float64, width*height*bands),
	}

	if _, tiled := get(tagTileOffsets); tiled {
		if err := decodeTiles(buf, order, entries, out, sf == 2); err != nil {
			return nil, err
		}
	} else if _, striped := get(tagStripOffsets); striped {
		if err := decodeStrips(buf, order, entries, out, sf == 2); err != nil {
			return nil, err
		}
	} else {
		return nil, errors.New("neither strip nor tile offsets present")
	}

	if e, ok := get(tagGDALNoData); ok {
		s, err := e.ascii()
		if err == nil {
			s = strings.TrimSpace(s)
			if v, perr := strconv.ParseFloat(s, 64); perr == nil {
				out.HasNoData = true
				out.NoDataValue = v
			} else if strings.EqualFold(s, "nan") {
				out.HasNoData = true
				out.NoDataValue = math.NaN()
			}
		}
	}

	if err := decodeGeoKeys(entries, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeStrips(buf []byte, order binary.ByteOrder, entries map[int]ifdEntry, out *Raster, signed bool) error {
	offsets, err := entries[tagStripOffsets].uints()
	if err != nil {
		return errors.Wrap(err, "strip offsets")
	}
	counts, err := entries[tagStripByteCounts].uints()
	if err != nil {
		return errors.Wrap(err, "strip byte counts")
	}
	if len(offsets) != len(counts) {
		return errors.New("strip offsets and byte counts disagree")
	}
	rowsPerStrip := int(out.Height)
	if e, ok := entries[tagRowsPerStrip]; ok {
		vs, err := e.uints()
		if err == nil && len(vs) > 0 && vs[0] > 0 {
			rowsPerStrip = int(vs[0])
		}
	}

	bytesPer := bytesPerSample(out.Format)
	rowBytes := out.Width * out.Bands * bytesPer
	for s := range offsets {
		startRow := s * rowsPerStrip
		endRow := startRow + rowsPerStrip
		if endRow > out.Height {
			endRow = out.Height
		}
		need := (endRow - startRow) * rowBytes
		off, n := int(offsets[s]), int(counts[s])
		if n < need || off+need > len(buf) {
			return errors.Errorf("strip %d truncated", s)
		}
		dst := out.Data[startRow*out.Width*out.Bands : endRow*out.Width*out.Bands]
		decodeSamples(buf[off:off+need], order, out.Format, signed, dst)
	}
	return nil
}

func decodeTiles(buf []byte, order binary.ByteOrder, entries map[int]ifdEntry, out *Raster, signed bool) error {
	offsets, err := entries[tagTileOffsets].uints()
	if err != nil {
		return errors.Wrap(err, "tile offsets")
	}
	counts, err := entries[tagTileByteCounts].uints()
	if err != nil {
		return errors.Wrap(err, "tile byte counts")
	}
	tw, err := entries[tagTileWidth].uints()
	if err != nil || len(tw) == 0 {
		return errors.New("missing tile width")
	}
	th, err := entries[tagTileLength].uints()
	if err != nil || len(th) == 0 {
		return errors.New("missing tile length")
	}
	tileW, tileH := int(tw[0]), int(th[0])
	if tileW <= 0 || tileH <= 0 {
		return errors.New("bad tile size")
	}

	tilesAcross := (out.Width + tileW - 1) / tileW
	tilesDown := (out.Height + tileH - 1) / tileH
	if len(offsets) < tilesAcross*tilesDown || len(offsets) != len(counts) {
		return errors.New("tile table truncated")
	}

	bytesPer := bytesPerSample(out.Format)
	tileRowBytes := tileW * out.Bands * bytesPer
	scratch := make([]float64, tileW*tileH*out.Bands)
	for ty := 0; ty < tilesDown; ty++ {
		for tx := 0; tx < tilesAcross; tx++ {
			idx := ty*tilesAcross + tx
			off, n := int(offsets[idx]), int(counts[idx])
			need := tileRowBytes * tileH
			if n < need || off+need > len(buf) {
				return errors.Errorf("tile %d truncated", idx)
			}
			decodeSamples(buf[off:off+need], order, out.Format, signed, scratch)
			for row := 0; row < tileH; row++ {
				y := ty*tileH + row
				if y >= out.Height {
					break
				}
				w := tileW
				if tx*tileW+w > out.Width {
					w = out.Width - tx*tileW
				}
				src := scratch[row*tileW*out.Bands : (row*tileW+w)*out.Bands]
				dstOff := (y*out.Width + tx*tileW) * out.Bands
				copy(out.Data[dstOff:dstOff+len(src)], src)
			}
		}
	}
	return nil
}

func decodeSamples(src []byte, order binary.ByteOrder, format SampleFormat, signed bool, dst []float64) {
	switch format {
	case FormatFloat32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(order.Uint32(src[i*4 : i*4+4])))
		}
	case FormatFloat64:
		for i := range dst {
			dst[i] = math.Float64frombits(order.Uint64(src[i*8 : i*8+8]))
		}
	case FormatInt16:
		for i := range dst {
			v := order.Uint16(src[i*2 : i*2+2])
			if signed {
				dst[i] = float64(int16(v))
			} else {
				dst[i] = float64(v)
			}
		}
	}
}

func decodeGeoKeys(entries map[int]ifdEntry, out *Raster) error {
	if e, ok := entries[tagModelPixelScale]; ok {
		vs, err := e.doubles()
		if err == nil && len(vs) >= 2 {
			copy(out.PixelScale[:], vs)
		}
	}
	if e, ok := entries[tagModelTiepoint]; ok {
		vs, err := e.doubles()
		if err == nil && len(vs) >= 6 {
			copy(out.Tiepoint[:], vs)
			if out.PixelScale[0] != 0 && out.PixelScale[1] != 0 {
				out.HasGeoTransform = true
			}
		}
	}

	dir, ok := entries[tagGeoKeyDirectory]
	if !ok {
		return nil
	}
	keys, err := dir.uints()
	if err != nil || len(keys) < 4 {
		return nil
	}
	var doubles []float64
	if e, ok := entries[tagGeoDoubleParams]; ok {
		doubles, _ = e.doubles()
	}
	var asciiParams string
	if e, ok := entries[tagGeoASCIIParams]; ok {
		asciiParams, _ = e.ascii()
	}

	numKeys := int(keys[3])
	for i := 1; i <= numKeys && (i+1)*4 <= len(keys); i++ {
		keyID := int(keys[i*4])
		location := int(keys[i*4+1])
		count := int(keys[i*4+2])
		value := int(keys[i*4+3])
		switch keyID {
		case keyModelType:
			out.ModelType = value
		case keyGeographicType:
			out.GeographicCode = value
		case keyProjectedCSType:
			out.ProjectedCode = value
		case keyGeogSemiMajorAxis:
			if location == tagGeoDoubleParams && value < len(doubles) {
				out.SemiMajor = doubles[value]
			}
		case keyGeogSemiMinorAxis:
			if location == tagGeoDoubleParams && value < len(doubles) {
				out.SemiMinor = doubles[value]
			}
		case keyGeogCitation:
			if location == tagGeoASCIIParams && value+count <= len(asciiParams) {
				out.Citation = strings.TrimRight(asciiParams[value:value+count], "|\x00")
			}
		}
	}
	return nil
}

func bytesPerSample(f SampleFormat) int {
	switch f {
	case FormatInt16:
		return 2
	case FormatFloat64:
		return 8
	default:
		return 4
	}
}

// valueBytes returns the raw value bytes of an entry, following the offset
// when the value does not fit inline.
func (e ifdEntry) valueBytes() ([]byte, error) {
	size := typeSize(e.fieldType) * int(e.count)
	if size <= 4 {
		return e.raw[:size], nil
	}
	off := int(e.order.Uint32(e.raw[:]))
	if off+size > len(e.data) {
		return nil, errors.Errorf("tag %d value out of range", e.tag)
	}
	return e.data[off : off+size], nil
}

func (e ifdEntry) uints() ([]uint64, error) {
	b, err := e.valueBytes()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.fieldType {
		case typeByte:
			out[i] = uint64(b[i])
		case typeShort:
			out[i] = uint64(e.order.Uint16(b[i*2 : i*2+2]))
		case typeLong:
			out[i] = uint64(e.order.Uint32(b[i*4 : i*4+4]))
		default:
			return nil, errors.Errorf("tag %d: unexpected integer type %d", e.tag, e.fieldType)
		}
	}
	return out, nil
}

func (e ifdEntry) doubles() ([]float64, error) {
	if e.fieldType != typeDouble {
		return nil, errors.Errorf("tag %d: expected doubles, got type %d", e.tag, e.fieldType)
	}
	b, err := e.valueBytes()
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(e.order.Uint64(b[i*8 : i*8+8]))
	}
	return out, nil
}

func (e ifdEntry) ascii() (string, error) {
	if e.fieldType != typeASCII {
		return "", errors.Errorf("tag %d: expected ascii, got type %d", e.tag, e.fieldType)
	}
	b, err := e.valueBytes()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}

func typeSize(t int) int {
	switch t {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational, typeDouble:
		return 8
	default:
		return 1
	}
}
