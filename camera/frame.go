package camera

import (
	"encoding/json"

	"github.com/golang/geo/r3"

	"github.com/demtools/stereodem/errtag"
)

// The frame sensor model ships built in; the plugin only adds the
// open-ended families (linescan, push frame, SAR).
func init() {
	RegisterSensorModel(FrameSensorModelName, frameFromState, frameFromISD)
}

// frameState is the subset of the frame model state the toolkit needs.
// Parameter order follows the USGS convention: position x, y, z then
// quaternion x, y, z, w.
type frameState struct {
	Params      []float64 `json:"m_currentParameterValue"`
	FocalLength float64   `json:"m_focalLength"`
	PixelPitch  float64   `json:"m_pixelPitch"`
	CCDCenter   []float64 `json:"m_ccdCenter"` // line, sample
	NLines      int       `json:"m_nLines"`
	NSamples    int       `json:"m_nSamples"`
}

func frameFromState(state []byte) (Model, error) {
	var s frameState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, errtag.Format("frame model state is not valid JSON: %v", err)
	}
	if len(s.Params) < 7 {
		return nil, errtag.Format("frame model state needs 7 parameters (position + quaternion), got %d", len(s.Params))
	}
	if s.FocalLength <= 0 || s.PixelPitch <= 0 {
		return nil, errtag.Format("frame model state needs positive focal length and pixel pitch")
	}
	cy, cx := 0.0, 0.0
	if len(s.CCDCenter) >= 2 {
		cy, cx = s.CCDCenter[0], s.CCDCenter[1]
	}
	center := r3.Vector{X: s.Params[0], Y: s.Params[1], Z: s.Params[2]}
	pose := NewRotation(s.Params[6], s.Params[3], s.Params[4], s.Params[5])
	focalPx := s.FocalLength / s.PixelPitch
	return &Pinhole{Center: center, Pose: pose, Fx: focalPx, Fy: focalPx, Cx: cx, Cy: cy}, nil
}

// frameISD is the subset of image support data for a frame sensor.
type frameISD struct {
	FocalLengthModel struct {
		FocalLength float64 `json:"focal_length"`
	} `json:"focal_length_model"`
	DetectorCenter struct {
		Line   float64 `json:"line"`
		Sample float64 `json:"sample"`
	} `json:"detector_center"`
	SensorPosition struct {
		Positions [][]float64 `json:"positions"`
	} `json:"sensor_position"`
	SensorOrientation struct {
		Quaternions [][]float64 `json:"quaternions"` // x, y, z, w
	} `json:"sensor_orientation"`
	PixelPitch float64 `json:"pixel_pitch"`
}

func frameFromISD(isd []byte) (Model, error) {
	var d frameISD
	if err := json.Unmarshal(isd, &d); err != nil {
		return nil, errtag.Format("frame ISD is not valid JSON: %v", err)
	}
	if d.FocalLengthModel.FocalLength <= 0 {
		return nil, errtag.Format("frame ISD needs a positive focal length")
	}
	if len(d.SensorPosition.Positions) == 0 || len(d.SensorPosition.Positions[0]) < 3 {
		return nil, errtag.Format("frame ISD needs a sensor position")
	}
	if len(d.SensorOrientation.Quaternions) == 0 || len(d.SensorOrientation.Quaternions[0]) < 4 {
		return nil, errtag.Format("frame ISD needs a sensor orientation quaternion")
	}

	pitch := d.PixelPitch
	if pitch <= 0 {
		pitch = 1
	}
	pos := d.SensorPosition.Positions[0]
	q := d.SensorOrientation.Quaternions[0]
	focalPx := d.FocalLengthModel.FocalLength / pitch
	return &Pinhole{
		Center: r3.Vector{X: pos[0], Y: pos[1], Z: pos[2]},
		Pose:   NewRotation(q[3], q[0], q[1], q[2]),
		Fx:     focalPx,
		Fy:     focalPx,
		Cx:     d.DetectorCenter.Sample,
		Cy:     d.DetectorCenter.Line,
	}, nil
}
