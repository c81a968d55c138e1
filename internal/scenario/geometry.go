package scenario

import "github.com/flowdesk/flowdesk/pkg/models"

// Block layout defaults.
const (
	DefaultWidth  = 240.0
	DefaultHeight = 96.0

	portInset     = 10.0
	heightBase    = 56.0
	heightPerPort = 26.0
)

// Fixed vertical fractions of condition block ports.
const (
	conditionStartY   = 0.14
	conditionFieldLo  = 0.24
	conditionFieldHi  = 0.92
	conditionFieldMid = 0.58
)

var conditionOutputY = map[string]float64{
	PortYes:    0.28,
	PortNo:     0.50,
	PortAlways: 0.72,
}

// ComputeAnchors derives the anchor of every port from the block's kind,
// size and meta. It is the single source of port geometry; persisted
// anchors are only ever a cache of its result.
func ComputeAnchors(b models.Block) models.PortAnchors {
	w, h := b.Width, b.Height
	inputs := InputPorts(b)
	outputs := OutputPorts(b)

	anchors := models.PortAnchors{
		Inputs:  make(map[string]models.Point, len(inputs)),
		Outputs: make(map[string]models.Point, len(outputs)),
	}

	if b.Kind == models.BlockCondition {
		fields := inputs[1:]
		anchors.Inputs[PortStart] = models.Point{X: -portInset, Y: h * conditionStartY}
		for i, p := range fields {
			anchors.Inputs[p.Name] = models.Point{X: -portInset, Y: h * conditionFieldFraction(i, len(fields))}
		}
		for _, p := range outputs {
			anchors.Outputs[p.Name] = models.Point{X: w + portInset, Y: h * conditionOutputY[p.Name]}
		}
		return anchors
	}

	for i, p := range inputs {
		anchors.Inputs[p.Name] = models.Point{X: -portInset, Y: spread(i, len(inputs), h)}
	}
	for i, p := range outputs {
		anchors.Outputs[p.Name] = models.Point{X: w + portInset, Y: spread(i, len(outputs), h)}
	}
	return anchors
}

// spread places port i of n evenly along an edge of length h.
func spread(i, n int, h float64) float64 {
	return h * float64(i+1) / float64(n+1)
}

func conditionFieldFraction(i, n int) float64 {
	if n == 1 {
		return conditionFieldMid
	}
	return conditionFieldLo + (conditionFieldHi-conditionFieldLo)*float64(i)/float64(n-1)
}

// BlockHeight is the height a block needs to lay out its ports.
func BlockHeight(b models.Block) float64 {
	n := max(len(InputPorts(b)), len(OutputPorts(b)), 1)
	return max(DefaultHeight, heightBase+heightPerPort*float64(n))
}
