package face

// Point represents a 2D point
type Point struct {
	X, Y float32
}

// Box represents a face bounding box in pixel coordinates,
// clamped to the frame it was detected in.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Width returns box width
func (b Box) Width() int {
	return b.X2 - b.X1
}

// Height returns box height
func (b Box) Height() int {
	return b.Y2 - b.Y1
}

// Center returns box center point
func (b Box) Center() Point {
	return Point{
		X: float32(b.X1+b.X2) / 2,
		Y: float32(b.Y1+b.Y2) / 2,
	}
}

// Area returns box area
func (b Box) Area() int {
	return b.Width() * b.Height()
}

// Landmarks represents 5 facial landmark points
type Landmarks struct {
	LeftEye    Point
	RightEye   Point
	Nose       Point
	LeftMouth  Point
	RightMouth Point
}

// Observation is one detected face in one frame.
type Observation struct {
	Box        Box
	Landmarks  Landmarks
	Confidence float32
	// Embedding is nil when the embedder was skipped or failed for this face.
	Embedding   *Embedding
	FrameIndex  int
	FrameWidth  int
	FrameHeight int
}

// Center returns the bounding box center.
func (o Observation) Center() Point {
	return o.Box.Center()
}

// Area returns the bounding box area.
func (o Observation) Area() int {
	return o.Box.Area()
}

// Clamp limits the bounding box to the given frame dimensions.
func (b Box) Clamp(width, height int) Box {
	return Box{
		X1: clampInt(b.X1, 0, width),
		Y1: clampInt(b.Y1, 0, height),
		X2: clampInt(b.X2, 0, width),
		Y2: clampInt(b.Y2, 0, height),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
