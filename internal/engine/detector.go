package engine

import (
	"fmt"
	"image"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/face"
	"github.com/dudu/refacer/internal/inference"
)

// scrfdDetector implements Detector on an SCRFD ONNX model.
type scrfdDetector struct {
	session       *inference.Session
	inputSize     int
	confThreshold float32
	nmsThreshold  float32
	strides       []int
	numAnchors    int
}

func newSCRFDDetector(modelPath string, inputSize int, confThreshold, nmsThreshold float32, backend inference.Backend) (*scrfdDetector, error) {
	// SCRFD has 1 input and 9 outputs (3 levels x score/bbox/kps).
	inputNames := []string{"input.1"}
	outputNames := []string{
		"score_8", "score_16", "score_32",
		"bbox_8", "bbox_16", "bbox_32",
		"kps_8", "kps_16", "kps_32",
	}

	session, err := inference.NewSession(modelPath, inputNames, outputNames, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector session: %w", err)
	}

	return &scrfdDetector{
		session:       session,
		inputSize:     inputSize,
		confThreshold: confThreshold,
		nmsThreshold:  nmsThreshold,
		strides:       []int{8, 16, 32},
		numAnchors:    2,
	}, nil
}

// Detect finds faces in a frame, largest first.
func (d *scrfdDetector) Detect(frame gocv.Mat, frameIndex int) ([]face.Observation, error) {
	origHeight := frame.Rows()
	origWidth := frame.Cols()

	inputBlob, scale := d.preprocess(frame)
	defer inputBlob.Close()

	blobData := inputBlob.ToBytes()
	floatData := bytesToFloat32(blobData)

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(d.inputSize), int64(d.inputSize)),
		floatData,
	)
	if err != nil {
		return nil, inference.Classify("detect", d.session.Backend(), err)
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, 9)
	outputTensors := make([]*ort.Tensor[float32], 9)
	for i := 0; i < 3; i++ {
		side := d.inputSize / d.strides[i]
		numAnchors := side * side * d.numAnchors

		scoreTensor, err := inference.CreateEmptyTensor[float32]([]int64{int64(numAnchors), 1})
		if err != nil {
			return nil, inference.Classify("detect", d.session.Backend(), err)
		}
		outputs[i] = scoreTensor
		outputTensors[i] = scoreTensor

		bboxTensor, err := inference.CreateEmptyTensor[float32]([]int64{int64(numAnchors), 4})
		if err != nil {
			return nil, inference.Classify("detect", d.session.Backend(), err)
		}
		outputs[i+3] = bboxTensor
		outputTensors[i+3] = bboxTensor

		kpsTensor, err := inference.CreateEmptyTensor[float32]([]int64{int64(numAnchors), 10})
		if err != nil {
			return nil, inference.Classify("detect", d.session.Backend(), err)
		}
		outputs[i+6] = kpsTensor
		outputTensors[i+6] = kpsTensor
	}
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	if err := d.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, inference.Classify("detect", d.session.Backend(), err)
	}

	observations := d.postprocess(outputTensors, scale, origWidth, origHeight, frameIndex)
	observations = nonMaxSuppression(observations, d.nmsThreshold)

	// Largest face first; auto selection mode relies on this ordering.
	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].Area() > observations[j].Area()
	})

	return observations, nil
}

// preprocess letterboxes the frame into the square model input and
// normalizes pixels to (x - 127.5) / 128.
func (d *scrfdDetector) preprocess(img gocv.Mat) (gocv.Mat, float32) {
	height := img.Rows()
	width := img.Cols()

	longest := width
	if height > longest {
		longest = height
	}
	scale := float32(d.inputSize) / float32(longest)

	newWidth := int(float32(width) * scale)
	newHeight := int(float32(height) * scale)

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(newWidth, newHeight), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMatWithSize(d.inputSize, d.inputSize, gocv.MatTypeCV8UC3)
	padded.SetTo(gocv.NewScalar(0, 0, 0, 0))

	roi := padded.Region(image.Rect(0, 0, newWidth, newHeight))
	resized.CopyTo(&roi)
	roi.Close()
	resized.Close()

	rgb := gocv.NewMat()
	gocv.CvtColor(padded, &rgb, gocv.ColorBGRToRGB)
	padded.Close()

	blob := gocv.NewMat()
	rgb.ConvertTo(&blob, gocv.MatTypeCV32FC3)
	rgb.Close()

	gocv.AddWeighted(blob, 1.0/128.0, blob, 0, -127.5/128.0, &blob)

	blobNCHW := gocv.BlobFromImage(blob, 1.0, image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	blob.Close()

	return blobNCHW, scale
}

func (d *scrfdDetector) postprocess(outputs []*ort.Tensor[float32], scale float32, origWidth, origHeight, frameIndex int) []face.Observation {
	var observations []face.Observation

	for level := 0; level < 3; level++ {
		stride := d.strides[level]
		side := d.inputSize / stride

		scoreData := outputs[level].GetData()
		bboxData := outputs[level+3].GetData()
		kpsData := outputs[level+6].GetData()

		anchorIdx := 0
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				for a := 0; a < d.numAnchors; a++ {
					score := sigmoid(scoreData[anchorIdx])
					if score > d.confThreshold {
						cx := (float32(x) + 0.5) * float32(stride)
						cy := (float32(y) + 0.5) * float32(stride)

						// Bbox outputs are distances to box edges.
						bboxIdx := anchorIdx * 4
						x1 := (cx - bboxData[bboxIdx]*float32(stride)) / scale
						y1 := (cy - bboxData[bboxIdx+1]*float32(stride)) / scale
						x2 := (cx + bboxData[bboxIdx+2]*float32(stride)) / scale
						y2 := (cy + bboxData[bboxIdx+3]*float32(stride)) / scale

						kpsIdx := anchorIdx * 10
						landmarks := face.Landmarks{
							LeftEye:    face.Point{X: (cx + kpsData[kpsIdx]*float32(stride)) / scale, Y: (cy + kpsData[kpsIdx+1]*float32(stride)) / scale},
							RightEye:   face.Point{X: (cx + kpsData[kpsIdx+2]*float32(stride)) / scale, Y: (cy + kpsData[kpsIdx+3]*float32(stride)) / scale},
							Nose:       face.Point{X: (cx + kpsData[kpsIdx+4]*float32(stride)) / scale, Y: (cy + kpsData[kpsIdx+5]*float32(stride)) / scale},
							LeftMouth:  face.Point{X: (cx + kpsData[kpsIdx+6]*float32(stride)) / scale, Y: (cy + kpsData[kpsIdx+7]*float32(stride)) / scale},
							RightMouth: face.Point{X: (cx + kpsData[kpsIdx+8]*float32(stride)) / scale, Y: (cy + kpsData[kpsIdx+9]*float32(stride)) / scale},
						}

						box := face.Box{
							X1: int(x1), Y1: int(y1),
							X2: int(x2), Y2: int(y2),
						}.Clamp(origWidth, origHeight)

						observations = append(observations, face.Observation{
							Box:         box,
							Landmarks:   landmarks,
							Confidence:  score,
							FrameIndex:  frameIndex,
							FrameWidth:  origWidth,
							FrameHeight: origHeight,
						})
					}
					anchorIdx++
				}
			}
		}
	}

	return observations
}

// Close releases detector resources
func (d *scrfdDetector) Close() error {
	return d.session.Destroy()
}

// nonMaxSuppression drops overlapping detections, keeping the highest
// confidence observation per overlap group.
func nonMaxSuppression(observations []face.Observation, iouThreshold float32) []face.Observation {
	if len(observations) == 0 {
		return observations
	}

	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].Confidence > observations[j].Confidence
	})

	keep := make([]bool, len(observations))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(observations); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(observations); j++ {
			if !keep[j] {
				continue
			}
			if iou(observations[i].Box, observations[j].Box) > iouThreshold {
				keep[j] = false
			}
		}
	}

	result := make([]face.Observation, 0, len(observations))
	for i, obs := range observations {
		if keep[i] {
			result = append(result, obs)
		}
	}
	return result
}

func iou(a, b face.Box) float32 {
	x1 := maxInt(a.X1, b.X1)
	y1 := maxInt(a.Y1, b.Y1)
	x2 := minInt(a.X2, b.X2)
	y2 := minInt(a.Y2, b.Y2)

	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return float32(intersection) / float32(union)
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func bytesToFloat32(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
