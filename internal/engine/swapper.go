package engine

import (
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/face"
	"github.com/dudu/refacer/internal/inference"
)

// inswapperSwapper implements Swapper on an inswapper ONNX model.
type inswapperSwapper struct {
	session  *inference.Session
	aligner  *aligner
	emap     *emap
	blurSize int
}

func newInswapperSwapper(modelPath, emapPath string, blurSize int, backend inference.Backend) (*inswapperSwapper, error) {
	// Inswapper has 2 inputs: aligned target face and source latent.
	inputNames := []string{"target", "source"}
	outputNames := []string{"output"}

	session, err := inference.NewSession(modelPath, inputNames, outputNames, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create swapper session: %w", err)
	}

	m, err := loadEmap(emapPath)
	if err != nil {
		session.Destroy()
		return nil, err
	}

	return &inswapperSwapper{
		session:  session,
		aligner:  newAligner(),
		emap:     m,
		blurSize: blurSize,
	}, nil
}

// Swap renders the source identity onto the target face and returns a
// new frame; the target frame is never mutated.
func (s *inswapperSwapper) Swap(source *face.Embedding, targetFrame gocv.Mat, target face.Observation) (gocv.Mat, error) {
	aligned := s.aligner.alignForSwap(targetFrame, target.Landmarks)
	defer aligned.close()

	targetData := s.preprocessTarget(aligned.aligned)

	targetTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, 128, 128),
		targetData,
	)
	if err != nil {
		return gocv.NewMat(), inference.Classify("swap", s.session.Backend(), err)
	}
	defer targetTensor.Destroy()

	latent := s.emap.transform(source)
	sourceTensor, err := ort.NewTensor(
		ort.NewShape(1, 512),
		latent[:],
	)
	if err != nil {
		return gocv.NewMat(), inference.Classify("swap", s.session.Backend(), err)
	}
	defer sourceTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 3, 128, 128})
	if err != nil {
		return gocv.NewMat(), inference.Classify("swap", s.session.Backend(), err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run(
		[]ort.Value{targetTensor, sourceTensor},
		[]ort.Value{outputTensor},
	); err != nil {
		return gocv.NewMat(), inference.Classify("swap", s.session.Backend(), err)
	}

	swappedFace := s.postprocess(outputTensor.GetData())
	defer swappedFace.Close()

	result := targetFrame.Clone()
	s.aligner.pasteBack(&result, swappedFace, aligned.transform, s.blurSize)

	return result, nil
}

// preprocessTarget matches the insightface preprocessing:
// blobFromImage(aimg, 1/255, size, (0,0,0), swapRB=true).
func (s *inswapperSwapper) preprocessTarget(img gocv.Mat) []float32 {
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(128, 128),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	return bytesToFloat32(blob.ToBytes())
}

// postprocess converts the NCHW [1,3,128,128] output in [0,1] to a BGR image.
func (s *inswapperSwapper) postprocess(data []float32) gocv.Mat {
	result := gocv.NewMatWithSize(128, 128, gocv.MatTypeCV8UC3)

	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			rIdx := 0*128*128 + y*128 + x
			gIdx := 1*128*128 + y*128 + x
			bIdx := 2*128*128 + y*128 + x

			r := clampByte(data[rIdx] * 255.0)
			g := clampByte(data[gIdx] * 255.0)
			b := clampByte(data[bIdx] * 255.0)

			result.SetUCharAt(y, x*3+0, b)
			result.SetUCharAt(y, x*3+1, g)
			result.SetUCharAt(y, x*3+2, r)
		}
	}

	return result
}

// Close releases swapper resources
func (s *inswapperSwapper) Close() error {
	s.aligner.close()
	return s.session.Destroy()
}

func clampByte(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
