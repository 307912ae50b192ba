package engine

import (
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/dudu/refacer/internal/face"
	"github.com/dudu/refacer/internal/inference"
)

// arcfaceEmbedder implements Embedder on an ArcFace ONNX model.
type arcfaceEmbedder struct {
	session *inference.Session
	aligner *aligner
}

func newArcFaceEmbedder(modelPath string, backend inference.Backend) (*arcfaceEmbedder, error) {
	inputNames := []string{"input.1"}
	outputNames := []string{"683"}

	session, err := inference.NewSession(modelPath, inputNames, outputNames, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder session: %w", err)
	}

	return &arcfaceEmbedder{
		session: session,
		aligner: newAligner(),
	}, nil
}

// Embed aligns the observed face to 112x112 and extracts its
// L2-normalized 512-dim identity embedding.
func (e *arcfaceEmbedder) Embed(frame gocv.Mat, observation face.Observation) (*face.Embedding, error) {
	result := e.aligner.alignForEmbed(frame, observation.Landmarks)
	defer result.close()

	inputData := e.preprocess(result.aligned)

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, 112, 112),
		inputData,
	)
	if err != nil {
		return nil, inference.Classify("embed", e.session.Backend(), err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 512})
	if err != nil {
		return nil, inference.Classify("embed", e.session.Backend(), err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, inference.Classify("embed", e.session.Backend(), err)
	}

	outputData := outputTensor.GetData()
	var embedding face.Embedding
	copy(embedding[:], outputData[:512])
	embedding.Normalize()

	return &embedding, nil
}

func (e *arcfaceEmbedder) preprocess(img gocv.Mat) []float32 {
	rgb := gocv.NewMat()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)
	defer rgb.Close()

	floatImg := gocv.NewMat()
	rgb.ConvertTo(&floatImg, gocv.MatTypeCV32FC3)
	defer floatImg.Close()

	// HWC to NCHW, scaled to [0,1].
	blob := gocv.BlobFromImage(floatImg, 1.0/255.0, image.Pt(112, 112),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	return bytesToFloat32(blob.ToBytes())
}

// Close releases embedder resources
func (e *arcfaceEmbedder) Close() error {
	e.aligner.close()
	return e.session.Destroy()
}
