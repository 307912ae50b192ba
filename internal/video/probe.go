package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// probeResult is the subset of ffprobe -show_streams output we read.
type probeResult struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// HasAudioStream reports whether the file carries at least one audio
// stream, using ffprobe.
func HasAudioStream(ctx context.Context, ffprobePath, videoPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-select_streams", "a:0",
		"-show_streams",
		"-of", "json",
		videoPath)

	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe %s: %w", videoPath, err)
	}

	return parseAudioProbe(output)
}

func parseAudioProbe(output []byte) (bool, error) {
	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return false, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, stream := range result.Streams {
		if stream.CodecType == "audio" {
			return true, nil
		}
	}
	return false, nil
}
