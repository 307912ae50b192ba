package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Remuxer merges the audio track of a source video into a processed
// video file.
type Remuxer interface {
	Remux(ctx context.Context, processedPath, sourcePath string) error
}

// FFmpegRemuxer implements Remuxer by shelling out to ffmpeg.
type FFmpegRemuxer struct {
	// Path of the ffmpeg executable; bare names resolve via PATH.
	Path string
}

// Remux copies the processed video stream and the source audio stream
// into a temp file next to the output, then moves it over the output.
// The video stream is copied untouched; audio is re-encoded to AAC.
func (r *FFmpegRemuxer) Remux(ctx context.Context, processedPath, sourcePath string) error {
	tempPath := tempOutputPath(processedPath)

	cmd := exec.CommandContext(ctx, r.Path, remuxArgs(processedPath, sourcePath, tempPath)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("ffmpeg remux: %w: %s", err, strings.TrimSpace(string(output)))
	}

	info, err := os.Stat(tempPath)
	if err != nil || info.Size() == 0 {
		os.Remove(tempPath)
		return fmt.Errorf("ffmpeg produced no output at %s", tempPath)
	}

	if err := os.Rename(tempPath, processedPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace output: %w", err)
	}
	return nil
}

func remuxArgs(processedPath, sourcePath, tempPath string) []string {
	return []string{
		"-i", processedPath,
		"-i", sourcePath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-shortest",
		"-y",
		tempPath,
	}
}

func tempOutputPath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	return strings.TrimSuffix(outputPath, ext) + "_temp" + ext
}

// VerifyOutput checks that the finished output file exists and is
// non-empty, retrying a few times for filesystems that flush late.
func VerifyOutput(path string, retries int, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
		}
		info, err := os.Stat(path)
		if err != nil {
			lastErr = err
			continue
		}
		if info.Size() == 0 {
			lastErr = fmt.Errorf("output file %s is empty", path)
			continue
		}
		return nil
	}
	return fmt.Errorf("output verification failed after %d attempts: %w", retries, lastErr)
}
