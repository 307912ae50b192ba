package video

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnsureMP4(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"out.mp4", "out.mp4"},
		{"out.MP4", "out.MP4"},
		{"out.avi", "out.mp4"},
		{"out", "out.mp4"},
		{"dir/clip.mkv", "dir/clip.mp4"},
	}
	for _, c := range cases {
		if got := EnsureMP4(c.in); got != c.want {
			t.Errorf("EnsureMP4(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseAudioProbe(t *testing.T) {
	withAudio := []byte(`{"streams":[{"index":1,"codec_type":"audio","codec_name":"aac"}]}`)
	ok, err := parseAudioProbe(withAudio)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !ok {
		t.Error("expected audio stream to be detected")
	}

	noAudio := []byte(`{"streams":[]}`)
	ok, err = parseAudioProbe(noAudio)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ok {
		t.Error("expected no audio stream")
	}

	if _, err := parseAudioProbe([]byte("not json")); err == nil {
		t.Error("expected error on malformed output")
	}
}

func TestRemuxArgsPreserveVideoStream(t *testing.T) {
	args := remuxArgs("out.mp4", "in.mp4", "out_temp.mp4")

	joined := strings.Join(args, " ")
	for _, want := range []string{"-c:v copy", "-c:a aac", "-map 0:v:0", "-map 1:a:0?", "-shortest", "-y"} {
		if !strings.Contains(joined, want) {
			t.Errorf("remux args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "out_temp.mp4" {
		t.Errorf("remux must write the temp path, got %q", args[len(args)-1])
	}
}

func TestTempOutputPath(t *testing.T) {
	if got := tempOutputPath("dir/out.mp4"); got != "dir/out_temp.mp4" {
		t.Errorf("tempOutputPath = %q, want dir/out_temp.mp4", got)
	}
}

func TestVerifyOutput(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.mp4")
	if err := os.WriteFile(good, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyOutput(good, 5, time.Millisecond); err != nil {
		t.Errorf("VerifyOutput on non-empty file: %v", err)
	}

	empty := filepath.Join(dir, "empty.mp4")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyOutput(empty, 2, time.Millisecond); err == nil {
		t.Error("VerifyOutput on empty file succeeded, want error")
	}

	if err := VerifyOutput(filepath.Join(dir, "missing.mp4"), 2, time.Millisecond); err == nil {
		t.Error("VerifyOutput on missing file succeeded, want error")
	}
}
