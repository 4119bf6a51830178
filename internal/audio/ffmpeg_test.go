package audio

import "testing"

func TestParseRMSLevel(t *testing.T) {
	db, ok := ParseRMSLevel("lavfi.astats.Overall.RMS_level=-23.456")
	if !ok || db != -23.456 {
		t.Errorf("got %v %v, want -23.456 true", db, ok)
	}

	db, ok = ParseRMSLevel("lavfi.astats.Overall.RMS_level=-inf")
	if !ok || db != SilenceDB {
		t.Errorf("-inf: got %v %v", db, ok)
	}

	if _, ok := ParseRMSLevel("frame:12   pts:5120    pts_time:0.116"); ok {
		t.Error("frame header parsed as level")
	}
	if _, ok := ParseRMSLevel("lavfi.astats.Overall.RMS_level=nan-ish"); ok {
		t.Error("garbage parsed as level")
	}
}

func TestNewFFmpegRecorderDefaults(t *testing.T) {
	r := NewFFmpegRecorder("", "", nil)
	if r.InputFormat == "" || r.InputDevice == "" {
		t.Errorf("defaults not applied: %+v", r)
	}
	r = NewFFmpegRecorder("alsa", "hw:1", nil)
	if r.InputFormat != "alsa" || r.InputDevice != "hw:1" {
		t.Errorf("explicit input overridden: %+v", r)
	}
}
