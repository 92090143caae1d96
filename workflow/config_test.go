package workflow

import (
	"errors"
	"testing"
)

func TestProcessingConfigValidate(t *testing.T) {
	c := DefaultProcessingConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}

	c = DefaultProcessingConfig()
	c.AIPCompressionLevel = 0
	if err := c.Validate(); !errors.Is(err, ErrInvalidCompressionLevel) {
		t.Errorf("expected ErrInvalidCompressionLevel, got %v", err)
	}

	c = DefaultProcessingConfig()
	c.AIPCompressionLevel = 10
	if err := c.Validate(); !errors.Is(err, ErrInvalidCompressionLevel) {
		t.Errorf("expected ErrInvalidCompressionLevel, got %v", err)
	}

	c = DefaultProcessingConfig()
	c.AIPCompressionAlgorithm = "zip"
	if err := c.Validate(); !errors.Is(err, ErrInvalidCompressionAlgorithm) {
		t.Errorf("expected ErrInvalidCompressionAlgorithm, got %v", err)
	}

	c = DefaultProcessingConfig()
	c.ThumbnailMode = "maybe"
	if err := c.Validate(); !errors.Is(err, ErrInvalidThumbnailMode) {
		t.Errorf("expected ErrInvalidThumbnailMode, got %v", err)
	}
}

func TestProcessingConfigValue(t *testing.T) {
	c := DefaultProcessingConfig()
	c.Normalize = false

	for _, test := range []struct {
		key  string
		want string
	}{
		{"normalize", "false"},
		{"identify_transfer", "true"},
		{"aip_compression_level", "1"},
		{"aip_compression_algorithm", "s7_copy"},
		{"thumbnail_mode", "generate"},
	} {
		have, err := c.Value(test.key)
		if err != nil {
			t.Fatalf("%s: %v", test.key, err)
		}
		if have != test.want {
			t.Errorf("%s: have %v, want %v", test.key, have, test.want)
		}
	}

	if _, err := c.Value("bogus"); err == nil {
		t.Error("expected error for unknown option")
	}
	if KnownConfigKey("bogus") {
		t.Error("bogus should not be a known config key")
	}
}
