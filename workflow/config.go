package workflow

import (
	"errors"
	"fmt"
	"strconv"
)

// AIPCompressionAlgorithm selects the container/compression format for the
// final archival package.
type AIPCompressionAlgorithm string

const (
	CompressionUncompressed AIPCompressionAlgorithm = "uncompressed"
	CompressionTar          AIPCompressionAlgorithm = "tar"
	CompressionTarBzip2     AIPCompressionAlgorithm = "tar_bzip2"
	CompressionTarGzip      AIPCompressionAlgorithm = "tar_gzip"
	Compression7zCopy       AIPCompressionAlgorithm = "s7_copy"
	Compression7zBzip2      AIPCompressionAlgorithm = "s7_bzip2"
	Compression7zLzma       AIPCompressionAlgorithm = "s7_lzma"
)

func (a AIPCompressionAlgorithm) Valid() bool {
	switch a {
	case CompressionUncompressed, CompressionTar, CompressionTarBzip2,
		CompressionTarGzip, Compression7zCopy, Compression7zBzip2,
		Compression7zLzma:
		return true
	}
	return false
}

// ThumbnailMode controls thumbnail generation during normalization.
type ThumbnailMode string

const (
	ThumbnailGenerate           ThumbnailMode = "generate"
	ThumbnailGenerateNonDefault ThumbnailMode = "generate_non_default"
	ThumbnailDoNotGenerate      ThumbnailMode = "do_not_generate"
)

func (m ThumbnailMode) Valid() bool {
	switch m {
	case ThumbnailGenerate, ThumbnailGenerateNonDefault, ThumbnailDoNotGenerate:
		return true
	}
	return false
}

// ProcessingConfig is the fixed set of switches resolved once at submission
// time. Decision links consult it by option name; it is never mutated during
// processing.
type ProcessingConfig struct {
	AssignUUIDsToDirectories        bool `json:"assign_uuids_to_directories"`
	ExamineContents                 bool `json:"examine_contents"`
	GenerateTransferStructureReport bool `json:"generate_transfer_structure_report"`
	DocumentEmptyDirectories        bool `json:"document_empty_directories"`
	ExtractPackages                 bool `json:"extract_packages"`
	DeletePackagesAfterExtraction   bool `json:"delete_packages_after_extraction"`
	IdentifyTransfer                bool `json:"identify_transfer"`
	IdentifySubmissionAndMetadata   bool `json:"identify_submission_and_metadata"`
	IdentifyBeforeNormalization     bool `json:"identify_before_normalization"`
	Normalize                       bool `json:"normalize"`
	TranscribeFiles                 bool `json:"transcribe_files"`

	PerformPolicyChecksOnOriginals               bool `json:"perform_policy_checks_on_originals"`
	PerformPolicyChecksOnPreservationDerivatives bool `json:"perform_policy_checks_on_preservation_derivatives"`
	PerformPolicyChecksOnAccessDerivatives       bool `json:"perform_policy_checks_on_access_derivatives"`

	AIPCompressionLevel     int                     `json:"aip_compression_level"`
	AIPCompressionAlgorithm AIPCompressionAlgorithm `json:"aip_compression_algorithm"`
	ThumbnailMode           ThumbnailMode           `json:"thumbnail_mode"`
}

// DefaultProcessingConfig returns the configuration applied when a submission
// omits options.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		GenerateTransferStructureReport: true,
		DocumentEmptyDirectories:        true,
		ExtractPackages:                 true,
		IdentifyTransfer:                true,
		IdentifySubmissionAndMetadata:   true,
		IdentifyBeforeNormalization:     true,
		Normalize:                       true,
		AIPCompressionLevel:             1,
		AIPCompressionAlgorithm:         Compression7zCopy,
		ThumbnailMode:                   ThumbnailGenerate,
	}
}

var (
	ErrInvalidCompressionLevel     = errors.New("aip compression level must be between 1 and 9")
	ErrInvalidCompressionAlgorithm = errors.New("invalid aip compression algorithm")
	ErrInvalidThumbnailMode        = errors.New("invalid thumbnail mode")
)

// Validate checks enum and range constraints. It is called at submission
// time; a package is never created from an invalid configuration.
func (c *ProcessingConfig) Validate() error {
	if c == nil {
		return errors.New("empty processing config")
	}
	if c.AIPCompressionLevel < 1 || c.AIPCompressionLevel > 9 {
		return ErrInvalidCompressionLevel
	}
	if !c.AIPCompressionAlgorithm.Valid() {
		return ErrInvalidCompressionAlgorithm
	}
	if !c.ThumbnailMode.Valid() {
		return ErrInvalidThumbnailMode
	}
	return nil
}

// configKeys maps option names (as referenced by decision links and
// %config:name% templates) to value renderers.
var configKeys = map[string]func(*ProcessingConfig) string{
	"assign_uuids_to_directories":        func(c *ProcessingConfig) string { return strconv.FormatBool(c.AssignUUIDsToDirectories) },
	"examine_contents":                   func(c *ProcessingConfig) string { return strconv.FormatBool(c.ExamineContents) },
	"generate_transfer_structure_report": func(c *ProcessingConfig) string { return strconv.FormatBool(c.GenerateTransferStructureReport) },
	"document_empty_directories":         func(c *ProcessingConfig) string { return strconv.FormatBool(c.DocumentEmptyDirectories) },
	"extract_packages":                   func(c *ProcessingConfig) string { return strconv.FormatBool(c.ExtractPackages) },
	"delete_packages_after_extraction":   func(c *ProcessingConfig) string { return strconv.FormatBool(c.DeletePackagesAfterExtraction) },
	"identify_transfer":                  func(c *ProcessingConfig) string { return strconv.FormatBool(c.IdentifyTransfer) },
	"identify_submission_and_metadata":   func(c *ProcessingConfig) string { return strconv.FormatBool(c.IdentifySubmissionAndMetadata) },
	"identify_before_normalization":      func(c *ProcessingConfig) string { return strconv.FormatBool(c.IdentifyBeforeNormalization) },
	"normalize":                          func(c *ProcessingConfig) string { return strconv.FormatBool(c.Normalize) },
	"transcribe_files":                   func(c *ProcessingConfig) string { return strconv.FormatBool(c.TranscribeFiles) },
	"perform_policy_checks_on_originals": func(c *ProcessingConfig) string { return strconv.FormatBool(c.PerformPolicyChecksOnOriginals) },
	"perform_policy_checks_on_preservation_derivatives": func(c *ProcessingConfig) string {
		return strconv.FormatBool(c.PerformPolicyChecksOnPreservationDerivatives)
	},
	"perform_policy_checks_on_access_derivatives": func(c *ProcessingConfig) string {
		return strconv.FormatBool(c.PerformPolicyChecksOnAccessDerivatives)
	},
	"aip_compression_level":     func(c *ProcessingConfig) string { return strconv.Itoa(c.AIPCompressionLevel) },
	"aip_compression_algorithm": func(c *ProcessingConfig) string { return string(c.AIPCompressionAlgorithm) },
	"thumbnail_mode":            func(c *ProcessingConfig) string { return string(c.ThumbnailMode) },
}

// KnownConfigKey reports whether name is a valid option name.
func KnownConfigKey(name string) bool {
	_, ok := configKeys[name]
	return ok
}

// Value renders the named option as a string for decision routing and
// template expansion. An unknown name is a graph configuration error.
func (c *ProcessingConfig) Value(name string) (string, error) {
	f, ok := configKeys[name]
	if !ok {
		return "", fmt.Errorf("unknown processing config option: %s", name)
	}
	return f(c), nil
}

// Values renders every option by name.
func (c *ProcessingConfig) Values() map[string]string {
	values := make(map[string]string, len(configKeys))
	for name, f := range configKeys {
		values[name] = f(c)
	}
	return values
}
