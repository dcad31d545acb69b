package retina

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultInputSize is the square network input resolution of the reference export.
const DefaultInputSize = 640

var validate = validator.New()

// Config describes the feature pyramid used to lay out the prior boxes.
// It is read-only once constructed; components receive it by value.
type Config struct {
	Name     string     `yaml:"name"`
	MinSizes [][]int    `yaml:"min_sizes" validate:"required,min=1,dive,required,min=1,dive,gt=0"`
	Steps    []int      `yaml:"steps" validate:"required,min=1,dive,gt=0"`
	Variance [2]float32 `yaml:"variance" validate:"dive,gt=0"`
	Clip     bool       `yaml:"clip"`
}

// MobileNetConfig returns the pyramid of the RetinaFace mobilenet0.25 backbone.
func MobileNetConfig() Config {
	return Config{
		Name:     "mobilenet0.25",
		MinSizes: [][]int{{16, 32}, {64, 128}, {256, 512}},
		Steps:    []int{8, 16, 32},
		Variance: [2]float32{0.1, 0.2},
		Clip:     false,
	}
}

// Validate checks the pyramid configuration and reports an ErrConfiguration on failure.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return configErrorf("pyramid %q: %v", c.Name, err)
	}
	if len(c.MinSizes) != len(c.Steps) {
		return configErrorf("pyramid %q: %d min size levels but %d steps",
			c.Name, len(c.MinSizes), len(c.Steps))
	}
	return nil
}

// Thresholds holds the post-processing cut-offs applied after decoding.
type Thresholds struct {
	// Confidence is the minimum (exclusive) face score kept before NMS.
	Confidence float32 `yaml:"confidence" validate:"gte=0,lte=1"`
	// TopK caps the number of candidates entering NMS.
	TopK int `yaml:"top_k" validate:"gt=0"`
	// NMS is the IoU above which a lower scoring box is suppressed.
	NMS float32 `yaml:"nms" validate:"gte=0,lte=1"`
	// KeepTopK caps the number of detections returned after NMS.
	KeepTopK int `yaml:"keep_top_k" validate:"gt=0"`
	// Vis is the minimum score a detection needs to be drawn.
	Vis float32 `yaml:"vis" validate:"gte=0,lte=1"`
}

// DefaultThresholds returns the values used by the reference detection script.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Confidence: 0.02,
		TopK:       5000,
		NMS:        0.4,
		KeepTopK:   750,
		Vis:        0.6,
	}
}

// Validate checks the thresholds and reports an ErrConfiguration on failure.
func (t Thresholds) Validate() error {
	if err := validate.Struct(t); err != nil {
		return configErrorf("thresholds: %v", err)
	}
	return nil
}

// Settings groups everything needed to build a Detector from a file.
type Settings struct {
	Config     `yaml:",inline"`
	InputSize  int        `yaml:"input_size" validate:"gt=0"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultSettings returns the mobilenet pyramid with the reference thresholds.
func DefaultSettings() Settings {
	return Settings{
		Config:     MobileNetConfig(),
		InputSize:  DefaultInputSize,
		Thresholds: DefaultThresholds(),
	}
}

// LoadSettings reads a YAML settings file. Fields missing from the file
// keep their default values.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, "could not read the settings file")
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, configErrorf("could not decode %s: %v", path, err)
	}
	if s.InputSize <= 0 {
		return s, configErrorf("input size should be positive, got %d", s.InputSize)
	}
	if err := s.Config.Validate(); err != nil {
		return s, err
	}
	if err := s.Thresholds.Validate(); err != nil {
		return s, err
	}
	return s, nil
}
