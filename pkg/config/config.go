// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-engine/pkg/aec"
	"github.com/livekit/media-engine/pkg/rtcpreceiver"
	"github.com/livekit/media-engine/pkg/videocoding"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "MEDIA_ENGINE"

	StatsUpdateInterval = time.Second * 10
)

var (
	ErrInvalidSampleRate = errors.New("unsupported sample rate")
	ErrInvalidCodec      = errors.New("unsupported video codec")
	ErrInvalidSimulation = errors.New("invalid simulation settings")
)

type Config struct {
	PrometheusPort uint32              `yaml:"prometheus_port,omitempty"`
	NodeID         string              `yaml:"node_id,omitempty"`
	Logging        LoggingConfig       `yaml:"logging,omitempty"`
	AEC            AECConfig           `yaml:"aec,omitempty"`
	Video          VideoConfig         `yaml:"video,omitempty"`
	RTCP           rtcpreceiver.Config `yaml:"rtcp,omitempty"`
	Simulation     SimulationConfig    `yaml:"simulation,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

type AECConfig struct {
	// processing rate of the near end, 8000, 16000 or 32000
	SampleRate int `yaml:"sample_rate,omitempty"`
	// rate the sound card plays the far end at
	DeviceSampleRate int    `yaml:"device_sample_rate,omitempty"`
	NlpMode          string `yaml:"nlp_mode,omitempty"`
	SkewMode         bool   `yaml:"skew_mode,omitempty"`
	MetricsMode      bool   `yaml:"metrics_mode,omitempty"`
	DelayLogging     bool   `yaml:"delay_logging,omitempty"`
}

type VideoConfig struct {
	Codec                  string  `yaml:"codec,omitempty"`
	DecodableState         bool    `yaml:"decodable_state,omitempty"`
	RTTMs                  int64   `yaml:"rtt_ms,omitempty"`
	AveragePacketsPerFrame float32 `yaml:"average_packets_per_frame,omitempty"`
}

type SimulationConfig struct {
	Duration time.Duration `yaml:"duration,omitempty"`
	Seed     int64         `yaml:"seed,omitempty"`
	// far end audio held by the device before it is played out
	DeviceDelayMs   int     `yaml:"device_delay_ms,omitempty"`
	Frames          int     `yaml:"frames,omitempty"`
	PacketsPerFrame int     `yaml:"packets_per_frame,omitempty"`
	LossRate        float64 `yaml:"loss_rate,omitempty"`
	ReorderRate     float64 `yaml:"reorder_rate,omitempty"`
	LocalSSRC       uint32  `yaml:"local_ssrc,omitempty"`
	RemoteSSRC      uint32  `yaml:"remote_ssrc,omitempty"`
	RTTMs           int64   `yaml:"rtt_ms,omitempty"`
	TMMBRKbit       uint32  `yaml:"tmmbr_kbit,omitempty"`
	// summary of the run is written here as YAML when set
	ReportFile string `yaml:"report_file,omitempty"`
}

var DefaultConfig = Config{
	AEC: AECConfig{
		SampleRate:       16000,
		DeviceSampleRate: 48000,
		NlpMode:          aec.NlpModerate.String(),
	},
	Video: VideoConfig{
		Codec:                  "vp8",
		DecodableState:         true,
		RTTMs:                  50,
		AveragePacketsPerFrame: 4,
	},
	RTCP: rtcpreceiver.DefaultConfig,
	Simulation: SimulationConfig{
		Duration:        5 * time.Second,
		Seed:            1,
		DeviceDelayMs:   60,
		Frames:          300,
		PacketsPerFrame: 4,
		LossRate:        0.02,
		ReorderRate:     0.05,
		LocalSSRC:       0x1234,
		RemoteSSRC:      0x5678,
		RTTMs:           80,
		TMMBRKbit:       800,
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	// expand env vars in filenames
	if conf.Simulation.ReportFile != "" {
		file, err := homedir.Expand(os.ExpandEnv(conf.Simulation.ReportFile))
		if err != nil {
			return nil, err
		}
		conf.Simulation.ReportFile = file
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if _, err := conf.AEC.ToAEC(); err != nil {
		return errors.Wrap(err, "could not validate aec config")
	}
	switch conf.AEC.SampleRate {
	case 8000, 16000, 32000:
	default:
		return errors.Wrapf(ErrInvalidSampleRate, "aec sample rate %d", conf.AEC.SampleRate)
	}
	if conf.AEC.DeviceSampleRate < 1 || conf.AEC.DeviceSampleRate > 96000 {
		return errors.Wrapf(ErrInvalidSampleRate, "device sample rate %d", conf.AEC.DeviceSampleRate)
	}

	if _, err := conf.Video.CodecType(); err != nil {
		return err
	}

	if conf.RTCP.CNAMECacheSize <= 0 {
		return errors.Wrapf(rtcpreceiver.ErrInvalidCacheSize, "cname cache size %d", conf.RTCP.CNAMECacheSize)
	}

	sim := conf.Simulation
	if sim.LossRate < 0 || sim.LossRate >= 1 || sim.ReorderRate < 0 || sim.ReorderRate >= 1 {
		return errors.Wrap(ErrInvalidSimulation, "rates must be within [0, 1)")
	}
	if sim.Frames < 0 || sim.PacketsPerFrame <= 0 || sim.PacketsPerFrame > videocoding.MaxPacketsInSession {
		return errors.Wrapf(ErrInvalidSimulation, "%d frames of %d packets", sim.Frames, sim.PacketsPerFrame)
	}
	if sim.LocalSSRC == sim.RemoteSSRC {
		return errors.Wrap(ErrInvalidSimulation, "local and remote ssrc must differ")
	}
	return nil
}

// ToAEC converts the YAML facing settings to an echo canceller configuration.
func (c AECConfig) ToAEC() (aec.Config, error) {
	mode, err := aec.ParseNlpMode(c.NlpMode)
	if err != nil {
		return aec.Config{}, err
	}
	return aec.Config{
		NlpMode:      mode,
		SkewMode:     c.SkewMode,
		MetricsMode:  c.MetricsMode,
		DelayLogging: c.DelayLogging,
	}, nil
}

func (c VideoConfig) CodecType() (videocoding.Codec, error) {
	switch strings.ToLower(c.Codec) {
	case "vp8", "":
		return videocoding.CodecVP8, nil
	case "h264":
		return videocoding.CodecH264, nil
	default:
		return videocoding.CodecUnknown, errors.Wrapf(ErrInvalidCodec, "%q", c.Codec)
	}
}

func (c VideoConfig) FrameData() videocoding.FrameData {
	return videocoding.FrameData{
		EnableDecodableState:          c.DecodableState,
		RttMs:                         c.RTTMs,
		RollingAveragePacketsPerFrame: c.AveragePacketsPerFrame,
	}
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			// logging component levels are only configurable from YAML
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("log-level") {
		lvl, err := zapcore.ParseLevel(c.String("log-level"))
		if err != nil {
			return errors.Wrap(err, "could not parse log level")
		}
		conf.Logging.Level = lvl.String()
	}
	if c.IsSet("report") {
		conf.Simulation.ReportFile = c.String("report")
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "media-engine")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "media-engine")
}
