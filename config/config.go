package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const CONFILE = "config.yml"

const (
	PlatformRpi = "rpi"
	PlatformSim = "sim"

	OnHaltWait = "wait"
	OnHaltExit = "exit"
)

// highest BCM GPIO number on the 40 pin header
const maxGPIO = 27

type Config struct {
	Hardware    HardwareConfig    `yaml:"Hardware"`
	Master      MasterConfig      `yaml:"Master"`
	Diagnostics DiagnosticsConfig `yaml:"Diagnostics"`
	Status      StatusConfig      `yaml:"Status"`
	OnHalt      string            `yaml:"OnHalt"`
	Logging     LoggingConfig     `yaml:"Logging"`
}

type HardwareConfig struct {
	Platform     string        `yaml:"Platform"`
	SlavePins    SlavePins     `yaml:"SlavePins"`
	LedPin       int           `yaml:"LedPin"`
	LedActiveLow bool          `yaml:"LedActiveLow"`
	PollInterval time.Duration `yaml:"PollInterval"`
}

// SlavePins are BCM GPIO numbers of the bit-banged SPI slave bus.
type SlavePins struct {
	CS   int `yaml:"CS"`
	SCLK int `yaml:"SCLK"`
	MOSI int `yaml:"MOSI"`
	MISO int `yaml:"MISO"`
}

type MasterConfig struct {
	Device    string `yaml:"Device"`
	Frequency int    `yaml:"Frequency"`
	Mode      int    `yaml:"Mode"`
}

type DiagnosticsConfig struct {
	Enabled  bool   `yaml:"Enabled"`
	Port     string `yaml:"Port"`
	BaudRate int    `yaml:"BaudRate"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Listen  string `yaml:"Listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Hardware: HardwareConfig{
			Platform:     PlatformRpi,
			SlavePins:    SlavePins{CS: 8, SCLK: 11, MOSI: 10, MISO: 9},
			LedPin:       17,
			LedActiveLow: true,
		},
		Master: MasterConfig{
			Device:    "/dev/spidev0.0",
			Frequency: 100000,
			Mode:      0,
		},
		Diagnostics: DiagnosticsConfig{
			Port:     "/dev/ttyAMA0",
			BaudRate: 115200,
		},
		Status: StatusConfig{
			Listen: ":8080",
		},
		OnHalt: OnHaltWait,
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// ReadConfig reads and validates the YAML configuration in cfile.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't open config file %s: %w", cfile, err)
	}
	defer f.Close()

	conf := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return &conf, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Hardware.Platform {
	case PlatformRpi, PlatformSim:
	default:
		errs = append(errs, fmt.Errorf("Hardware.Platform must be %q or %q, got %q", PlatformRpi, PlatformSim, c.Hardware.Platform))
	}

	pins := map[string]int{
		"CS":     c.Hardware.SlavePins.CS,
		"SCLK":   c.Hardware.SlavePins.SCLK,
		"MOSI":   c.Hardware.SlavePins.MOSI,
		"MISO":   c.Hardware.SlavePins.MISO,
		"LedPin": c.Hardware.LedPin,
	}
	seen := make(map[int]string, len(pins))
	for _, name := range []string{"CS", "SCLK", "MOSI", "MISO", "LedPin"} {
		pin := pins[name]
		if pin < 0 || pin > maxGPIO {
			errs = append(errs, fmt.Errorf("Hardware pin %s must be between 0 and %d, got %d", name, maxGPIO, pin))
			continue
		}
		if other, ok := seen[pin]; ok {
			errs = append(errs, fmt.Errorf("Hardware pins %s and %s both use GPIO%d", other, name, pin))
			continue
		}
		seen[pin] = name
	}
	if c.Hardware.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("Hardware.PollInterval must not be negative"))
	}

	if c.Master.Frequency <= 0 {
		errs = append(errs, fmt.Errorf("Master.Frequency must be positive, got %d", c.Master.Frequency))
	}
	if c.Master.Mode < 0 || c.Master.Mode > 3 {
		errs = append(errs, fmt.Errorf("Master.Mode must be between 0 and 3, got %d", c.Master.Mode))
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.Port == "" {
			errs = append(errs, fmt.Errorf("Diagnostics.Port is required when diagnostics are enabled"))
		}
		if c.Diagnostics.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("Diagnostics.BaudRate must be positive, got %d", c.Diagnostics.BaudRate))
		}
	}

	if c.Status.Enabled && c.Status.Listen == "" {
		errs = append(errs, fmt.Errorf("Status.Listen is required when the status endpoint is enabled"))
	}

	switch c.OnHalt {
	case OnHaltWait, OnHaltExit:
	default:
		errs = append(errs, fmt.Errorf("OnHalt must be %q or %q, got %q", OnHaltWait, OnHaltExit, c.OnHalt))
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("Logging.Level %q is unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("Logging.Format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
