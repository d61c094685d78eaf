package main

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/pm61/acquisition"
	"github.jpl.nasa.gov/bdube/pm61/calibration"
	"github.jpl.nasa.gov/bdube/pm61/instrument"
)

var (
	// ConfigFileName is what it sounds like
	ConfigFileName = "pm61.yml"

	// EnvPrefix prefixes environment variables that override the file,
	// e.g. PM61_CAL_DIR
	EnvPrefix = "PM61_"
)

// Config is the program configuration
type Config struct {
	// Transport is one of usb, tcp, serial, sim
	Transport string `koanf:"transport" yaml:"transport"`

	// Addrs are host:port pairs for tcp or port names for serial
	Addrs []string `koanf:"addrs" yaml:"addrs"`

	// Serial selects the meter with this serial number, if not empty
	Serial string `koanf:"serial" yaml:"serial"`

	Baud    int           `koanf:"baud" yaml:"baud"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	Retries int           `koanf:"retries" yaml:"retries"`

	// Handshake checks the meter's error queue after every exchange
	Handshake bool `koanf:"handshake" yaml:"handshake"`

	Wavelength float64 `koanf:"wavelength" yaml:"wavelength"`
	Unit       string  `koanf:"unit" yaml:"unit"`
	AutoRange  bool    `koanf:"auto_range" yaml:"auto_range"`
	Range      float64 `koanf:"range" yaml:"range"`
	Beep       bool    `koanf:"beep" yaml:"beep"`

	CalDir    string `koanf:"cal_dir" yaml:"cal_dir"`
	CalPrefix string `koanf:"cal_prefix" yaml:"cal_prefix"`
	CalExt    string `koanf:"cal_ext" yaml:"cal_ext"`

	// Metric is the calibration applied by read and log when none is given
	Metric string `koanf:"metric" yaml:"metric"`

	// Interval is the time between readings in the log command
	Interval time.Duration `koanf:"interval" yaml:"interval"`

	// Readings is the CSV file the log command appends to
	Readings string `koanf:"readings" yaml:"readings"`

	// Addr is the HTTP listen address, Endpoint the route stem
	Addr     string `koanf:"addr" yaml:"addr"`
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// SimFile is a YAML simulator description, used instead of Sim if set
	SimFile string               `koanf:"sim_file" yaml:"sim_file"`
	Sim     instrument.SimConfig `koanf:"sim" yaml:"sim"`
}

// DefaultConfig is the configuration used with no file or environment
func DefaultConfig() Config {
	st := acquisition.DefaultSettings()
	return Config{
		Transport:  "usb",
		Addrs:      []string{},
		Baud:       instrument.DefaultBaud,
		Timeout:    instrument.DefaultTimeout,
		Retries:    acquisition.DefaultRetries,
		Wavelength: st.Wavelength,
		Unit:       st.Unit,
		AutoRange:  st.AutoRange,
		CalDir:     calibration.DefaultDir,
		CalPrefix:  calibration.DefaultPrefix,
		CalExt:     calibration.DefaultExt,
		Interval:   time.Second,
		Readings:   "readings.csv",
		Addr:       ":8000",
		Endpoint:   "/pm61",
		LogLevel:   "info",
		Sim:        instrument.DefaultSimConfig(),
	}
}

// loadConfig layers defaults, the config file if present, and the
// environment
func loadConfig(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, err
	}
	// a missing file means defaults, anything else unreadable is an error
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	return k, err
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	var c Config
	err := k.Unmarshal("", &c)
	return c, err
}

// writeConfig encodes c as YAML
func writeConfig(c Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

// Settings returns the measurement settings
func (c Config) Settings() acquisition.Settings {
	return acquisition.Settings{
		Wavelength: c.Wavelength,
		Unit:       c.Unit,
		AutoRange:  c.AutoRange,
		Range:      c.Range,
		Beep:       c.Beep,
	}
}

// Manager builds the resource manager for the configured transport
func (c Config) Manager() (instrument.Manager, error) {
	switch strings.ToLower(c.Transport) {
	case "usb", "":
		return &instrument.USBManager{Timeout: c.Timeout, Handshake: c.Handshake}, nil
	case "tcp":
		return &instrument.TCPManager{Addrs: c.Addrs, Timeout: c.Timeout, Handshake: c.Handshake}, nil
	case "serial":
		return &instrument.SerialManager{Ports: c.Addrs, Baud: c.Baud, Timeout: c.Timeout, Handshake: c.Handshake}, nil
	case "sim":
		if c.SimFile != "" {
			sc, err := instrument.LoadSimConfig(c.SimFile)
			if err != nil {
				return nil, err
			}
			return instrument.NewSim(sc), nil
		}
		return instrument.NewSim(c.Sim), nil
	default:
		return nil, errors.Errorf("unknown transport %q, must be usb, tcp, serial or sim", c.Transport)
	}
}

// Options returns the session options implied by the configuration
func (c Config) Options(log logrus.FieldLogger) []acquisition.Option {
	opts := []acquisition.Option{acquisition.WithLogger(log), acquisition.WithRetries(c.Retries)}
	if c.Serial != "" {
		opts = append(opts, acquisition.WithSelector(acquisition.BySerial(c.Serial)))
	}
	return opts
}

// LoadTable loads the calibration table for metric
func (c Config) LoadTable(metric string) (*calibration.Table, error) {
	return calibration.Load(metric, calibration.Locate(c.CalDir, c.CalPrefix, metric, c.CalExt))
}

// newLogger builds the program's logger at the configured level
func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	return log, nil
}
