// Package config defines the configuration file of the OmniCore hardware process.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/omnicore/components/arm/omnicore/rws"
	"go.viam.com/omnicore/control"
	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/referenceframe/urdf"
)

// Defaults.
const (
	DefaultRWSPort            = 443
	DefaultEGMPort            = 6511
	DefaultUsername           = "Default User"
	DefaultPassword           = "robotics"
	DefaultTask               = "T_ROB1"
	DefaultMechUnit           = "ROB_1"
	DefaultAckTimeout         = 5 * time.Second
	DefaultControlFrequencyHz = 250.
	DefaultStatusRateHz       = 10.
	DefaultFreeDrivePollHz    = 20.
	DefaultPosCorrGain        = 1.
	DefaultMaxSpeedDeviation  = 100.
	DefaultConnectTimeout     = 5 * time.Second
	DefaultBindAddress        = "localhost:8080"
)

// Config is the whole configuration file.
type Config struct {
	Robot RobotConfig `json:"robot"`

	// Joints names the controlled joints in command order. Their limits are read from URDFFile,
	// tightened by JointLimits.
	Joints      []string                 `json:"joints"`
	URDFFile    string                   `json:"urdf_file"`
	JointLimits map[string]urdf.Override `json:"joint_limits,omitempty"`

	// ExternalAxisIndex is the logical joint driven by the first external axis, for seven-axis arms.
	ExternalAxisIndex *int `json:"external_axis_index,omitempty"`

	EGM EGMConfig `json:"egm"`

	AckTimeout         time.Duration `json:"ack_timeout"`
	ControlFrequencyHz float64       `json:"control_frequency_hz"`
	StatusRateHz       float64       `json:"status_rate_hz"`
	FreeDrivePollHz    float64       `json:"free_drive_poll_hz"`
	DigitalInputs      []string      `json:"digital_inputs,omitempty"`
	AutoIdleOnFault    *bool         `json:"auto_idle_on_fault,omitempty"`

	Signals rws.Signals `json:"signals"`
	Web     WebConfig   `json:"web"`
	Log     LogConfig   `json:"log"`

	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`
}

// RobotConfig addresses the controller.
type RobotConfig struct {
	Host        string `json:"host"`
	RWSPort     int    `json:"rws_port"`
	EGMPort     int    `json:"egm_port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	InsecureTLS bool   `json:"insecure_tls"`
	Task        string `json:"task"`
	MechUnit    string `json:"mech_unit"`
}

// EGMConfig tunes the streaming channel.
type EGMConfig struct {
	BindAddress        string        `json:"bind_address"`
	PosCorrGain        float64       `json:"pos_corr_gain"`
	MaxSpeedDeviation  float64       `json:"max_speed_deviation"`
	ConnectTimeout     time.Duration `json:"connect_timeout"`
	StalenessTolerance time.Duration `json:"staleness_tolerance"`
	ReadTimeout        time.Duration `json:"read_timeout"`
}

// WebConfig configures the HTTP server.
type WebConfig struct {
	BindAddress string `json:"bind_address"`
	// AllowedOrigins lists CORS origins. Empty allows none.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (c *Config) Validate(path string) error {
	if err := c.Robot.Validate(joinPath(path, "robot")); err != nil {
		return err
	}
	if len(c.Joints) == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "joints")
	}
	seen := make(map[string]bool, len(c.Joints))
	for i, name := range c.Joints {
		if name == "" {
			return utils.NewConfigValidationError(fmt.Sprintf("%s.%d", joinPath(path, "joints"), i),
				errors.New("joint name is empty"))
		}
		if seen[name] {
			return utils.NewConfigValidationError(joinPath(path, "joints"), errors.Errorf("duplicate joint %q", name))
		}
		seen[name] = true
	}
	if c.URDFFile == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "urdf_file")
	}
	for name := range c.JointLimits {
		if !seen[name] {
			return utils.NewConfigValidationError(joinPath(path, "joint_limits"), errors.Errorf("unknown joint %q", name))
		}
	}
	if c.ExternalAxisIndex != nil && (*c.ExternalAxisIndex < 0 || *c.ExternalAxisIndex >= len(c.Joints)) {
		return utils.NewConfigValidationError(joinPath(path, "external_axis_index"),
			errors.Errorf("%d is not a joint index", *c.ExternalAxisIndex))
	}
	if err := c.EGM.Validate(joinPath(path, "egm")); err != nil {
		return err
	}

	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.AckTimeout < 0 {
		return utils.NewConfigValidationError(joinPath(path, "ack_timeout"), errors.New("must be positive"))
	}
	if c.ControlFrequencyHz == 0 {
		c.ControlFrequencyHz = DefaultControlFrequencyHz
	}
	if err := (control.Config{Frequency: c.ControlFrequencyHz}).Validate(); err != nil {
		return utils.NewConfigValidationError(joinPath(path, "control_frequency_hz"), err)
	}
	for _, rate := range []struct {
		field string
		v     *float64
		def   float64
	}{
		{"status_rate_hz", &c.StatusRateHz, DefaultStatusRateHz},
		{"free_drive_poll_hz", &c.FreeDrivePollHz, DefaultFreeDrivePollHz},
	} {
		if *rate.v == 0 {
			*rate.v = rate.def
		}
		if *rate.v < 0 {
			return utils.NewConfigValidationError(joinPath(path, rate.field), errors.New("must be positive"))
		}
	}
	if len(c.DigitalInputs) > rws.MaxDigitalInputs {
		return utils.NewConfigValidationError(joinPath(path, "digital_inputs"),
			errors.Errorf("at most %d signals fit the digital input byte", rws.MaxDigitalInputs))
	}
	if c.AutoIdleOnFault == nil {
		autoIdle := true
		c.AutoIdleOnFault = &autoIdle
	}
	c.Signals = c.Signals.WithDefaults()
	if err := c.Web.Validate(joinPath(path, "web")); err != nil {
		return err
	}
	return c.Log.Validate(joinPath(path, "log"))
}

// Validate ensures the controller address is usable.
func (rc *RobotConfig) Validate(path string) error {
	if rc.Host == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "host")
	}
	if rc.RWSPort == 0 {
		rc.RWSPort = DefaultRWSPort
	}
	if rc.EGMPort == 0 {
		rc.EGMPort = DefaultEGMPort
	}
	for field, port := range map[string]int{"rws_port": rc.RWSPort, "egm_port": rc.EGMPort} {
		if port < 1 || port > 65535 {
			return utils.NewConfigValidationError(joinPath(path, field), errors.Errorf("invalid port %d", port))
		}
	}
	if rc.Username == "" {
		rc.Username = DefaultUsername
		if rc.Password == "" {
			rc.Password = DefaultPassword
		}
	}
	if rc.Task == "" {
		rc.Task = DefaultTask
	}
	if rc.MechUnit == "" {
		rc.MechUnit = DefaultMechUnit
	}
	return nil
}

// Validate checks the streaming parameters.
func (ec *EGMConfig) Validate(path string) error {
	if ec.PosCorrGain == 0 {
		ec.PosCorrGain = DefaultPosCorrGain
	}
	if ec.MaxSpeedDeviation == 0 {
		ec.MaxSpeedDeviation = DefaultMaxSpeedDeviation
	}
	if ec.ConnectTimeout == 0 {
		ec.ConnectTimeout = DefaultConnectTimeout
	}
	if ec.PosCorrGain < 0 || ec.PosCorrGain > 1 {
		return utils.NewConfigValidationError(joinPath(path, "pos_corr_gain"), errors.New("must be within [0, 1]"))
	}
	if ec.MaxSpeedDeviation < 0 {
		return utils.NewConfigValidationError(joinPath(path, "max_speed_deviation"), errors.New("must be positive"))
	}
	for field, d := range map[string]time.Duration{
		"connect_timeout":     ec.ConnectTimeout,
		"staleness_tolerance": ec.StalenessTolerance,
		"read_timeout":        ec.ReadTimeout,
	} {
		if d < 0 {
			return utils.NewConfigValidationError(joinPath(path, field), errors.New("must be positive"))
		}
	}
	return nil
}

// Validate ensures the bind address parses.
func (wc *WebConfig) Validate(path string) error {
	if wc.BindAddress == "" {
		wc.BindAddress = DefaultBindAddress
	}
	if _, _, err := net.SplitHostPort(wc.BindAddress); err != nil {
		return utils.NewConfigValidationError(path, errors.Wrap(err, "error validating bind_address"))
	}
	return nil
}

// Validate checks the log level.
func (lc *LogConfig) Validate(path string) error {
	if _, err := logging.LevelFromString(lc.Level); err != nil {
		return utils.NewConfigValidationError(joinPath(path, "level"), err)
	}
	if lc.MaxSizeMB < 0 || lc.MaxBackups < 0 {
		return utils.NewConfigValidationError(path, errors.New("log rotation settings must be positive"))
	}
	return nil
}

// ParsedLevel returns the configured log level. Call after Validate.
func (lc LogConfig) ParsedLevel() logging.Level {
	level, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}

func joinPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}
