package config

import (
	"path/filepath"
	"time"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/components/arm/omnicore/egm"
	"go.viam.com/omnicore/components/arm/omnicore/rws"
	"go.viam.com/omnicore/control"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/referenceframe/urdf"
)

// JointTable reads the joint limits from the URDF file. A relative path is resolved against the
// directory of the config file.
func (c *Config) JointTable() ([]referenceframe.Joint, error) {
	path := c.URDFFile
	if !filepath.IsAbs(path) && c.ConfigFilePath != "" {
		path = filepath.Join(filepath.Dir(c.ConfigFilePath), path)
	}
	return urdf.ParseJointsFile(path, c.Joints, c.JointLimits)
}

func rotaryFlags(joints []referenceframe.Joint) []bool {
	rotary := make([]bool, len(joints))
	for i, j := range joints {
		rotary[i] = j.IsRotary()
	}
	return rotary
}

func (c *Config) externalAxis() (bool, int) {
	if c.ExternalAxisIndex == nil {
		return false, 0
	}
	return true, *c.ExternalAxisIndex
}

// RWSClientConfig returns the RWS client settings.
func (c *Config) RWSClientConfig() rws.ClientConfig {
	return rws.ClientConfig{
		Host:           c.Robot.Host,
		Port:           c.Robot.RWSPort,
		Username:       c.Robot.Username,
		Password:       c.Robot.Password,
		InsecureTLS:    c.Robot.InsecureTLS,
		RequestTimeout: c.AckTimeout,
	}
}

// StateMachineConfig returns the RAPID state machine settings for joints.
func (c *Config) StateMachineConfig(joints []referenceframe.Joint) rws.StateMachineConfig {
	ext, extIndex := c.externalAxis()
	return rws.StateMachineConfig{
		Task:              c.Robot.Task,
		MechUnit:          c.Robot.MechUnit,
		Signals:           c.Signals,
		Joints:            len(joints),
		Rotary:            rotaryFlags(joints),
		ExternalAxis:      ext,
		ExternalAxisIndex: extIndex,
		PosCorrGain:       c.EGM.PosCorrGain,
		MaxSpeedDeviation: c.EGM.MaxSpeedDeviation,
		DigitalInputs:     c.DigitalInputs,
	}
}

// StreamConfig returns the EGM session settings for joints.
func (c *Config) StreamConfig(joints []referenceframe.Joint) egm.Config {
	ext, extIndex := c.externalAxis()
	return egm.Config{
		BindAddress:        c.EGM.BindAddress,
		Port:               c.Robot.EGMPort,
		Joints:             len(joints),
		Rotary:             rotaryFlags(joints),
		ExternalAxis:       ext,
		ExternalAxisIndex:  extIndex,
		StalenessTolerance: c.EGM.StalenessTolerance,
		ReadTimeout:        c.EGM.ReadTimeout,
	}
}

// HardwareConfig returns the hardware interface settings for joints.
func (c *Config) HardwareConfig(joints []referenceframe.Joint) omnicore.Config {
	return omnicore.Config{
		Joints:              joints,
		AckTimeout:          c.AckTimeout,
		ConnectTimeout:      c.EGM.ConnectTimeout,
		FreeDrivePollPeriod: hzToPeriod(c.FreeDrivePollHz),
		AutoIdleOnFault:     c.AutoIdleOnFault == nil || *c.AutoIdleOnFault,
	}
}

// LoopConfig returns the control loop settings.
func (c *Config) LoopConfig() control.Config {
	return control.Config{Frequency: c.ControlFrequencyHz}
}

// StatusPeriod returns the status publishing period.
func (c *Config) StatusPeriod() time.Duration {
	return hzToPeriod(c.StatusRateHz)
}

func hzToPeriod(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}
