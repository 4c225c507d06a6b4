package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Motor driver types.
const (
	MotorStepper = "stepper"
	MotorHBridge = "hbridge"
)

// Controller types.
const (
	ControllerJoystick = "joystick"
	ControllerVirtual  = "virtual"
)

// Operating modes.
const (
	ModeOpcontrol  = "opcontrol"
	ModeAutonomous = "autonomous"
)

// DrivebaseConfig holds the physical constants of the chassis.
type DrivebaseConfig struct {
	WheelDiameterMm float64 `yaml:"wheel_diameter_mm"` // e.g., 101.7
	AxleTrackMm     float64 `yaml:"axle_track_mm"`     // distance between wheel contact points
	GearRatio       float64 `yaml:"gear_ratio"`        // motor turns per wheel turn
}

// MotorConfig describes one drive motor.
// Type selects a concrete implementation ("stepper" or "hbridge").
type MotorConfig struct {
	Type          string  `yaml:"type"`
	StepPin       int     `yaml:"step_pin"`      // stepper: STEP (BCM)
	DirPin        int     `yaml:"dir_pin"`       // stepper and hbridge: direction (BCM)
	EnablePin     int     `yaml:"enable_pin"`    // stepper: A4988 ENABLE (BCM). 0 = not used. Active LOW.
	PWMPin        int     `yaml:"pwm_pin"`       // hbridge: hardware PWM pin (BCM)
	BrakePin      int     `yaml:"brake_pin"`     // hbridge: brake input (BCM). 0 = not used.
	StepsPerRev   int     `yaml:"steps_per_rev"` // stepper
	Microstepping int     `yaml:"microstepping"` // stepper
	MaxRPM        float64 `yaml:"max_rpm"`       // speed at full open-loop output
	PWMFreqHz     int     `yaml:"pwm_freq_hz"`   // hbridge
}

// ControllerConfig selects the joystick source.
type ControllerConfig struct {
	Type       string `yaml:"type"`   // "joystick" or "virtual"
	Device     string `yaml:"device"` // e.g., "/dev/input/js0"
	LeftXAxis  int    `yaml:"left_x_axis"`
	LeftYAxis  int    `yaml:"left_y_axis"`
	RightXAxis int    `yaml:"right_x_axis"`
	RightYAxis int    `yaml:"right_y_axis"`
}

// TelemetryConfig enables MQTT publishing of per-tick mix samples.
type TelemetryConfig struct {
	MQTTBroker   string `yaml:"mqtt_broker"` // e.g., "tcp://localhost:1883". Empty = disabled.
	MQTTTopic    string `yaml:"mqtt_topic"`
	MQTTClientID string `yaml:"mqtt_client_id"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	LoopPeriodMs int    `yaml:"loop_period_ms"` // control loop period
	DebugLevel   int    `yaml:"debug_level"`    // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO     bool   `yaml:"mock_gpio"`      // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	Mode         string `yaml:"mode"`           // "opcontrol" or "autonomous"
}

// Config aggregates all application configuration.
type Config struct {
	Drivebase  DrivebaseConfig  `yaml:"drivebase"`
	LeftMotor  MotorConfig      `yaml:"left_motor"`
	RightMotor MotorConfig      `yaml:"right_motor"`
	Controller ControllerConfig `yaml:"controller"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file located directly
// inside a "configs" directory, without any ".." component.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if containsDotDot(path) {
		return fmt.Errorf("config path must not contain '..': %s", path)
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory: %s", path)
	}
	return nil
}

func containsDotDot(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	// Drivebase: physical constants must be positive.
	if !(c.Drivebase.WheelDiameterMm > 0) || math.IsInf(c.Drivebase.WheelDiameterMm, 0) {
		return fmt.Errorf("drivebase.wheel_diameter_mm must be > 0")
	}
	if !(c.Drivebase.AxleTrackMm > 0) || math.IsInf(c.Drivebase.AxleTrackMm, 0) {
		return fmt.Errorf("drivebase.axle_track_mm must be > 0")
	}
	if c.Drivebase.GearRatio < 0 {
		return fmt.Errorf("drivebase.gear_ratio must be >= 0, got %.2f", c.Drivebase.GearRatio)
	}
	if c.Drivebase.GearRatio == 0 {
		c.Drivebase.GearRatio = 1 // direct drive
	}

	if err := c.LeftMotor.applyDefaults("left_motor"); err != nil {
		return err
	}
	if err := c.RightMotor.applyDefaults("right_motor"); err != nil {
		return err
	}

	switch c.Controller.Type {
	case "":
		c.Controller.Type = ControllerJoystick
	case ControllerJoystick, ControllerVirtual:
	default:
		return fmt.Errorf("unsupported controller type: %s", c.Controller.Type)
	}
	if c.Controller.Type == ControllerJoystick && c.Controller.Device == "" {
		c.Controller.Device = "/dev/input/js0"
	}
	// Axis numbers: zero is a valid axis, so only the all-zero case gets the
	// default gamepad layout (L stick 0/1, R stick 3/4).
	if c.Controller.LeftXAxis == 0 && c.Controller.LeftYAxis == 0 &&
		c.Controller.RightXAxis == 0 && c.Controller.RightYAxis == 0 {
		c.Controller.LeftXAxis, c.Controller.LeftYAxis = 0, 1
		c.Controller.RightXAxis, c.Controller.RightYAxis = 3, 4
	}

	if c.Telemetry.MQTTBroker != "" {
		if c.Telemetry.MQTTTopic == "" {
			c.Telemetry.MQTTTopic = "drivego/telemetry"
		}
		if c.Telemetry.MQTTClientID == "" {
			c.Telemetry.MQTTClientID = "drivego"
		}
	}

	if c.Defaults.LoopPeriodMs <= 0 {
		c.Defaults.LoopPeriodMs = 20 // 50 Hz
	}
	switch c.Defaults.Mode {
	case "":
		c.Defaults.Mode = ModeOpcontrol
	case ModeOpcontrol, ModeAutonomous:
	default:
		return fmt.Errorf("unsupported mode: %s", c.Defaults.Mode)
	}
	return nil
}

func (m *MotorConfig) applyDefaults(name string) error {
	if m.Type == "" {
		m.Type = MotorStepper
	}
	switch m.Type {
	case MotorStepper:
		if m.StepPin <= 0 || m.DirPin <= 0 {
			return fmt.Errorf("%s: step_pin and dir_pin are required for a stepper", name)
		}
		if m.StepsPerRev <= 0 {
			m.StepsPerRev = 200
		}
		if m.Microstepping <= 0 {
			m.Microstepping = 1
		}
	case MotorHBridge:
		if m.PWMPin <= 0 || m.DirPin <= 0 {
			return fmt.Errorf("%s: pwm_pin and dir_pin are required for an hbridge", name)
		}
		if m.PWMFreqHz <= 0 {
			m.PWMFreqHz = 20000
		}
	default:
		return fmt.Errorf("%s: unsupported motor type: %s", name, m.Type)
	}
	if m.MaxRPM < 0 || math.IsNaN(m.MaxRPM) || math.IsInf(m.MaxRPM, 0) {
		return fmt.Errorf("%s: max_rpm must be a positive number", name)
	}
	if m.MaxRPM == 0 {
		m.MaxRPM = 200
	}
	return nil
}

// LoopPeriod returns the control loop period.
func (c *Config) LoopPeriod() time.Duration {
	return time.Duration(c.Defaults.LoopPeriodMs) * time.Millisecond
}

// WheelCircumferenceMm returns π × wheel diameter.
func (c *Config) WheelCircumferenceMm() float64 {
	return math.Pi * c.Drivebase.WheelDiameterMm
}
