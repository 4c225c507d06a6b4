package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/DriveGo/internal/config"
	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/controller"
	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/hbridge"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/hw/stepper"
	"github.com/cjeanneret/DriveGo/internal/logic/control"
	"github.com/cjeanneret/DriveGo/internal/logic/drive"
	"github.com/cjeanneret/DriveGo/internal/logic/kinematics"
	"github.com/cjeanneret/DriveGo/internal/robot"
	"github.com/cjeanneret/DriveGo/internal/telemetry"
	"github.com/cjeanneret/DriveGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mode := flag.String("mode", "", "operating mode (opcontrol, autonomous); empty = config default")
	moveMm := flag.Int("move_mm", 0, "drive straight this many mm, brake and exit")
	turnDeg := flag.Int("turn_deg", 0, "turn in place this many degrees, brake and exit")
	speed := flag.Int("speed", 50, "motor speed (RPM) for -move_mm and -turn_deg")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := validateCLI(*mode, *moveMm, *turnDeg, *speed); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	if *mode != "" {
		cfg.Defaults.Mode = *mode
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mode", cfg.Defaults.Mode)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize drive motors
	debug.Step(2, "Initializing drive motors")
	left, err := newMotor(gpioDriver, "left", cfg.LeftMotor, cfg.LoopPeriod())
	if err != nil {
		log.Fatalf("init left motor failed: %v", err)
	}
	defer closeMotor(left)
	debug.PrintStruct("Left motor config", cfg.LeftMotor)
	right, err := newMotor(gpioDriver, "right", cfg.RightMotor, cfg.LoopPeriod())
	if err != nil {
		log.Fatalf("init right motor failed: %v", err)
	}
	defer closeMotor(right)
	debug.PrintStruct("Right motor config", cfg.RightMotor)

	debug.Step(3, "Initializing drivebase")
	geometry, err := geometryFromConfig(cfg.Drivebase)
	if err != nil {
		log.Fatalf("invalid drivebase geometry: %v", err)
	}
	debug.PrintStruct("Geometry", geometry)
	base := drive.New(left, right, geometry)

	if *moveMm != 0 || *turnDeg != 0 {
		err := runCalibration(ctx, base, *speed, *moveMm, *turnDeg)
		if relErr := releaseMotors(left, right); relErr != nil {
			log.Printf("releasing motors failed: %v", relErr)
		}
		if err != nil {
			log.Fatalf("calibration move failed: %v", err)
		}
		return
	}

	debug.Step(4, "Initializing telemetry")
	pub, err := telemetry.New(cfg.Telemetry, 5*time.Second)
	if err != nil {
		log.Fatalf("init telemetry failed: %v", err)
	}
	defer pub.Close()

	debug.Step(5, "Registering modes")
	var virtual *controller.Virtual
	if cfg.Controller.Type == config.ControllerVirtual {
		virtual = controller.NewVirtual()
	}
	executor := control.NewExecutor(base, 16)

	program := robot.New()
	if err := program.Register(config.ModeOpcontrol, func(ctx context.Context) error {
		ctrl, err := openController(ctx, cfg.Controller, virtual)
		if err != nil {
			return err
		}
		return control.NewLoop(base, ctrl, cfg.LoopPeriod(), pub).Run(ctx)
	}); err != nil {
		log.Fatal(err)
	}
	if err := program.Register(config.ModeAutonomous, executor.Run); err != nil {
		log.Fatal(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return program.Run(ctx, cfg.Defaults.Mode)
	})

	if port := webPort.port(); port > 0 {
		var commands web.CommandSubmitter
		if cfg.Defaults.Mode == config.ModeAutonomous {
			commands = executor
		}
		info := web.Info{
			Mode:                 cfg.Defaults.Mode,
			Controller:           cfg.Controller.Type,
			WheelDiameterMm:      cfg.Drivebase.WheelDiameterMm,
			WheelCircumferenceMm: geometry.WheelCircumferenceMm,
			AxleTrackMm:          geometry.AxleTrackMm,
			GearRatio:            geometry.GearRatio,
			LoopPeriodMs:         cfg.Defaults.LoopPeriodMs,
		}
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, virtual, commands, info)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("%v", err)
	}
	debug.Info("Shutdown complete")
}

// geometryFromConfig builds the chassis constants from the drivebase section.
func geometryFromConfig(dc config.DrivebaseConfig) (kinematics.Geometry, error) {
	return kinematics.NewGeometry(
		kinematics.CircumferenceFromDiameter(dc.WheelDiameterMm),
		dc.AxleTrackMm,
		dc.GearRatio,
	)
}

// newMotor builds a drive motor from its config section. A stepper treats
// rates slower than one step per loop period as stopped.
func newMotor(g gpio.Driver, name string, mc config.MotorConfig, loopPeriod time.Duration) (motor.Motor, error) {
	switch mc.Type {
	case config.MotorStepper:
		return stepper.NewStepper(g, stepper.Config{
			Name:            name,
			StepPin:         mc.StepPin,
			DirPin:          mc.DirPin,
			EnablePin:       mc.EnablePin,
			StepsPerRev:     mc.StepsPerRev,
			Microstepping:   mc.Microstepping,
			MaxRPM:          mc.MaxRPM,
			MinStepInterval: loopPeriod,
		}), nil
	case config.MotorHBridge:
		return hbridge.New(g, hbridge.Config{
			Name:      name,
			PWMPin:    mc.PWMPin,
			DirPin:    mc.DirPin,
			BrakePin:  mc.BrakePin,
			PWMFreqHz: mc.PWMFreqHz,
		})
	default:
		return nil, fmt.Errorf("unsupported motor type: %s", mc.Type)
	}
}

func closeMotor(m motor.Motor) {
	if c, ok := m.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("closing motor failed: %v", err)
		}
	}
}

// releaseMotors lets the wheels spin freely on motors that can coast.
func releaseMotors(ms ...motor.Motor) error {
	for _, m := range ms {
		c, ok := m.(interface{ Coast() error })
		if !ok {
			continue
		}
		if err := c.Coast(); err != nil {
			return err
		}
	}
	return nil
}

// openController returns the configured input source. A physical joystick
// is read in the background until ctx is cancelled.
func openController(ctx context.Context, cc config.ControllerConfig, virtual *controller.Virtual) (controller.Controller, error) {
	switch cc.Type {
	case config.ControllerVirtual:
		if virtual == nil {
			return nil, errors.New("virtual controller selected but not initialized")
		}
		debug.Info("Using virtual joystick (web)")
		return virtual, nil
	case config.ControllerJoystick:
		js, err := controller.OpenJoystick(cc.Device, controller.AxisMap{
			LeftX:  uint8(cc.LeftXAxis),
			LeftY:  uint8(cc.LeftYAxis),
			RightX: uint8(cc.RightXAxis),
			RightY: uint8(cc.RightYAxis),
		})
		if err != nil {
			return nil, err
		}
		debug.Info("Using joystick %s", cc.Device)
		go func() {
			if err := js.Run(ctx); err != nil {
				debug.Error(err)
			}
		}()
		return js, nil
	default:
		return nil, fmt.Errorf("unsupported controller type: %s", cc.Type)
	}
}

// runCalibration performs one blocking move, then brakes.
func runCalibration(ctx context.Context, base *drive.Drivebase, speed, moveMm, turnDeg int) error {
	debug.Section("Calibration move")
	var err error
	if moveMm != 0 {
		err = base.MoveDistance(speed, moveMm)
	} else {
		err = base.TurnDegrees(speed, turnDeg)
	}
	if err == nil {
		err = base.Wait(ctx)
	}
	if stopErr := base.Stop(); err == nil {
		err = stopErr
	}
	if err == nil {
		debug.Info("Calibration move complete")
	}
	return err
}

// validateCLI checks flag combinations before any hardware is touched.
func validateCLI(mode string, moveMm, turnDeg, speed int) error {
	switch mode {
	case "", config.ModeOpcontrol, config.ModeAutonomous:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if moveMm != 0 && turnDeg != 0 {
		return errors.New("-move_mm and -turn_deg are mutually exclusive")
	}
	if (moveMm != 0 || turnDeg != 0) && speed <= 0 {
		return fmt.Errorf("speed must be > 0, got %d", speed)
	}
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
