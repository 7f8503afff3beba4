package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"shelfscan/pkg/log"
)

const (
	// HistoryCapacity is the number of recent scans kept in local state.
	HistoryCapacity = 10

	// HistoryKey is the well-known key the recent-scan list is stored under.
	HistoryKey = "shelfscan.recentScans"
)

// SystemType defines the platform the scanner runs on. It only affects
// the still-capture command used by the Peripheral camera, see GetImageCommand().
type SystemType string

const (
	SystemMac   SystemType = "Mac"
	SystemPi    SystemType = "Pi"
	SystemLinux SystemType = "Linux"
)

// CameraType defines the camera source implementation to use.
type CameraType string

const (
	CamCore       CameraType = "Core"        // In-memory frames, no I/O.
	CamDisk       CameraType = "Disk"        // Replays image/PDF files from a directory.
	CamPeripheral CameraType = "Peripherals" // Still captures through the system camera command.
	CamGStreamer  CameraType = "GStreamer"   // Live V4L2 capture through GStreamer.
)

// Config holds every tunable of a scanner instance.
type Config struct {
	CameraType CameraType `yaml:"camera"`
	System     SystemType `yaml:"system"`
	Device     string     `yaml:"device"` // V4L2 device for the GStreamer camera

	FramesPath  string `yaml:"frames"` // Input directory of the Disk camera
	PicturePath string `yaml:"pics"`
	StatePath   string `yaml:"state"`
	ResultsPath string `yaml:"results"`

	// Camera constraints. Ideal values are tried first, then the minimums.
	FacingMode    string        `yaml:"facing_mode"`
	IdealWidth    int           `yaml:"ideal_width"`
	IdealHeight   int           `yaml:"ideal_height"`
	IdealFPS      int           `yaml:"ideal_fps"`
	MinWidth      int           `yaml:"min_width"`
	MinHeight     int           `yaml:"min_height"`
	MinFPS        int           `yaml:"min_fps"`
	CameraTimeout time.Duration `yaml:"camera_timeout"`
	SettleDelay   time.Duration `yaml:"settle_delay"`

	// Detection policy.
	Engines         string        `yaml:"engines"` // Comma separated preference order
	MinLength       int           `yaml:"min_length"`
	MinConfidence   float64       `yaml:"min_confidence"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	Cores           int           `yaml:"cores"`

	// Result handling.
	StoreDSN    string `yaml:"store_dsn"` // Empty means in-memory store
	BusinessID  string `yaml:"business_id"`
	UserID      string `yaml:"user_id"`
	QuickMode   bool   `yaml:"quick_mode"`
	QuickAction string `yaml:"quick_action"`
	PrintLabels bool   `yaml:"print_labels"`

	ListenAddr   string       `yaml:"listen"`
	LogLevel     log.LogLevel `yaml:"-"`
	LogLevelName string       `yaml:"log_level"`
	PrintMetrics bool         `yaml:"print_metrics"`
	ConfigFile   string       `yaml:"-"`
	Args         []string     `yaml:"-"` // Positional arguments left after the flags
}

// Default returns the configuration used when neither a file nor flags say otherwise.
func Default() *Config {
	return &Config{
		CameraType: CamCore,
		System:     SystemLinux,
		Device:     "/dev/video0",

		FramesPath:  "input/frames/",
		PicturePath: "output/pics/",
		StatePath:   "output/state/",
		ResultsPath: "output/results/",

		FacingMode:    "environment",
		IdealWidth:    1920,
		IdealHeight:   1080,
		IdealFPS:      30,
		MinWidth:      1280,
		MinHeight:     720,
		MinFPS:        15,
		CameraTimeout: 5 * time.Second,
		SettleDelay:   200 * time.Millisecond,

		Engines:         "native,zxing,pipeline",
		MinLength:       8,
		MinConfidence:   0.8,
		PollInterval:    100 * time.Millisecond,
		DuplicateWindow: 3 * time.Second,
		Cores:           2,

		BusinessID:  "default",
		UserID:      "local",
		QuickAction: "stock_in",

		ListenAddr:   ":8080",
		LogLevel:     log.LevelInfo,
		LogLevelName: "info",
	}
}

// NewConfig creates a new Config by parsing command-line flags.
func NewConfig(args []string) *Config {
	log.Debug("Parsing command-line flags...")
	cfg, err := Parse(args)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	setLogLevel(cfg)
	cfg.PicturePath = cleanAndCreateDirectory(cfg.PicturePath)
	cfg.StatePath = cleanAndCreateDirectory(cfg.StatePath)
	cfg.ResultsPath = cleanAndCreateDirectory(cfg.ResultsPath)

	log.Debug("Config: %s", cfg)
	return cfg
}

// Parse builds a Config from defaults, an optional YAML file (-config) and flags,
// in increasing order of precedence. It has no side effects on the filesystem.
func Parse(args []string) (*Config, error) {
	cfg := Default()
	if _, err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile == "" {
		return cfg, cfg.Validate()
	}

	fileCfg, err := Load(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	// Flags win over the file, so parse them again on top of it.
	if _, err := parseFlags(fileCfg, args); err != nil {
		return nil, err
	}
	return fileCfg, fileCfg.Validate()
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

func parseFlags(cfg *Config, args []string) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet("shelfscan", flag.ContinueOnError)

	camType := string(cfg.CameraType)
	system := string(cfg.System)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Optional YAML configuration file.")
	fs.StringVar(&camType, "camera", camType, "Camera implementation (Core, Disk, Peripherals, GStreamer).")
	fs.StringVar(&system, "system", system, "System the scanner runs on (Mac, Pi, Linux).")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "V4L2 device used by the GStreamer camera.")
	fs.StringVar(&cfg.FramesPath, "frames", cfg.FramesPath, "Directory of images or PDFs replayed by the Disk camera.")
	fs.StringVar(&cfg.PicturePath, "pics", cfg.PicturePath, "Path for storing captured pictures and labels.")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "Path for local scanner state (recent scans).")
	fs.StringVar(&cfg.ResultsPath, "results", cfg.ResultsPath, "Path for storing timing results.")

	fs.IntVar(&cfg.IdealWidth, "width", cfg.IdealWidth, "Ideal capture width.")
	fs.IntVar(&cfg.IdealHeight, "height", cfg.IdealHeight, "Ideal capture height.")
	fs.IntVar(&cfg.IdealFPS, "fps", cfg.IdealFPS, "Ideal capture frame rate.")
	fs.DurationVar(&cfg.CameraTimeout, "camera-timeout", cfg.CameraTimeout, "How long to wait for the camera to become ready.")
	fs.DurationVar(&cfg.SettleDelay, "settle", cfg.SettleDelay, "Delay after releasing the camera before it may be claimed again.")

	fs.StringVar(&cfg.Engines, "engines", cfg.Engines, "Decoder preference order (native, zxing, pipeline).")
	fs.IntVar(&cfg.MinLength, "min-length", cfg.MinLength, "Minimum accepted barcode length.")
	fs.Float64Var(&cfg.MinConfidence, "min-confidence", cfg.MinConfidence, "Minimum confidence for engines that report one.")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Frame polling interval of the native engine.")
	fs.DurationVar(&cfg.DuplicateWindow, "duplicate-window", cfg.DuplicateWindow, "Ignore the same barcode again within this window.")
	fs.IntVar(&cfg.Cores, "cores", cfg.Cores, "Workers used by the pipeline engine.")

	fs.StringVar(&cfg.StoreDSN, "store", cfg.StoreDSN, "Postgres DSN of the product store (empty for in-memory).")
	fs.StringVar(&cfg.BusinessID, "business", cfg.BusinessID, "Business the scanned products belong to.")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "External identity of the operator.")
	fs.BoolVar(&cfg.QuickMode, "quick", cfg.QuickMode, "Record a one-unit transaction for every known product scanned.")
	fs.StringVar(&cfg.QuickAction, "quick-action", cfg.QuickAction, "Quick mode transaction type (stock_in, stock_out).")
	fs.BoolVar(&cfg.PrintLabels, "labels", cfg.PrintLabels, "Write a label PDF for every product created from a scan.")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Listen address of the HTTP API.")
	fs.StringVar(&cfg.LogLevelName, "log-level", cfg.LogLevelName, "Set log level (trace, debug, info, warn, error).")
	fs.BoolVar(&cfg.PrintMetrics, "print-metrics", cfg.PrintMetrics, "Whether to print the measurement tree after each session.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.CameraType = CameraType(camType)
	cfg.System = SystemType(system)
	cfg.Args = fs.Args()
	cfg.LogLevel, _ = log.ParseLevel(cfg.LogLevelName)
	return fs, nil
}

// Validate checks values that would otherwise fail deep inside a scan session.
func (c *Config) Validate() error {
	switch c.CameraType {
	case CamCore, CamDisk, CamPeripheral, CamGStreamer:
	default:
		return fmt.Errorf("unknown camera type specified: %s", c.CameraType)
	}
	if c.MinLength < 1 {
		return fmt.Errorf("min-length must be at least 1, got %d", c.MinLength)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min-confidence must be within [0,1], got %.2f", c.MinConfidence)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.CameraTimeout <= 0 {
		return fmt.Errorf("camera timeout must be positive, got %s", c.CameraTimeout)
	}
	if len(c.EngineOrder()) == 0 {
		return fmt.Errorf("at least one decoder engine is required")
	}
	if c.QuickAction != "stock_in" && c.QuickAction != "stock_out" {
		return fmt.Errorf("quick-action must be stock_in or stock_out, got %q", c.QuickAction)
	}
	return nil
}

// EngineOrder returns the decoder preference order as a list of engine names.
func (c *Config) EngineOrder() []string {
	var order []string
	for _, name := range strings.Split(c.Engines, ",") {
		if name = strings.TrimSpace(name); name != "" {
			order = append(order, strings.ToLower(name))
		}
	}
	return order
}

// GetImageCommand returns the command to take a picture for the configured system.
func (c *Config) GetImageCommand(outputPath string) (string, []string) {
	switch c.System {
	case SystemPi:
		return "libcamera-still", []string{"-o", outputPath, "--timeout", "1", "--nopreview"}
	case SystemMac:
		return "imagesnap", []string{outputPath}
	default:
		return "fswebcam", []string{"-d", c.Device, "--no-banner", outputPath}
	}
}

// String returns a string representation of the Config instance
func (c *Config) String() string {
	return fmt.Sprintf("Config{Camera:%s System:%s Device:%s Ideal:%dx%d@%d Min:%dx%d@%d "+
		"CameraTimeout:%s Settle:%s Engines:%s MinLength:%d MinConfidence:%.2f Poll:%s "+
		"Store:%t Business:%s Quick:%t/%s Listen:%s LogLevel:%s}",
		c.CameraType, c.System, c.Device, c.IdealWidth, c.IdealHeight, c.IdealFPS,
		c.MinWidth, c.MinHeight, c.MinFPS, c.CameraTimeout, c.SettleDelay, c.Engines,
		c.MinLength, c.MinConfidence, c.PollInterval, c.StoreDSN != "", c.BusinessID,
		c.QuickMode, c.QuickAction, c.ListenAddr, c.LogLevelName)
}

// --- Config Helpers ---

// cleanAndCreateDirectory ensures the specified directory exists by creating it if necessary.
// It returns the cleaned filepath.
func cleanAndCreateDirectory(path string) string {
	path = filepath.Clean(path)
	if err := os.MkdirAll(path, 0755); err != nil {
		log.Fatalf("Failed to create directory %s: %v", path, err)
	}

	return path
}

// setLogLevel applies the configured log level, defaulting to info on unknown names.
func setLogLevel(cfg *Config) {
	level, ok := log.ParseLevel(cfg.LogLevelName)
	if !ok {
		log.Info("Unknown log level '%s', defaulting to 'info'", cfg.LogLevelName)
	}
	cfg.LogLevel = level
	log.SetLevel(level)
}
