package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"shelfscan/pkg/config"
	"shelfscan/pkg/log"
)

// Peripheral captures stills with the system camera command in a loop.
// It is slow, but works wherever the command does.
type Peripheral struct {
	*base
}

// NewPeripheral creates a camera driven by cfg.GetImageCommand.
func NewPeripheral(cfg *config.Config) *Peripheral {
	drv := &peripheralDriver{cfg: cfg}
	return &Peripheral{base: newBase(string(config.CamPeripheral), drv, cfg.CameraTimeout, cfg.SettleDelay)}
}

type peripheralDriver struct {
	cfg *config.Config
}

func (d *peripheralDriver) device() string { return "still:" + string(d.cfg.System) }

func (d *peripheralDriver) open(_ context.Context, c Constraints) (Settings, error) {
	cmdName, _ := d.cfg.GetImageCommand("")
	if _, err := exec.LookPath(cmdName); err != nil {
		return Settings{}, fmt.Errorf("camera command %s not found: %w", cmdName, err)
	}
	if err := os.MkdirAll(d.cfg.PicturePath, 0755); err != nil {
		return Settings{}, err
	}
	// Stills come at the camera's native resolution.
	return negotiate(c, func(Settings) bool { return true })
}

func (d *peripheralDriver) run(ctx context.Context, s Settings, push func(image.Image)) error {
	for n := 0; ; n++ {
		start := time.Now()
		img, err := d.takePicture(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if n == 0 {
				return err
			}
			log.Warn("camera: still capture failed: %v", err)
		} else {
			push(img)
		}
		if !sleep(ctx, s.Interval()-time.Since(start)) {
			return nil
		}
	}
}

// takePicture executes the camera command and decodes the captured file.
func (d *peripheralDriver) takePicture(ctx context.Context, n int) (image.Image, error) {
	scannedFile := filepath.Join(d.cfg.PicturePath, fmt.Sprintf("frame_%d_%d.jpg", time.Now().UnixNano(), n))
	defer os.Remove(scannedFile)

	cmdName, args := d.cfg.GetImageCommand(scannedFile)
	cmd := exec.CommandContext(ctx, cmdName, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to run camera command '%s': %w, output: %s", cmdName, err, string(output))
	}
	return decodeFile(scannedFile)
}

func (d *peripheralDriver) close() error { return nil }
