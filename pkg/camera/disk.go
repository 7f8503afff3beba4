package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"shelfscan/pkg/config"
	"shelfscan/pkg/log"
)

// Disk replays the images of a directory as a video stream. PNG and JPEG
// files are used as they are; scanned PDFs contribute their embedded images.
type Disk struct {
	*base
}

// NewDisk creates a camera replaying cfg.FramesPath.
func NewDisk(cfg *config.Config) *Disk {
	drv := &diskDriver{dir: cfg.FramesPath}
	return &Disk{base: newBase(string(config.CamDisk), drv, cfg.CameraTimeout, cfg.SettleDelay)}
}

type diskDriver struct {
	dir    string
	images []image.Image
}

func (d *diskDriver) device() string { return "disk:" + filepath.Clean(d.dir) }

func (d *diskDriver) open(_ context.Context, c Constraints) (Settings, error) {
	images, err := LoadImages(d.dir)
	if err != nil {
		return Settings{}, err
	}
	d.images = images

	// Recorded frames have whatever size they were captured at.
	s, err := negotiate(c, func(Settings) bool { return true })
	if err != nil {
		return Settings{}, err
	}
	b := images[0].Bounds()
	s.Width, s.Height = b.Dx(), b.Dy()
	return s, nil
}

func (d *diskDriver) run(ctx context.Context, s Settings, push func(image.Image)) error {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	for i := 0; ; i++ {
		push(d.images[i%len(d.images)])
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *diskDriver) close() error {
	d.images = nil
	return nil
}

// LoadImages decodes every PNG, JPEG and PDF-embedded image in dir, in file name order.
func LoadImages(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read frames directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var images []image.Image
	for _, name := range names {
		path := filepath.Join(dir, name)
		switch strings.ToLower(filepath.Ext(name)) {
		case ".png", ".jpg", ".jpeg":
			img, err := decodeFile(path)
			if err != nil {
				log.Warn("camera: skipping %s: %v", path, err)
				continue
			}
			images = append(images, img)
		case ".pdf":
			pdfImages, err := extractPDFImages(path)
			if err != nil {
				log.Warn("camera: skipping %s: %v", path, err)
				continue
			}
			images = append(images, pdfImages...)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no frames found in %s", dir)
	}
	return images, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("image.Decode failed: %w", err)
	}
	return img, nil
}

// extractPDFImages pulls the raw embedded images out of a PDF wrapper.
func extractPDFImages(path string) ([]image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file %s: %w", path, err)
	}
	defer file.Close()

	extracted, err := api.ExtractImagesRaw(file, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("could not extract images from PDF %s: %w", path, err)
	}

	var images []image.Image
	for _, page := range extracted {
		// Page maps are keyed by object number; keep a stable order.
		objs := make([]int, 0, len(page))
		for nr := range page {
			objs = append(objs, nr)
		}
		sort.Ints(objs)
		for _, nr := range objs {
			data, err := io.ReadAll(page[nr])
			if err != nil {
				return nil, fmt.Errorf("could not read image %d of %s: %w", nr, path, err)
			}
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				log.Debug("camera: undecodable image %d in %s: %v", nr, path, err)
				continue
			}
			images = append(images, img)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}
	return images, nil
}
