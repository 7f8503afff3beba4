package camera

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shelfscan/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CameraTimeout = 200 * time.Millisecond
	cfg.SettleDelay = 10 * time.Millisecond
	return cfg
}

func TestCoreAcquireRelease(t *testing.T) {
	cam := NewCore(testConfig())
	ctx := context.Background()

	sink, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig()))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !cam.Active() {
		t.Fatalf("camera should be active after acquire")
	}
	if got := sink.Settings(); got.Width != 1920 || got.Height != 1080 || got.FPS != 30 {
		t.Errorf("expected ideal settings, got %s", got)
	}
	if _, err := sink.Snapshot(); err != nil {
		t.Errorf("a ready sink has a frame, got %v", err)
	}

	if err := cam.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case <-sink.Done():
	default:
		t.Errorf("sink should be done after release")
	}
	if _, err := sink.Snapshot(); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	cam := NewCore(testConfig())
	ctx := context.Background()

	if err := cam.Release(ctx); err != nil {
		t.Fatalf("release without acquire: %v", err)
	}
	if _, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig())); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := cam.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	once := cam.Stats()
	if err := cam.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if cam.Active() || cam.Stats() != once {
		t.Errorf("second release changed state: %+v -> %+v", once, cam.Stats())
	}
}

func TestReleaseWaitsSettleDelay(t *testing.T) {
	cfg := testConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	cam := NewCore(cfg)
	ctx := context.Background()
	if _, err := cam.Acquire(ctx, ConstraintsFromConfig(cfg)); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	if err := cam.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.SettleDelay {
		t.Errorf("release returned after %s, before the %s settle delay", elapsed, cfg.SettleDelay)
	}
}

func TestAcquireFailures(t *testing.T) {
	denied := errors.New("permission denied")
	tests := []struct {
		name  string
		setup func(*Core)
	}{
		{"permission denied", func(c *Core) { c.Deny(denied) }},
		{"never ready", func(c *Core) { c.SetReadyDelay(-1) }},
		{"no matching mode", func(c *Core) { c.SetMaxResolution(640, 480) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := NewCore(testConfig())
			tt.setup(cam)
			_, err := cam.Acquire(context.Background(), ConstraintsFromConfig(testConfig()))
			if !errors.Is(err, ErrCameraUnavailable) {
				t.Fatalf("expected ErrCameraUnavailable, got %v", err)
			}
			if cam.Active() {
				t.Errorf("failed acquisition left the camera active")
			}

			// The device claim is given back, so a fixed device works again.
			cam.Deny(nil)
			cam.SetReadyDelay(0)
			cam.SetMaxResolution(4096, 4096)
			if _, err := cam.Acquire(context.Background(), ConstraintsFromConfig(testConfig())); err != nil {
				t.Fatalf("acquire after failure: %v", err)
			}
			_ = cam.Release(context.Background())
		})
	}
}

func TestAcquireFallsBackToMinimum(t *testing.T) {
	cam := NewCore(testConfig())
	cam.SetMaxResolution(1280, 720)
	sink, err := cam.Acquire(context.Background(), ConstraintsFromConfig(testConfig()))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer cam.Release(context.Background())
	if s := sink.Settings(); s.Width != 1280 || s.FPS != 15 {
		t.Errorf("expected minimum settings, got %s", s)
	}
}

func TestAcquireWhileActive(t *testing.T) {
	cam := NewCore(testConfig())
	ctx := context.Background()
	if _, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig())); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer cam.Release(ctx)
	if _, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig())); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}
}

func TestAcquireCancelled(t *testing.T) {
	cam := NewCore(testConfig())
	cam.SetReadyDelay(-1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig())); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFeedDeliversFrames(t *testing.T) {
	cam := NewCore(testConfig())
	ctx := context.Background()
	sink, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig()))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer cam.Release(ctx)

	img := image.NewGray(image.Rect(0, 0, 10, 10))
	if err := cam.Feed(img); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	f, err := sink.Snapshot()
	if err != nil || f.Image != image.Image(img) {
		t.Fatalf("snapshot is not the fed frame: %v", err)
	}

	select {
	case got := <-sink.Frames():
		if got.Seq != f.Seq {
			t.Errorf("subscriber got seq %d, want newest %d", got.Seq, f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered")
	}
}

func TestFeedWithoutStream(t *testing.T) {
	cam := NewCore(testConfig())
	if err := cam.Feed(image.NewGray(image.Rect(0, 0, 1, 1))); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestDiskReplaysImages(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), image.NewGray(image.Rect(0, 0, 40, 30)))
	writePNG(t, filepath.Join(dir, "b.png"), image.NewGray(image.Rect(0, 0, 40, 30)))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.FramesPath = dir
	cam := NewDisk(cfg)
	sink, err := cam.Acquire(context.Background(), ConstraintsFromConfig(cfg))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer cam.Release(context.Background())

	if s := sink.Settings(); s.Width != 40 || s.Height != 30 {
		t.Errorf("settings should follow the recorded frames, got %s", s)
	}
}

func TestDiskEmptyDirectory(t *testing.T) {
	cfg := testConfig()
	cfg.FramesPath = t.TempDir()
	_, err := NewDisk(cfg).Acquire(context.Background(), ConstraintsFromConfig(cfg))
	if !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("expected ErrCameraUnavailable, got %v", err)
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	for _, tt := range []struct {
		camType config.CameraType
		name    string
	}{
		{config.CamCore, "Core"},
		{config.CamDisk, "Disk"},
		{config.CamPeripheral, "Peripherals"},
		{config.CamGStreamer, "GStreamer"},
	} {
		cfg := testConfig()
		cfg.CameraType = tt.camType
		src, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", tt.camType, err)
		}
		if src.Name() != tt.name {
			t.Errorf("New(%s).Name() = %s", tt.camType, src.Name())
		}
	}
	cfg := testConfig()
	cfg.CameraType = "Webcam"
	if _, err := New(cfg); err == nil {
		t.Errorf("expected an error for an unknown camera type")
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestUnpluggedStreamClosesSink(t *testing.T) {
	cam := NewCore(testConfig())
	ctx := context.Background()

	if err := cam.Unplug(errors.New("device unplugged")); !errors.Is(err, ErrReleased) {
		t.Errorf("unplug without stream = %v, want ErrReleased", err)
	}

	sink, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig()))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := cam.Unplug(errors.New("device unplugged")); err != nil {
		t.Fatalf("Unplug: %v", err)
	}
	select {
	case <-sink.Done():
	case <-time.After(time.Second):
		t.Fatalf("sink not closed after the driver stopped")
	}
	if _, err := sink.Snapshot(); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased from a dead stream, got %v", err)
	}
	if !cam.Active() {
		t.Errorf("camera stays acquired until released")
	}

	if err := cam.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := cam.Acquire(ctx, ConstraintsFromConfig(testConfig())); err != nil {
		t.Fatalf("reacquire after unplug: %v", err)
	}
	_ = cam.Release(ctx)
}
