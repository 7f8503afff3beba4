package label

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/config"
	"shelfscan/pkg/decoder"
)

func TestValidEAN13(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"8851019301235", true},
		{"4006381333931", true},
		{"8851019301234", false}, // wrong check digit
		{"885101930123", false},
		{"88510193012A5", false},
		{"SHELF-00042", false},
	}
	for _, tc := range cases {
		if got := ValidEAN13(tc.in); got != tc.want {
			t.Errorf("ValidEAN13(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSymbology(t *testing.T) {
	if f := Symbology("8851019301235"); f != gozxing.BarcodeFormat_EAN_13 {
		t.Errorf("valid EAN-13 got %v", f)
	}
	for _, v := range []string{"8851019301234", "SHELF-00042"} {
		if f := Symbology(v); f != gozxing.BarcodeFormat_CODE_128 {
			t.Errorf("%s got %v, want Code 128", v, f)
		}
	}
}

func TestWriteProducesPDF(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Label{Name: "Jasmine Rice 5kg", Barcode: "8851019301235"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Errorf("output is not a PDF")
	}
	if err := Write(&buf, Label{Name: "nothing"}); err == nil {
		t.Errorf("label without barcode accepted")
	}
}

// A printed label, replayed through the disk camera, scans back to its value.
func TestLabelScansBack(t *testing.T) {
	cases := []struct {
		barcode string
		format  decoder.Format
	}{
		{"8851019301235", decoder.EAN13},
		{"SHELF-00042", decoder.Code128},
	}
	for _, tc := range cases {
		t.Run(tc.barcode, func(t *testing.T) {
			dir := t.TempDir()
			if _, err := WriteFile(dir, Label{Name: "Test product", Barcode: tc.barcode}); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			cfg := config.Default()
			cfg.CameraType = config.CamDisk
			cfg.FramesPath = dir
			cfg.SettleDelay = 0
			cam := camera.NewDisk(cfg)
			ctx := context.Background()
			sink, err := cam.Acquire(ctx, camera.ConstraintsFromConfig(cfg))
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			defer cam.Release(ctx)

			got := make(chan decoder.Detection, 1)
			engine := decoder.NewZXingEngine(decoder.PolicyFromConfig(cfg))
			if err := engine.Start(ctx, sink, func(d decoder.Detection) { got <- d }, func(error) {}); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer engine.Stop()

			select {
			case d := <-got:
				if d.Value != tc.barcode || d.Format != tc.format {
					t.Errorf("scanned %s (%s), want %s (%s)", d.Value, d.Format, tc.barcode, tc.format)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("label %s was not scanned back", tc.barcode)
			}
		})
	}
}
