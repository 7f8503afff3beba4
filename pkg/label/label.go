// Package label renders printable shelf labels: a barcode image above the
// product name, in a one-page PDF.
package label

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
)

const (
	barcodeWidth   = 600
	barcodeHeight  = 200
	captionMM      = 10.0
	pdfPointsPerMM = 2.8346
)

// Label is what gets printed.
type Label struct {
	Name    string
	Barcode string
}

// ValidEAN13 reports whether s is 13 digits with a correct check digit.
func ValidEAN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 12; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	last := s[12]
	if last < '0' || last > '9' {
		return false
	}
	return (10-sum%10)%10 == int(last-'0')
}

// Symbology returns EAN-13 for valid EAN-13 values and Code 128 otherwise.
func Symbology(barcode string) gozxing.BarcodeFormat {
	if ValidEAN13(barcode) {
		return gozxing.BarcodeFormat_EAN_13
	}
	return gozxing.BarcodeFormat_CODE_128
}

// Image encodes the barcode of l.
func Image(l Label) (image.Image, error) {
	value := strings.TrimSpace(l.Barcode)
	if value == "" {
		return nil, fmt.Errorf("label for %q has no barcode", l.Name)
	}
	var encoder gozxing.Writer
	format := Symbology(value)
	if format == gozxing.BarcodeFormat_EAN_13 {
		encoder = oned.NewEAN13Writer()
	} else {
		encoder = oned.NewCode128Writer()
	}
	img, err := encoder.Encode(value, format, barcodeWidth, barcodeHeight, nil)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s as %s: %w", value, format, err)
	}
	return img, nil
}

// Write renders l as a PDF into w.
func Write(w io.Writer, l Label) error {
	img, err := Image(l)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return fmt.Errorf("jpeg encoding failed: %w", err)
	}

	widthMM := float64(img.Bounds().Dx()) / pdfPointsPerMM
	heightMM := float64(img.Bounds().Dy()) / pdfPointsPerMM
	pageSize := gofpdf.SizeType{Wd: widthMM, Ht: heightMM + captionMM}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "mm",
		Size:    pageSize,
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPageFormat("P", pageSize)

	options := gofpdf.ImageOptions{ImageType: "JPEG", ReadDpi: true}
	pdf.RegisterImageOptionsReader("barcode.jpg", options, buf)
	pdf.ImageOptions("barcode.jpg", 0, 0, widthMM, heightMM, false, options, 0, "")

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Helvetica", "", 12)
	pdf.SetXY(0, heightMM)
	pdf.CellFormat(widthMM, captionMM, tr(l.Name), "", 0, "C", false, 0, "")

	return pdf.Output(w)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// WriteFile writes the label PDF into dir and returns its path.
func WriteFile(dir string, l Label) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create label directory %s: %w", dir, err)
	}
	name := unsafeChars.ReplaceAllString(strings.TrimSpace(l.Barcode), "_")
	path := filepath.Join(dir, "label_"+name+".pdf")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if err := Write(f, l); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write label %s: %w", path, err)
	}
	return path, f.Close()
}
