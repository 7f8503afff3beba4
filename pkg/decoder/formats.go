package decoder

import (
	"fmt"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
)

// Format is a barcode symbology.
type Format string

const (
	EAN13   Format = "ean_13"
	EAN8    Format = "ean_8"
	UPCA    Format = "upc_a"
	UPCE    Format = "upc_e"
	Code128 Format = "code_128"
	Code93  Format = "code_93"
	Code39  Format = "code_39"
	ITF     Format = "itf"
	Codabar Format = "codabar"
	QRCode  Format = "qr_code"
	Unknown Format = "unknown"
)

// DefaultFormats are the product barcode symbologies the scanner looks for.
var DefaultFormats = []Format{EAN13, EAN8, UPCA, UPCE, Code128, Code93, Code39, ITF, Codabar}

// ParseFormats parses a comma separated list such as "ean_13,code_128".
func ParseFormats(list string) ([]Format, error) {
	var formats []Format
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		f := Format(name)
		if _, ok := zxingFormats[f]; !ok {
			return nil, fmt.Errorf("unknown barcode format %q", name)
		}
		formats = append(formats, f)
	}
	return formats, nil
}

var zxingFormats = map[Format]gozxing.BarcodeFormat{
	EAN13:   gozxing.BarcodeFormat_EAN_13,
	EAN8:    gozxing.BarcodeFormat_EAN_8,
	UPCA:    gozxing.BarcodeFormat_UPC_A,
	UPCE:    gozxing.BarcodeFormat_UPC_E,
	Code128: gozxing.BarcodeFormat_CODE_128,
	Code93:  gozxing.BarcodeFormat_CODE_93,
	Code39:  gozxing.BarcodeFormat_CODE_39,
	ITF:     gozxing.BarcodeFormat_ITF,
	Codabar: gozxing.BarcodeFormat_CODABAR,
	QRCode:  gozxing.BarcodeFormat_QR_CODE,
}

// fromZXing maps a gozxing format back to a Format.
func fromZXing(bf gozxing.BarcodeFormat) Format {
	for f, z := range zxingFormats {
		if z == bf {
			return f
		}
	}
	return Unknown
}

// zbarTypes maps zbar symbol type names.
var zbarTypes = map[string]Format{
	"EAN-13":   EAN13,
	"EAN-8":    EAN8,
	"UPC-A":    UPCA,
	"UPC-E":    UPCE,
	"CODE-128": Code128,
	"CODE-93":  Code93,
	"CODE-39":  Code39,
	"I2/5":     ITF,
	"CODABAR":  Codabar,
	"QR-Code":  QRCode,
}

// oneDReader returns a dedicated gozxing reader for a 1D format.
func oneDReader(f Format) (gozxing.Reader, error) {
	switch f {
	case EAN13:
		return oned.NewEAN13Reader(), nil
	case EAN8:
		return oned.NewEAN8Reader(), nil
	case UPCA:
		return oned.NewUPCAReader(), nil
	case UPCE:
		return oned.NewUPCEReader(), nil
	case Code128:
		return oned.NewCode128Reader(), nil
	case Code93:
		return oned.NewCode93Reader(), nil
	case Code39:
		return oned.NewCode39Reader(), nil
	case ITF:
		return oned.NewITFReader(), nil
	case Codabar:
		return oned.NewCodaBarReader(), nil
	default:
		return nil, fmt.Errorf("no 1D reader for format %q", f)
	}
}

// oneDReaders returns one reader per 1D format in formats, in order. Formats
// without a 1D reader, such as QR codes, are left out.
func oneDReaders(formats []Format) []gozxing.Reader {
	readers := make([]gozxing.Reader, 0, len(formats))
	for _, f := range formats {
		if r, err := oneDReader(f); err == nil {
			readers = append(readers, r)
		}
	}
	return readers
}
