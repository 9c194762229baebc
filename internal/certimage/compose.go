// Package certimage renders certificate images from a template and layout.
// Composition is deterministic: the same template, name, code, and layout
// always produce byte-identical PNG output.
package certimage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"math"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/opentype"
)

// ErrTemplateUnreadable is returned when the template bytes cannot be decoded
// as a supported image format.
var ErrTemplateUnreadable = errors.New("certificate template is not a readable image")

// ErrInvalidLayout is returned for non-finite or out-of-canvas layout
// parameters. Invalid layouts are rejected outright, never clamped.
var ErrInvalidLayout = errors.New("invalid certificate layout")

// The code line is always drawn in a fixed monospace style.
const codeFontSize = 30

// Layout positions the two text lines in template-pixel coordinates. The
// caller is responsible for rescaling any UI-relative coordinates to the
// template's native dimensions before composing.
type Layout struct {
	NameX        float64
	NameY        float64
	CodeX        float64
	CodeY        float64
	NameFontSize float64
}

var (
	fontOnce sync.Once
	fontErr  error
	boldFont *opentype.Font
	monoFont *opentype.Font
)

func loadFonts() (*opentype.Font, *opentype.Font, error) {
	fontOnce.Do(func() {
		boldFont, fontErr = opentype.Parse(gobold.TTF)
		if fontErr != nil {
			return
		}
		monoFont, fontErr = opentype.Parse(gomonobold.TTF)
	})
	return boldFont, monoFont, fontErr
}

func newFace(f *opentype.Font, size float64) (font.Face, error) {
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// DecodeTemplate decodes template bytes into an image, accepting PNG or JPEG.
func DecodeTemplate(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateUnreadable, err)
	}
	return img, nil
}

// ValidateLayout checks a layout against the template's canvas. It is called
// by Compose and again at upload time, so an out-of-canvas layout is rejected
// when the organizer submits it instead of failing every later claim.
func ValidateLayout(l Layout, bounds image.Rectangle) error {
	width := float64(bounds.Dx())
	height := float64(bounds.Dy())
	coords := []struct {
		name string
		v    float64
		max  float64
	}{
		{"name_x", l.NameX, width},
		{"name_y", l.NameY, height},
		{"code_x", l.CodeX, width},
		{"code_y", l.CodeY, height},
	}
	for _, c := range coords {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidLayout, c.name)
		}
		if c.v < 0 || c.v > c.max {
			return fmt.Errorf("%w: %s=%v outside canvas [0,%v]", ErrInvalidLayout, c.name, c.v, c.max)
		}
	}
	if math.IsNaN(l.NameFontSize) || math.IsInf(l.NameFontSize, 0) || l.NameFontSize <= 0 {
		return fmt.Errorf("%w: name_font_size must be a positive finite number", ErrInvalidLayout)
	}
	if l.NameFontSize > height {
		return fmt.Errorf("%w: name_font_size=%v exceeds canvas height", ErrInvalidLayout, l.NameFontSize)
	}
	return nil
}

// Compose draws the display name and certificate code onto the template and
// returns the result as PNG bytes. The name is uppercased, centered
// horizontally at NameX and top-aligned at NameY in bold at NameFontSize;
// the code is drawn as "ID: {code}" centered at (CodeX, CodeY) in bold
// monospace. The template image is never mutated.
func Compose(template image.Image, displayName, code string, layout Layout) ([]byte, error) {
	if template == nil {
		return nil, ErrTemplateUnreadable
	}
	if err := ValidateLayout(layout, template.Bounds()); err != nil {
		return nil, err
	}

	bold, mono, err := loadFonts()
	if err != nil {
		return nil, fmt.Errorf("load fonts: %w", err)
	}
	nameFace, err := newFace(bold, layout.NameFontSize)
	if err != nil {
		return nil, fmt.Errorf("name face: %w", err)
	}
	codeFace, err := newFace(mono, codeFontSize)
	if err != nil {
		return nil, fmt.Errorf("code face: %w", err)
	}

	// NewContextForImage copies the template into a fresh RGBA canvas, so the
	// caller's image stays untouched.
	dc := gg.NewContextForImage(template)
	dc.SetRGB(0, 0, 0)

	// ay=1 places the text just below the anchor point, i.e. top-aligned.
	dc.SetFontFace(nameFace)
	dc.DrawStringAnchored(strings.ToUpper(displayName), layout.NameX, layout.NameY, 0.5, 1)

	dc.SetFontFace(codeFace)
	dc.DrawStringAnchored("ID: "+code, layout.CodeX, layout.CodeY, 0.5, 1)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	return buf.Bytes(), nil
}
