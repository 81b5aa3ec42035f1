package runner

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

const (
	screenshotsDir = "screenshots"
	annotatedDir   = "annotated"
	boxThickness   = 2
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// artifactWriter saves every observed frame, raw and with the detected
// element boxes drawn on it, under <root>/<run id>/. Write failures are
// logged and never end a run.
type artifactWriter struct {
	dir    string
	frame  int
	ready  bool
	logger *zap.Logger
}

func newArtifactWriter(root, runID string, logger *zap.Logger) *artifactWriter {
	return &artifactWriter{dir: filepath.Join(root, runID), logger: logger}
}

func (w *artifactWriter) write(img schemas.Image, elements []schemas.UIElement) {
	if len(img.Data) == 0 {
		return
	}
	if !w.ready {
		for _, sub := range []string{screenshotsDir, annotatedDir} {
			if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
				w.logger.Warn("Could not create artifact directory", zap.String("dir", w.dir), zap.Error(err))
				return
			}
		}
		w.ready = true
	}
	w.frame++
	name := fmt.Sprintf("frame_%04d", w.frame)

	raw := filepath.Join(w.dir, screenshotsDir, name+extensionFor(img.MIMEType))
	if err := os.WriteFile(raw, img.Data, 0o644); err != nil {
		w.logger.Warn("Could not save screenshot", zap.String("path", raw), zap.Error(err))
	}

	annotated := filepath.Join(w.dir, annotatedDir, name+".png")
	if err := writeAnnotated(annotated, img.Data, elements); err != nil {
		w.logger.Warn("Could not save annotated frame", zap.String("path", annotated), zap.Error(err))
	}
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// writeAnnotated draws an outline around every element and saves the result
// as a PNG.
func writeAnnotated(path string, data []byte, elements []schemas.UIElement) error {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	rgba := annotate(src, elements)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, rgba); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func annotate(src image.Image, elements []schemas.UIElement) *image.RGBA {
	rgba := image.NewRGBA(src.Bounds())
	draw.Draw(rgba, rgba.Bounds(), src, src.Bounds().Min, draw.Src)
	for _, e := range elements {
		r := image.Rect(e.X, e.Y, e.X+e.Width, e.Y+e.Height).Intersect(rgba.Bounds())
		if r.Dx() <= 1 || r.Dy() <= 1 {
			continue
		}
		strokeRect(rgba, r, boxColor, boxThickness)
	}
	return rgba
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	fill := &image.Uniform{C: c}
	for i := 0; i < thickness; i++ {
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1), fill, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-1-i, r.Max.X, r.Max.Y-i), fill, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y), fill, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Max.X-1-i, r.Min.Y, r.Max.X-i, r.Max.Y), fill, image.Point{}, draw.Src)
	}
}
