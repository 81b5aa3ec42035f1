package runner

import (
	"bytes"
	"context"
	"image"
	// Decoders for image.DecodeConfig.
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/calibration"
)

// pipeline implements schemas.Observer: capture a frame, detect its
// elements and, when a calibrator is set, map them onto screen pixels.
// Frames are saved when an artifact writer is set.
type pipeline struct {
	capturer   schemas.Capturer
	detector   schemas.Detector
	calibrator *calibration.Calibrator
	artifacts  *artifactWriter
	logger     *zap.Logger
}

var _ schemas.Observer = (*pipeline)(nil)

func (p *pipeline) Observe(ctx context.Context) ([]schemas.UIElement, error) {
	img, err := p.capturer.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schemas.WrapCollaborator("capture", err)
	}
	if img.Width <= 0 || img.Height <= 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data)); err == nil {
			img.Width, img.Height = cfg.Width, cfg.Height
		} else {
			p.logger.Debug("Could not read frame dimensions", zap.Error(err))
		}
	}

	elements, err := p.detector.Detect(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schemas.WrapCollaborator("detect", err)
	}
	p.logger.Debug("Frame observed",
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("elements", len(elements)),
	)

	if p.calibrator != nil {
		p.calibrator.Observe(img.Width, img.Height, elements)
		elements = p.calibrator.Scale(elements)
	}
	if p.artifacts != nil {
		p.artifacts.write(img, elements)
	}
	return elements, nil
}
