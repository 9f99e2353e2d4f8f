package core

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Capturer keeps a recent chamber snapshot per device.
type Capturer struct {
	repo    Repository
	camera  Camera
	dir     string
	removed *tombstones
	logger  *slog.Logger
}

func newCapturer(repo Repository, camera Camera, dir string, removed *tombstones, logger *slog.Logger) *Capturer {
	return &Capturer{
		repo:    repo,
		camera:  camera,
		dir:     dir,
		removed: removed,
		logger:  logger.With("component", "capture"),
	}
}

// RunCapture stores a fresh frame as <md5>.jpg and points the device at it.
// Camera failures are logged and swallowed so the loop keeps its interval.
func (c *Capturer) RunCapture(ctx context.Context, deviceID int64) error {
	device, err := loadDevice(ctx, c.repo.Devices, c.removed, deviceID)
	if err != nil {
		return err
	}
	logger := c.logger.With("device_id", deviceID)

	img, err := c.camera.Capture(ctx, device.Options.Host, device.Options.AccessCode)
	if err != nil {
		logger.Warn("camera capture failed", "error", err)
		return nil
	}

	sum := md5.Sum(img)
	name := hex.EncodeToString(sum[:]) + ".jpg"

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create thumbnails directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, name), img, 0o644); err != nil {
		return fmt.Errorf("failed to write thumbnail: %w", err)
	}

	previous := device.Camera
	device.Camera = name
	if err := c.repo.Devices.Save(ctx, device); err != nil {
		return fmt.Errorf("failed to save thumbnail reference: %w", err)
	}

	if previous != "" && previous != name {
		err := os.Remove(filepath.Join(c.dir, filepath.Base(previous)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Debug("failed to remove old thumbnail", "file", previous, "error", err)
		}
	}
	return nil
}
