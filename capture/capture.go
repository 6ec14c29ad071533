// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package capture saves overheat snapshots and uploads them to S3.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/thermalview/vlog"
)

// Defaults used when the environment doesn't say otherwise.
const (
	DefaultBucket   = "deeplens-doorman-demo"
	DefaultDeviceID = "deeplens-01"
)

// Local file names, relative to the home directory.
const (
	ImageFile = ".doorman.png"
	MetaFile  = ".doorman.json"
)

// uploadTimeout bounds each upload.
const uploadTimeout = 2 * time.Minute

// Config is the snapshot destination.
type Config struct {
	Bucket   string
	DeviceID string
	Home     string // Directory where the local copies are written.
}

// ConfigFromEnv reads BUCKET_NAME, DEVICE_ID and HOME.
func ConfigFromEnv() Config {
	c := Config{
		Bucket:   os.Getenv("BUCKET_NAME"),
		DeviceID: os.Getenv("DEVICE_ID"),
		Home:     os.Getenv("HOME"),
	}
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID
	}
	if c.Home == "" {
		if usr, err := user.Current(); err == nil {
			c.Home = usr.HomeDir
		}
	}
	return c
}

// Record is the metadata uploaded next to the image.
type Record struct {
	UUID        string  `json:"uuid"` // Device ID.
	ID          string  `json:"id"`   // Unique per capture.
	Filename    string  `json:"filename"`
	Temperature float64 `json:"temperature"`
	Uploaded    bool    `json:"uploaded"`
}

// Exporter implements pipeline.Capturer.
type Exporter struct {
	cfg   Config
	cmd   CommandBuilder
	log   *vlog.Logger
	now   func() time.Time
	newID func() string
}

// New returns an Exporter. cmd defaults to ExecCommandBuilder.
func New(cfg Config, cmd CommandBuilder, log *vlog.Logger) *Exporter {
	if cmd == nil {
		cmd = ExecCommandBuilder{}
	}
	return &Exporter{cfg: cfg, cmd: cmd, log: log, now: time.Now, newID: uuid.NewString}
}

// Capture implements pipeline.Capturer. Failures are logged.
func (e *Exporter) Capture(img image.Image, maxCelsius float64) {
	r, err := e.Export(context.Background(), img, maxCelsius)
	if err != nil {
		e.log.Printf(0, "capture: %s", err)
		return
	}
	e.log.Printf(1, "capture: uploaded %s", r.Filename)
}

// Export saves img and its metadata locally then uploads both.
//
// The metadata is written and uploaded even if the image could not be.
func (e *Exporter) Export(ctx context.Context, img image.Image, maxCelsius float64) (*Record, error) {
	now := e.now().Unix()
	name := strconv.FormatInt(now, 10)
	r := &Record{
		UUID:        e.cfg.DeviceID,
		ID:          e.newID(),
		Filename:    name,
		Temperature: math.Round(maxCelsius*10) / 10,
	}
	var errs []error

	imgPath := filepath.Join(e.cfg.Home, ImageFile)
	if err := savePNG(imgPath, img); err != nil {
		errs = append(errs, err)
	} else if err := e.upload(ctx, imgPath, "thermal/"+name+".png"); err != nil {
		errs = append(errs, err)
	}

	metaPath := filepath.Join(e.cfg.Home, MetaFile)
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return nil, errors.Join(append(errs, fmt.Errorf("writing %s: %w", metaPath, err))...)
	}
	if err := e.upload(ctx, metaPath, "meta/"+name+".json"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Private details.

func (e *Exporter) upload(ctx context.Context, src, key string) error {
	dst := "s3://" + e.cfg.Bucket + "/" + key
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	e.log.Printf(2, "cmd: aws s3 cp %s %s --acl public-read", src, dst)
	out, err := e.cmd.BuildCommand(ctx, "aws", "s3", "cp", src, dst, "--acl", "public-read").Run()
	if err != nil {
		return fmt.Errorf("uploading %s: %w: %s", src, err, out)
	}
	return nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("saving image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}
