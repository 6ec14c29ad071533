// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maruel/thermalview/config"
	"github.com/maruel/thermalview/leptontest"
	"github.com/maruel/thermalview/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverlay(t *testing.T) {
	fs := flag.NewFlagSet("lepton", flag.ContinueOnError)
	f := flags{}
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"-mirror", "-lepton", "2", "-max", "31000", "-serial", "/dev/ttyUSB0"}))
	f.set = map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	cfg := config.Default()
	cfg.Palette = 1
	cfg.Lepton = 3
	f.overlay(cfg)
	assert.True(t, cfg.Mirror)
	assert.Equal(t, 2, cfg.Lepton)
	assert.Equal(t, config.Bound{Value: 31000}, cfg.Range.Max)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	// Not set on the command line.
	assert.Equal(t, 1, cfg.Palette)
	assert.True(t, cfg.Range.Min.Auto)
	require.NoError(t, config.Validate(cfg))
}

func TestWebServer(t *testing.T) {
	s := newWebServer()
	s.p = pipeline.New(leptontest.NewBus(), nil, s, nil, pipeline.DefaultSettings())

	w := httptest.NewRecorder()
	s.still(w, httptest.NewRequest("GET", "/still.png", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.Frame(image.NewRGBA(image.Rect(0, 0, 160, 120)), "30.0")
	w = httptest.NewRecorder()
	s.still(w, httptest.NewRequest("GET", "/still.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 160, 120), img.Bounds())

	w = httptest.NewRecorder()
	s.root(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/stream")

	w = httptest.NewRecorder()
	s.ffc(w, httptest.NewRequest("POST", "/ffc", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	s.stats(w, httptest.NewRequest("GET", "/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Frames":0`)
}
