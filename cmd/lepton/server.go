// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/maruel/thermalview/pipeline"
	"golang.org/x/net/websocket"
)

//go:embed static
var static embed.FS

func read(name string) []byte {
	content, err := static.ReadFile("static/" + name)
	if err != nil {
		panic(err)
	}
	return content
}

// still is a rendered frame.
type still struct {
	img     *image.RGBA
	summary string
}

// metadata is sent after each image on the websocket.
type metadata struct {
	Summary string
	Stats   pipeline.Stats
}

// webServer serves the latest frames. It implements pipeline.Sink.
type webServer struct {
	p *pipeline.Pipeline

	cond   *sync.Cond
	frames [9 * 10]still // 10 seconds worth of frames.
	last   int           // Index of the most recent frame.
	seq    int           // Number of frames received.
	closed bool
}

func newWebServer() *webServer {
	return &webServer{
		cond: sync.NewCond(&sync.Mutex{}),
		last: -1,
	}
}

// Frame implements pipeline.Sink.
func (s *webServer) Frame(img *image.RGBA, summary string) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.last = (s.last + 1) % len(s.frames)
	s.frames[s.last] = still{img: img, summary: summary}
	s.seq++
	s.cond.Broadcast()
}

func (s *webServer) start(ctx context.Context, port int, p *pipeline.Pipeline) error {
	s.p = p
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.root)
	mux.HandleFunc("/favicon.ico", s.still)
	mux.HandleFunc("/still.png", s.still)
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/ffc", s.ffc)
	mux.Handle("/stream", websocket.Handler(s.stream))
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	fmt.Printf("Listening on %d\n", port)
	srv := &http.Server{Handler: loggingHandler{mux}}
	go srv.Serve(ln)
	go func() {
		<-ctx.Done()
		srv.Close()
		s.cond.L.Lock()
		s.closed = true
		s.cond.L.Unlock()
		s.cond.Broadcast()
	}()
	return nil
}

func (s *webServer) latest() still {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if s.last < 0 {
		return still{}
	}
	return s.frames[s.last]
}

func (s *webServer) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write(read("root.html")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *webServer) still(w http.ResponseWriter, r *http.Request) {
	f := s.latest()
	if f.img == nil {
		http.Error(w, "No frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	if err := png.Encode(w, f.img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *webServer) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.p.Stats()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *webServer) ffc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.p.RunFFC(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream sends the frames as websocket messages.
//
// Each frame is sent as "I" followed by the base64 encoded PNG, then "M"
// followed by the JSON encoded metadata. Frames produced while the client is
// slow are skipped.
func (s *webServer) stream(w *websocket.Conn) {
	log.Printf("websocket from %s", w.Request().RemoteAddr)
	defer w.Close()
	buf := &bytes.Buffer{}
	seen := 0
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for {
		for !s.closed && seen == s.seq {
			s.cond.Wait()
		}
		if s.closed {
			return
		}
		seen = s.seq
		f := s.frames[s.last]
		s.cond.L.Unlock()
		// Do the actual I/O without the lock.
		err := s.send(w, buf, f)
		s.cond.L.Lock()
		// To break out of the loop, the lock must be held.
		if err != nil {
			log.Printf("websocket err: %s", err)
			return
		}
	}
}

func (s *webServer) send(w *websocket.Conn, buf *bytes.Buffer, f still) error {
	// Frame I is for Image.
	buf.Reset()
	buf.WriteByte('I')
	encoder := base64.NewEncoder(base64.StdEncoding, buf)
	if err := png.Encode(encoder, f.img); err != nil {
		return err
	}
	encoder.Close()
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	// Frame M is for Metadata.
	buf.Reset()
	buf.WriteByte('M')
	if err := json.NewEncoder(buf).Encode(&metadata{Summary: f.summary, Stats: s.p.Stats()}); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Private details.

type loggingHandler struct {
	handler http.Handler
}

type loggingResponseWriter struct {
	http.ResponseWriter
	length int
	status int
}

func (l *loggingResponseWriter) Write(data []byte) (size int, err error) {
	size, err = l.ResponseWriter.Write(data)
	l.length += size
	return
}

func (l *loggingResponseWriter) WriteHeader(status int) {
	l.ResponseWriter.WriteHeader(status)
	l.status = status
}

// Hijack is needed for websocket.
func (l *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := l.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}

// ServeHTTP logs each HTTP request.
func (l loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
	l.handler.ServeHTTP(lrw, r)
	log.Printf("%s - %3d %6db %4s %s\n", r.RemoteAddr, lrw.status, lrw.length, r.Method, r.RequestURI)
}
