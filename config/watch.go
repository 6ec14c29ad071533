// Copyright 2016 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package config

import (
	"context"
	"path/filepath"

	"github.com/maruel/thermalview/vlog"
	fsnotify "gopkg.in/fsnotify.v1"
)

// Watch reloads path each time it is written and calls apply with the new
// configuration. It returns when ctx is done.
//
// The parent directory is watched so editors replacing the file are noticed.
// A file that fails to load or validate is logged and ignored.
func Watch(ctx context.Context, path string, log *vlog.Logger, apply func(*Config)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err = <-watcher.Errors:
			return err
		case e := <-watcher.Events:
			if filepath.Clean(e.Name) != path || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err == nil {
				err = Validate(cfg)
			}
			if err != nil {
				log.Printf(0, "config: ignoring %s: %s", path, err)
				continue
			}
			log.Printf(1, "config: reloaded %s", path)
			apply(cfg)
		}
	}
}
