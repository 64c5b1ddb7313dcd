/*
DESCRIPTION
  store.go provides Store, which persists the booth settings as a JSON
  key/value file and keeps an up to date Config for readers.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ausocean/utils/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
)

// To indicate package when logging.
const pkg = "config: "

// Store loads and saves settings from a JSON file. The most recently loaded
// Config is cached and may be read concurrently using Current.
type Store struct {
	path string
	log  logging.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewStore returns a new Store for the settings file at path. The cached
// Config holds defaults until Load is called.
func NewStore(path string, l logging.Logger) *Store {
	s := &Store{path: path, log: l}
	s.cfg = Config{Logger: l}
	s.cfg.Validate()
	return s
}

// Path returns the location of the settings file.
func (s *Store) Path() string { return s.path }

// Current returns a copy of the most recently loaded Config.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Load reads the settings file, validates the result and caches it. A missing
// settings file is not an error; defaults are used.
func (s *Store) Load() (Config, error) {
	vars, err := s.read()
	if err != nil {
		return s.Current(), err
	}

	c := Config{Logger: s.log}
	c.Update(vars)
	c.Validate()

	s.mu.Lock()
	s.cfg = c
	s.mu.Unlock()
	return c, nil
}

// Save merges vars into the settings file, atomically replacing it, and then
// reloads. Unknown keys are rejected.
func (s *Store) Save(vars map[string]string) error {
	for k := range vars {
		if typeOf(k) == "" {
			return fmt.Errorf("unknown setting: %s", k)
		}
	}

	cur, err := s.read()
	if err != nil {
		return err
	}
	for k, v := range vars {
		cur[k] = v
	}

	out := make(map[string]interface{}, len(cur))
	for k, v := range cur {
		if typeOf(k) != typeUint {
			out[k] = v
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("setting %s: expected unsigned int, got %q", k, v)
		}
		out[k] = n
	}

	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return fmt.Errorf("could not marshal settings: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(s.path), 0o755)
	if err != nil {
		return fmt.Errorf("could not create settings directory: %w", err)
	}

	err = renameio.WriteFile(s.path, data, 0o644)
	if err != nil {
		return fmt.Errorf("could not write settings: %w", err)
	}

	_, err = s.Load()
	return err
}

// Watch reloads the settings whenever the settings file is changed by another
// process. Watch blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("could not create settings directory: %w", err)
	}

	// The directory is watched rather than the file since atomic saves replace
	// the file.
	err = w.Add(dir)
	if err != nil {
		return fmt.Errorf("could not watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			_, err := s.Load()
			if err != nil {
				s.log.Warning(pkg+"could not reload settings", "error", err)
				continue
			}
			s.log.Info(pkg + "settings reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error(pkg+"watcher error", "error", err)
		}
	}
}

// read returns the settings file contents as strings keyed by name.
func (s *Store) read() (map[string]string, error) {
	vars := make(map[string]string)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return vars, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read settings: %w", err)
	}

	var raw map[string]interface{}
	err = json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal settings: %w", err)
	}

	for k, v := range raw {
		switch v := v.(type) {
		case string:
			vars[k] = v
		case float64:
			vars[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			vars[k] = strconv.FormatBool(v)
		case nil:
		default:
			vars[k] = fmt.Sprint(v)
		}
	}
	return vars, nil
}
