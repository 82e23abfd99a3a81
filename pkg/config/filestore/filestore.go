// Package filestore keeps a configuration document in a YAML file.
package filestore

import (
	"fmt"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/juno-kyojin/testcase-app/pkg/config/configstore"
)

var (
	_ configstore.ConfigStore = (*FileStore)(nil)
	_ configstore.Watcher     = (*FileStore)(nil)
)

type FileStore struct {
	Path string
}

func New(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read %s: %w", f.Path, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}

	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

// Save writes the document atomically: a temp file then a rename, so a
// crash never leaves a half-written config. Mode 0600 because the
// document may carry credentials.
func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal YAML: %w", err)
	}

	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("Save: failed to replace %s: %w", f.Path, err)
	}
	return nil
}

// Watch invokes onChange every time the file is rewritten. The watch
// runs until the process exits.
func (f *FileStore) Watch(onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.Path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.Path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watcher error on %s: %v", f.Path, err)
			}
		}
	}()
	return nil
}
