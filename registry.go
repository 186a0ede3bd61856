// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"honnef.co/go/kpipe/gpu"
)

// KernelExt is the file extension LoadDir recognizes as kernel source.
const KernelExt = ".comp"

// Registry compiles and owns a set of named kernels. Kernels are
// addressed by logical name; for discovered files that is the base name
// without extension. Not safe for concurrent use.
type Registry struct {
	dev     gpu.Device
	log     *zap.Logger
	kernels map[string]*Kernel
}

func NewRegistry(dev gpu.Device, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		dev:     dev,
		log:     log,
		kernels: make(map[string]*Kernel),
	}
}

// Register compiles one kernel source and stores it under name. A name
// that is already taken is a configuration error; the registered kernel
// stays and the new one is rejected.
func (r *Registry) Register(name, path string, source []byte) (*Kernel, error) {
	if _, ok := r.kernels[name]; ok {
		return nil, fmt.Errorf("kernel name %q already registered, first registration wins", name)
	}
	k, err := CompileKernel(r.dev, name, path, source, r.log)
	if err != nil {
		return nil, err
	}
	r.kernels[name] = k
	return k, nil
}

// LoadDir walks root recursively and registers every kernel source file
// it finds. Per-file failures (unreadable source, duplicate names, failed
// compilation) are reported and skipped; only the directory walk itself
// can fail the call.
func (r *Registry) LoadDir(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != KernelExt {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), KernelExt)
		source, err := os.ReadFile(path)
		if err != nil {
			r.log.Error("cannot read kernel source",
				zap.String("path", path),
				zap.Error(err))
			return nil
		}
		if _, err := r.Register(name, path, source); err != nil {
			r.log.Error("cannot register kernel",
				zap.String("path", path),
				zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking kernel directory %q: %w", root, err)
	}
	return nil
}

// Kernel looks up a registered kernel by logical name.
func (r *Registry) Kernel(name string) (*Kernel, bool) {
	k, ok := r.kernels[name]
	return k, ok
}

// Names returns the registered kernel names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Release frees every registered kernel's GPU handles and empties the
// registry. Pipelines borrowing these kernels must be cleaned up first.
func (r *Registry) Release() {
	for _, k := range r.kernels {
		k.Release(r.dev)
	}
	r.kernels = make(map[string]*Kernel)
}

// Watcher reports changed kernel source files under a directory tree.
// Events delivers the path of every created or modified kernel file;
// deciding whether to recompile is the consumer's job.
type Watcher struct {
	Events <-chan string

	fsw  *fsnotify.Watcher
	done chan struct{}
	once sync.Once
}

// WatchDir watches root and its current subdirectories for kernel source
// changes. Subdirectories created later are picked up as well.
func WatchDir(root string, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching kernel directory %q: %w", root, err)
	}

	events := make(chan string)
	done := make(chan struct{})
	w := &Watcher{Events: events, fsw: fsw, done: done}
	go func() {
		defer close(events)
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						if err := fsw.Add(ev.Name); err != nil {
							log.Warn("cannot watch new directory",
								zap.String("path", ev.Name),
								zap.Error(err))
						}
						continue
					}
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if filepath.Ext(ev.Name) != KernelExt {
					continue
				}
				// The consumer may be gone; Close must still unblock us.
				select {
				case events <- ev.Name:
				case <-done:
					return
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn("kernel watcher error", zap.Error(err))
			}
		}
	}()
	return w, nil
}

// Close stops the watcher, discarding any undelivered event. The Events
// channel is closed afterwards.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.fsw.Close()
}
