// internal/camera/registry.go
package camera

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Config holds the capture and variant policy for one camera.
type Config struct {
	Airport               string   `json:"airport"`
	Index                 int      `json:"index"`
	SourceURL             string   `json:"source_url"`
	Heights               []int    `json:"heights"`
	Formats               []Format `json:"formats"`
	DefaultHeight         int      `json:"default_height"`
	MinWidth              int      `json:"min_width"`
	MinHeight             int      `json:"min_height"`
	MaxFrameAgeMinutes    int      `json:"max_frame_age_minutes"`
	AllowMissingTimestamp bool     `json:"allow_missing_timestamp"`
}

func (c Config) Key() Key { return Key{Airport: c.Airport, Index: c.Index} }

// MaxFrameAge returns the configured limit on how old a frame's embedded
// capture time may be relative to arrival. Zero means no limit.
func (c Config) MaxFrameAge() time.Duration {
	return time.Duration(c.MaxFrameAgeMinutes) * time.Minute
}

// Variants enumerates the (height, format) cross product this camera is
// configured to serve, excluding the original pseudo-height.
func (c Config) Variants() []Descriptor {
	out := make([]Descriptor, 0, len(c.Heights)*len(c.Formats))
	for _, h := range c.Heights {
		for _, f := range c.Formats {
			out = append(out, Descriptor{Height: h, Format: f})
		}
	}
	return out
}

type registryFile struct {
	Cameras []Config `json:"cameras"`
}

// Registry is the camera configuration table, loaded from a JSON file and
// reloadable in place when the configuration changes on disk.
type Registry struct {
	path string

	mu      sync.RWMutex
	cameras map[Key]Config
}

// LoadRegistry reads the camera configuration file at path.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the configuration file, replacing the table atomically.
// Readers holding a Config copy keep using it; only new lookups see the
// reloaded table.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read camera config: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse camera config: %w", err)
	}

	cameras := make(map[Key]Config, len(file.Cameras))
	for _, c := range file.Cameras {
		if c.Airport == "" {
			return fmt.Errorf("camera config entry missing airport id")
		}
		if len(c.Formats) == 0 {
			c.Formats = []Format{FormatJPEG}
		}
		if c.DefaultHeight == 0 && len(c.Heights) > 0 {
			c.DefaultHeight = c.Heights[0]
		}
		cameras[c.Key()] = c
	}

	r.mu.Lock()
	r.cameras = cameras
	r.mu.Unlock()
	return nil
}

// Lookup returns the configuration for key, or false when the camera is
// not configured.
func (r *Registry) Lookup(key Key) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cameras[key]
	return c, ok
}

// All returns a snapshot of every configured camera.
func (r *Registry) All() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.cameras))
	for _, c := range r.cameras {
		out = append(out, c)
	}
	return out
}
