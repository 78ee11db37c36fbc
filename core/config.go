// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/gobuffalo/envy"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Configuration defines a global engine configuration setting
type Configuration struct {
	Time     TimeConfiguration
	Renderer RendererConfiguration
	Assets   AssetConfiguration
	Log      LogConfiguration
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int
}

// RendererConfiguration is used to configure the renderer
type RendererConfiguration struct {
	// FramesInFlight is the number of frames the GPU may lag behind.
	FramesInFlight int
	// RecordThreads is the number of goroutines recording draw commands.
	RecordThreads int
	// FenceTimeout bounds waits on frame and upload fences.
	FenceTimeout time.Duration

	// HostMemory and DeviceMemory cap allocations in bytes, 0 is unlimited.
	HostMemory   int64
	DeviceMemory int64
}

// AssetConfiguration locates the assets to load
type AssetConfiguration struct {
	Directory string
	Archive   string
	Watch     bool
	Workers   int
}

// LogConfiguration sets up logging
type LogConfiguration struct {
	Level log.Level
}

// DefaultConfiguration returns the configuration used when nothing is set.
func DefaultConfiguration() Configuration {
	return Configuration{
		Time: TimeConfiguration{
			FramesPerSecond: 60,
		},
		Renderer: RendererConfiguration{
			FramesInFlight: 2,
			RecordThreads:  2,
			FenceTimeout:   100 * time.Second,
		},
		Assets: AssetConfiguration{
			Directory: "./res",
			Workers:   4,
		},
		Log: LogConfiguration{
			Level: log.InfoLevel,
		},
	}
}

// LoadConfiguration reads the given dotenv files, those that exist, into the
// environment and builds the configuration from the KORU_* variables.
func LoadConfiguration(files ...string) (Configuration, error) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return Configuration{}, fmt.Errorf("load environment: %w", err)
		}
	}
	envy.Reload()

	cfg := DefaultConfiguration()
	var err error
	if cfg.Time.FramesPerSecond, err = intVar("KORU_FPS", cfg.Time.FramesPerSecond); err != nil {
		return cfg, err
	}
	if cfg.Renderer.FramesInFlight, err = intVar("KORU_FRAMES_IN_FLIGHT", cfg.Renderer.FramesInFlight); err != nil {
		return cfg, err
	}
	if cfg.Renderer.RecordThreads, err = intVar("KORU_RECORD_THREADS", cfg.Renderer.RecordThreads); err != nil {
		return cfg, err
	}
	if cfg.Renderer.FenceTimeout, err = durationVar("KORU_FENCE_TIMEOUT", cfg.Renderer.FenceTimeout); err != nil {
		return cfg, err
	}
	if cfg.Renderer.HostMemory, err = sizeVar("KORU_HOST_MEMORY"); err != nil {
		return cfg, err
	}
	if cfg.Renderer.DeviceMemory, err = sizeVar("KORU_DEVICE_MEMORY"); err != nil {
		return cfg, err
	}

	cfg.Assets.Directory = envy.Get("KORU_ASSET_DIR", cfg.Assets.Directory)
	cfg.Assets.Archive = envy.Get("KORU_ASSET_ARCHIVE", "")
	if cfg.Assets.Watch, err = strconv.ParseBool(envy.Get("KORU_ASSET_WATCH", "false")); err != nil {
		return cfg, fmt.Errorf("KORU_ASSET_WATCH: %w", err)
	}
	if cfg.Assets.Workers, err = intVar("KORU_ASSET_WORKERS", cfg.Assets.Workers); err != nil {
		return cfg, err
	}

	if cfg.Log.Level, err = log.ParseLevel(envy.Get("KORU_LOG_LEVEL", cfg.Log.Level.String())); err != nil {
		return cfg, fmt.Errorf("KORU_LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func intVar(key string, def int) (int, error) {
	v, err := strconv.Atoi(envy.Get(key, strconv.Itoa(def)))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	v, err := time.ParseDuration(envy.Get(key, def.String()))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// sizeVar parses human readable sizes such as "512MiB" or "2g".
func sizeVar(key string) (int64, error) {
	s := envy.Get(key, "")
	if s == "" {
		return 0, nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
