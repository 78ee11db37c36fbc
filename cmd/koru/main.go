// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command koru runs the engine headless on the software device: it loads
// the configured assets, places every mesh in a world and renders it until
// interrupted or until the run duration elapses.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"

	units "github.com/docker/go-units"
	"github.com/gobuffalo/packr"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/asset"
	"github.com/devblok/koru/v2/core"
	"github.com/devblok/koru/v2/core/renderer"
	"github.com/devblok/koru/v2/gfx/soft"
	"github.com/devblok/koru/v2/loader"
	"github.com/devblok/koru/v2/staging"
)

var (
	envFile   = flag.String("env", ".env", "dotenv file with KORU_* settings")
	duration  = flag.Duration("d", 0, "stop after this long, 0 runs until interrupted")
	heightmap = flag.String("terrain", "textures/heightmap.png", "heightmap asset, empty for no terrain")
	quads     = flag.Int("quads", loader.DefaultQuads, "terrain grid size")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.WithError(err).Fatal("koru stopped")
	}
}

func run() error {
	cfg, err := core.LoadConfiguration(*envFile)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.Log.Level)
	logger := log.StandardLogger()

	var deviceOptions []soft.Option
	if cfg.Renderer.HostMemory > 0 {
		deviceOptions = append(deviceOptions, soft.WithHostBudget(uint64(cfg.Renderer.HostMemory)))
	}
	if cfg.Renderer.DeviceMemory > 0 {
		deviceOptions = append(deviceOptions, soft.WithDeviceBudget(uint64(cfg.Renderer.DeviceMemory)))
	}
	device := soft.NewDevice(append(deviceOptions, soft.WithLogger(logger))...)
	engine := core.NewContext(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	source, closer, err := openAssets(cfg.Assets)
	if err != nil {
		return err
	}
	defer closer.Close()

	uploader, err := staging.NewUploader(device,
		staging.WithTimeout(cfg.Renderer.FenceTimeout),
		staging.WithLogger(logger))
	if err != nil {
		return err
	}
	defer uploader.Close()

	manager := loader.NewManager(engine.Cache, source, device, uploader,
		loader.WithWorkers(cfg.Assets.Workers),
		loader.WithManagerLogger(logger))

	w, err := populate(ctx, manager, source, logger)
	if err != nil {
		return err
	}
	defer w.close()

	r, err := renderer.New(device, renderer.Configuration{
		FramesInFlight: cfg.Renderer.FramesInFlight,
		Threads:        cfg.Renderer.RecordThreads,
		FenceTimeout:   cfg.Renderer.FenceTimeout,
	}, renderer.WithLogger(logger))
	if err != nil {
		return err
	}

	sched := core.NewScheduler(w.snapshot, func(s *scene) error {
		if s == nil {
			return nil
		}
		err := r.Render(s)
		r.Defer(s.release)
		return err
	}, core.WithSchedulerLogger(logger))

	systems := core.NewStage(w.spin)
	if cfg.Assets.Watch {
		if dir, ok := watchable(source); ok {
			watcher, err := asset.NewWatcher(dir, asset.WithWatcherLogger(logger))
			if err != nil {
				return err
			}
			defer watcher.Close()
			go manager.Watch(ctx, watcher)
			systems = systems.With(w.reload)
		}
	}
	sched.AddStage(systems)

	clock := core.NewTime(cfg.Time)
	defer clock.Stop()
	err = core.Run(ctx, core.NewController(engine), sched, clock)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	// The scene built during the last iteration was never rendered.
	if s := sched.Current(); s != nil {
		s.release()
	}
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	report(device, engine)
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openAssets stacks the asset directory over the archive, with the assets
// bundled into the binary as the last resort.
func openAssets(cfg core.AssetConfiguration) (asset.Overlay, io.Closer, error) {
	var (
		sources asset.Overlay
		closer  io.Closer = nopCloser{}
	)
	if cfg.Directory != "" {
		if info, err := os.Stat(cfg.Directory); err == nil && info.IsDir() {
			sources = append(sources, asset.Dir(cfg.Directory))
		}
	}
	if cfg.Archive != "" {
		ar, err := asset.OpenArchive(cfg.Archive)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, ar)
		closer = ar
	}
	sources = append(sources, asset.Box(packr.NewBox("./res")))
	return sources, closer, nil
}

func watchable(source asset.Overlay) (*asset.DirSource, bool) {
	for _, s := range source {
		if dir, ok := s.(*asset.DirSource); ok {
			return dir, true
		}
	}
	return nil, false
}

// populate preloads every known asset and places each mesh in the world.
func populate(ctx context.Context, manager *loader.Manager, source asset.Source, logger log.FieldLogger) (*world, error) {
	names, err := source.Names()
	if err != nil {
		return nil, err
	}
	var preload, meshes []string
	for _, name := range names {
		switch loader.KindOf(name) {
		case loader.KindMesh:
			meshes = append(meshes, name)
			preload = append(preload, name)
		case loader.KindTexture:
			preload = append(preload, name)
		}
	}

	bundle, err := manager.Preload(ctx, preload...)
	if err != nil {
		return nil, err
	}
	defer bundle.Release()

	w := &world{manager: manager, log: logger.WithField("component", "world")}
	for i, name := range meshes {
		mesh, err := manager.Mesh(name)
		if err != nil {
			w.close()
			return nil, err
		}
		w.add(name, mesh, float32(i)*2)
	}
	if *heightmap != "" && source.Has(*heightmap) {
		if w.terrain, err = manager.Terrain(*heightmap, *quads); err != nil {
			w.close()
			return nil, err
		}
	}
	logger.WithFields(log.Fields{
		"assets":  len(preload),
		"meshes":  len(meshes),
		"terrain": w.terrain != nil,
	}).Info("world populated")
	return w, nil
}

func report(device *soft.Device, engine *core.Context) {
	stats := device.Stats()
	host, local := device.Usage()
	engine.Log.WithFields(log.Fields{
		"submissions": stats.Submissions,
		"draws":       stats.Draws,
		"vertices":    stats.Vertices,
		"copied":      units.BytesSize(float64(stats.BytesCopied)),
		"host":        units.BytesSize(float64(host)),
		"device":      units.BytesSize(float64(local)),
		"pruned":      engine.Cache.Prune(),
	}).Info("shutdown")
}
