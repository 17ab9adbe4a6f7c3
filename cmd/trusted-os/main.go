// Command trusted-os is a host-runnable harness for the kernel core:
// the flash file system, the MPU region schedule, the context manager,
// and the syscall dispatcher that ties them together. It is not the
// on-target firmware image (there is no vendor/board layer here to boot
// real hardware) — it exists so integration tests and local development
// can drive the kernel against an in-memory or file-backed flash image
// without cross-compiling for the target.
package main

import (
	"flag"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/config"
	"github.com/anssi-fr/flashkernel/internal/context"
	"github.com/anssi-fr/flashkernel/internal/flash/memdevice"
	"github.com/anssi-fr/flashkernel/internal/fs"
	"github.com/anssi-fr/flashkernel/internal/metrics"
	"github.com/anssi-fr/flashkernel/internal/mpu"
	"github.com/anssi-fr/flashkernel/internal/pathname"
	"github.com/anssi-fr/flashkernel/internal/syscall"
)

var (
	fsImage     = flag.String("fs-image", "", "Path to a flash image file to boot the file system from; missing or unset means start from virgin flash.")
	fsImageOut  = flag.String("fs-image-out", "", "Path to persist the flash image to on exit; defaults to -fs-image.")
	configPath  = flag.String("config", "", "Path to a YAML memory-map overlay; unset means the default memory map.")
	metricsAddr = flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090).")
	installerID = flag.Uint("installer-id", 1, "Context id permitted to write the package list and capability records.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			klog.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	sched, err := cfg.ToMap().Build()
	if err != nil {
		klog.Fatalf("building memory map: %v", err)
	}

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))
		go func() {
			klog.Infof("serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	sectors := cfg.Sectors
	if len(sectors) == 0 {
		sectors = []int{64 * 1024, 64 * 1024, 64 * 1024, 64 * 1024}
	}
	defragSector := cfg.DefragSector

	dev, err := memdevice.NewFromImage(*fsImage, sectors)
	if err != nil {
		klog.Fatalf("loading flash image %q: %v", *fsImage, err)
	}
	out := *fsImageOut
	if out == "" {
		out = *fsImage
	}
	if out != "" {
		defer func() {
			if err := dev.SaveImage(out); err != nil {
				klog.Errorf("saving flash image %q: %v", out, err)
			}
		}()
	}

	sectorIndices := make([]int, len(sectors))
	for i := range sectorIndices {
		sectorIndices[i] = i
	}
	filesys, err := fs.New(dev, sectorIndices, defragSector, metricsReg)
	if err != nil {
		klog.Fatalf("constructing file system: %v", err)
	}
	if err := filesys.Init(); err != nil {
		klog.Fatalf("initializing file system: %v", err)
	}
	defer filesys.Drop()

	ctxMgr := context.NewManager(sched, mpu.MaxHardwareRegions, metricsReg)

	dispatcher, err := syscall.New(filesys, ctxMgr, sched, metricsReg, pathname.InstallerContextID(*installerID))
	if err != nil {
		klog.Fatalf("constructing syscall dispatcher: %v", err)
	}

	klog.Infof("trusted-os kernel core ready: %d sectors, memory map %s", len(sectors), cfg.String())

	// There is no real trap mechanism on the host to drive a dispatch
	// loop from: on target, an unprivileged context's svc instruction is
	// what calls into Dispatcher.Dispatch. The harness's job ends once
	// the kernel singleton is constructed and reachable; exercising the
	// dispatcher from here is left to integration tests that import the
	// internal packages directly. When metrics are requested we stay up
	// to serve them; otherwise we're done.
	_ = dispatcher
	if *metricsAddr == "" {
		return
	}
	select {}
}
