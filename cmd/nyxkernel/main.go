// Command nyxkernel wires together the memory, capability, timekeeping,
// per-CPU, PCI, observability, SLO, and secure-boot subsystems in boot
// order. It mirrors the teacher's cmd/chentry's small, log.Fatal-on-
// unrecoverable-error main() shape (chentry.go), generalized from a
// one-shot ELF-patching tool to the kernel's own startup sequence.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nyxkernel/nyxcore/internal/arch"
	"github.com/nyxkernel/nyxcore/internal/captable"
	"github.com/nyxkernel/nyxcore/internal/interrupts"
	"github.com/nyxkernel/nyxcore/internal/kheap"
	"github.com/nyxkernel/nyxcore/internal/memory"
	"github.com/nyxkernel/nyxcore/internal/observability"
	"github.com/nyxkernel/nyxcore/internal/pcibus"
	"github.com/nyxkernel/nyxcore/internal/percpu"
	"github.com/nyxkernel/nyxcore/internal/secureboot"
	"github.com/nyxkernel/nyxcore/internal/timekeep"
	"github.com/nyxkernel/nyxcore/internal/vm"
)

// bootConfig holds the boot-time parameters a bootloader would otherwise
// pass via a boot_info struct. A plain struct plus the stdlib flag
// package is this codebase's one ambient concern left on the standard
// library (see SPEC_FULL.md's AMBIENT STACK section for why: no pack
// library models a boot-parameter struct better than flag.FlagSet does).
type bootConfig struct {
	heapBase   uint64
	heapSize   uint64
	logLevel   string
	enableTPM  bool
}

func parseBootConfig() bootConfig {
	var cfg bootConfig
	flag.Uint64Var(&cfg.heapBase, "heap-base", 0xffff_c000_0000_0000, "kernel heap virtual base address")
	flag.Uint64Var(&cfg.heapSize, "heap-size", 16*1024*1024, "kernel heap size in bytes")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level: trace,debug,info,warn,error")
	flag.BoolVar(&cfg.enableTPM, "enable-tpm", true, "TPM probing during measured boot (not read: no TPM driver is wired in)")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseBootConfig()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.logLevel); err == nil {
		log.SetLevel(lvl)
	}

	recorder := observability.NewFlightRecorder(observability.DefaultFlightRecorderConfig())
	tracepoints := observability.NewTracepointRegistry(recorder)
	mustRegisterTracepoint(log, tracepoints, "boot.stage", observability.SubsystemObservability)

	crash := observability.NewCrashHandler(recorder)
	watchdogs := observability.NewWatchdogRegistry(recorder, crash)

	log.WithField("subsystem", "arch").Info("detecting CPU features")
	features := arch.DetectFeatures()
	log.WithFields(logrus.Fields{
		"subsystem": "arch",
		"sse4_2":    features.HasSSE42,
		"avx2":      features.HasAVX2,
		"rdrand":    features.HasRDRAND,
	}).Info("cpu features detected")

	log.WithField("subsystem", "memory").Info("bringing up frame allocator")
	fa := memory.NewFrameAllocator([]memory.Region{
		{Start: 0, End: 256 << 20, Usable: true},
	})
	table := memory.NewSimTable()
	mapper := memory.NewMapper(table, 0)

	log.WithFields(logrus.Fields{
		"subsystem": "kheap",
		"base":      cfg.heapBase,
		"size":      cfg.heapSize,
	}).Info("initializing kernel heap")
	heap := &kheap.Heap{}
	if err := heap.Init(mapper, fa, uintptr(cfg.heapBase), uintptr(cfg.heapSize)); err != nil {
		log.WithError(err).Fatal("kernel heap init failed")
	}

	log.WithField("subsystem", "percpu").Info("bringing up BSP")
	cpus := percpu.NewTable(0, 0, 0)
	bsp := cpus.CPU(0)

	log.WithField("subsystem", "interrupts").Info("installing descriptor table")
	idt := interrupts.NewTable(
		func() { bsp.AddInterrupt() },
		func() { bsp.AddPageFault(); bsp.AddInterrupt() },
		func() { log.Fatal("double fault") },
		func() { bsp.AddKernelTicks(1); bsp.AddInterrupt() },
		func() { bsp.AddInterrupt() },
	)
	interrupts.RemapPIC(0x20, 0x28)

	log.WithField("subsystem", "vm").Info("creating kernel address space")
	addrSpace := vm.NewAddressSpace(0)
	_ = addrSpace

	log.WithField("subsystem", "captable").Info("initializing capability system")
	caps := captable.NewSystem()
	_ = caps

	log.WithField("subsystem", "timekeep").Info("seeding system clock")
	clock := timekeep.NewClock()
	_ = clock

	log.WithField("subsystem", "pci").Info("enumerating PCI bus")
	watchdogs.Arm(observability.SubsystemPCI, 5*time.Second, observability.WatchdogRestart, time.Now())
	pciMgr := pcibus.NewManager(pcibus.PortAccessor{}, pcibus.RealMmio{})
	pciMgr.EnumerateDevices()
	watchdogs.Kick(observability.SubsystemPCI, time.Now())
	watchdogs.Disarm(observability.SubsystemPCI)
	log.WithFields(logrus.Fields{
		"subsystem": "pci",
		"devices":   len(pciMgr.Devices()),
	}).Info("pci enumeration complete")

	log.WithField("subsystem", "interrupts").Info("local APIC online, routing EOI to APIC")
	idt.SetAPICReady()
	if err := idt.Dispatch(interrupts.VectorTimer); err != nil {
		log.WithError(err).Error("timer dispatch failed")
	}

	log.WithField("subsystem", "secureboot").Info("recording boot attempt")
	var tpm secureboot.TPM
	boot := secureboot.NewManager(tpm)
	boot.RecordBootAttempt()

	recorder.Record(observability.ObservabilityEvent{Kind: observability.EventBootMeasurement})
	tracepoints.Fire("boot.stage", uint64(time.Now().UnixNano()), []uint64{uint64(len(pciMgr.Devices()))}, nil)

	for _, pending := range watchdogs.DrainRestartRequests() {
		log.WithFields(logrus.Fields{
			"subsystem": pending.Subsystem.String(),
			"reason":    pending.Reason,
		}).Warn("watchdog requested restart")
	}

	log.WithField("recorded_events", recorder.Len()).Info("boot sequence complete")
}

func mustRegisterTracepoint(log *logrus.Logger, reg *observability.TracepointRegistry, name string, subsystem observability.Subsystem) {
	if _, err := reg.Register(name, subsystem); err != nil {
		log.WithError(err).WithField("tracepoint", name).Error("failed to register tracepoint")
		os.Exit(1)
	}
	if err := reg.Enable(name); err != nil {
		log.WithError(err).WithField("tracepoint", name).Error("failed to enable tracepoint")
		os.Exit(1)
	}
}
