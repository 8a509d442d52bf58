package main

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// Profiler is a profiling session toggled by SIGUSR2. Each profile is written to its
// own file under dataDir when the session stops.
type Profiler struct {
	dataDir  string
	closers  []func()
	stopOnce sync.Once
}

// StartProfiler starts cpu, trace, heap, mutex and block profiling.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}

	p.start("cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	})
	p.start("trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	})
	p.start("heap", func(f *os.File) (func(), error) {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() {
			_ = pprof.Lookup("heap").WriteTo(f, 0)
			runtime.MemProfileRate = old
		}, nil
	})
	p.start("mutex", func(f *os.File) (func(), error) {
		runtime.SetMutexProfileFraction(1)
		return func() {
			_ = pprof.Lookup("mutex").WriteTo(f, 0)
			runtime.SetMutexProfileFraction(0)
		}, nil
	})
	p.start("block", func(f *os.File) (func(), error) {
		runtime.SetBlockProfileRate(1)
		return func() {
			_ = pprof.Lookup("block").WriteTo(f, 0)
			runtime.SetBlockProfileRate(0)
		}, nil
	})

	return p
}

func (p *Profiler) start(kind string, fn func(f *os.File) (func(), error)) {
	name := dumpFileName(p.dataDir, kind, "pprof")
	f, err := os.Create(name)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, name, err)
		return
	}
	stop, err := fn(f)
	if err != nil {
		f.Close()
		glog.Errorf("pprof: could not start %s profile: %v", kind, err)
		return
	}
	glog.Infof("pprof: %s profiling enabled, %s", kind, name)
	p.closers = append(p.closers, func() {
		stop()
		f.Close()
		glog.Infof("pprof: %s profiling disabled, %s", kind, name)
	})
}

// Stop stops all profiles and flushes unwritten data.
func (p *Profiler) Stop() {
	p.stopOnce.Do(func() {
		for _, closer := range p.closers {
			closer()
		}
	})
}

func dumpGoroutines(dataDir string) {
	name := dumpFileName(dataDir, "goroutines", "dump")
	glog.Infof("Got dump goroutine signal, dumping goroutine profile to %s", name)
	f, err := os.Create(name)
	if err != nil {
		glog.Errorf("Failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("Failed to write goroutine profile to %s, error: %v", name, err)
	}
}

func dumpFileName(dataDir, kind, ext string) string {
	return path.Join(dataDir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}
