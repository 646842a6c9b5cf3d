// Package profiling serves pprof and runtime statistics to operators.
//
// The routes expose goroutine stacks and heap contents. Mount them only
// behind authentication that admits administrators.
package profiling

import (
	"net/http"
	"net/http/pprof"
	"runtime"

	"github.com/go-chi/chi/v5"

	"github.com/fieldops/layoutd/internal/web/response"
)

// Config holds profiling configuration
type Config struct {
	// Path is the URL prefix of the pprof routes
	Path string
	// BlockRate sets the block profiling rate; zero leaves it off
	BlockRate int
	// MutexFraction sets the mutex profiling fraction; zero leaves it off
	MutexFraction int
	// Gauges adds service specific numbers to the stats endpoint
	Gauges func() map[string]int
}

// DefaultConfig returns default profiling configuration
func DefaultConfig() Config {
	return Config{Path: "/debug/pprof"}
}

// RegisterRoutes mounts pprof under config.Path and the runtime statistics
// under config.Path + "/stats"
func RegisterRoutes(router chi.Router, config Config) {
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}
	if config.BlockRate > 0 {
		runtime.SetBlockProfileRate(config.BlockRate)
	}
	if config.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(config.MutexFraction)
	}

	router.Route(config.Path, func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			r.Handle("/"+name, pprof.Handler(name))
		}
		r.Get("/stats", StatsHandler(config.Gauges))
	})
}

// Stats is a snapshot of the runtime
type Stats struct {
	Goroutines int            `json:"goroutines"`
	Memory     MemoryStats    `json:"memory"`
	NumCPU     int            `json:"numCpu"`
	Gauges     map[string]int `json:"gauges,omitempty"`
}

// MemoryStats is the subset of runtime.MemStats worth watching
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGc"`
}

// RuntimeStats returns current runtime statistics
func RuntimeStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Stats{
		Goroutines: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		NumCPU: runtime.NumCPU(),
	}
}

// StatsHandler serves RuntimeStats as JSON. gauges may be nil.
func StatsHandler(gauges func() map[string]int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := RuntimeStats()
		if gauges != nil {
			stats.Gauges = gauges()
		}
		response.RenderJSON(w, http.StatusOK, stats)
	}
}
