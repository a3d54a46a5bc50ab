package replaystore

import (
	"expvar"
	"fmt"
	"time"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}

// StoreMetrics holds all expvar variables for a Store.
type StoreMetrics struct {
	PublishedGlobally bool

	BootstrapTotal       *expvar.Int
	SetTotal             *expvar.Int
	SetErrorsTotal       *expvar.Int
	InvalidRecordsTotal  *expvar.Int
	GetReplayTotal       *expvar.Int
	GetReplayErrorsTotal *expvar.Int
	UnavailableTotal     *expvar.Int

	CacheHits       *expvar.Int
	CacheMisses     *expvar.Int
	CacheStaleTotal *expvar.Int

	SetLatencyHist       *expvar.Map
	GetReplayLatencyHist *expvar.Map

	// Engine holds the backend specific variables, if the backend has any.
	Engine *expvar.Map
}

// NewStoreMetrics creates the metrics of one Store. With publishGlobally the
// variables are registered in the process wide expvar namespace under prefix;
// publishing twice with the same prefix reuses and resets the variables.
func NewStoreMetrics(publishGlobally bool, prefix string) *StoreMetrics {
	newIntFunc := func(_ string) *expvar.Int { return new(expvar.Int) }
	newMapFunc := func(_ string) *expvar.Map {
		m := new(expvar.Map)
		m.Init()
		return m
	}
	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	}

	sm := &StoreMetrics{
		PublishedGlobally:    publishGlobally,
		BootstrapTotal:       newIntFunc(prefix + "bootstrap_total"),
		SetTotal:             newIntFunc(prefix + "set_total"),
		SetErrorsTotal:       newIntFunc(prefix + "set_errors_total"),
		InvalidRecordsTotal:  newIntFunc(prefix + "invalid_records_total"),
		GetReplayTotal:       newIntFunc(prefix + "get_replay_total"),
		GetReplayErrorsTotal: newIntFunc(prefix + "get_replay_errors_total"),
		UnavailableTotal:     newIntFunc(prefix + "storage_unavailable_total"),

		CacheHits:       newIntFunc(prefix + "cache_hits"),
		CacheMisses:     newIntFunc(prefix + "cache_misses"),
		CacheStaleTotal: newIntFunc(prefix + "cache_stale_total"),

		SetLatencyHist:       newMapFunc(prefix + "set_latency_seconds"),
		GetReplayLatencyHist: newMapFunc(prefix + "get_replay_latency_seconds"),
		Engine:               newMapFunc(prefix + "engine"),
	}

	for _, m := range []*expvar.Map{sm.SetLatencyHist, sm.GetReplayLatencyHist} {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(bucketName(b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	return sm
}

func bucketName(b float64) string {
	return fmt.Sprintf("le_%.4f", b)
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, d time.Duration) {
	if histMap == nil {
		return
	}
	seconds := d.Seconds()
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(seconds)
	}
	// Buckets are cumulative.
	for _, b := range latencyBuckets {
		if seconds <= b {
			if bucketInt, ok := histMap.Get(bucketName(b)).(*expvar.Int); ok {
				bucketInt.Add(1)
			}
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

// publishExpvarInt returns the published Int called name, creating it if
// needed. An existing variable is reset. A variable of another type panics.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap is publishExpvarInt for maps. The caller re-sets the
// members, which resets them.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
