package core

import (
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/pools"
	"go.uber.org/zap"
)

type engineStats struct {
	accepted     atomic.Uint64
	rejected     atomic.Uint64
	active       atomic.Int64
	requests     atomic.Uint64
	badRequests  atomic.Uint64
	idleClosed   atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Active       int64  `json:"active"`
	Requests     uint64 `json:"requests"`
	BadRequests  uint64 `json:"bad_requests"`
	IdleClosed   uint64 `json:"idle_closed"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`

	Workers pools.WorkerPoolStats `json:"workers"`
	Buffers pools.BytePoolStats   `json:"buffers"`
	GC      pools.GCStats         `json:"gc"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:     e.stats.accepted.Load(),
		Rejected:     e.stats.rejected.Load(),
		Active:       e.stats.active.Load(),
		Requests:     e.stats.requests.Load(),
		BadRequests:  e.stats.badRequests.Load(),
		IdleClosed:   e.stats.idleClosed.Load(),
		BytesRead:    e.stats.bytesRead.Load(),
		BytesWritten: e.stats.bytesWritten.Load(),
		Workers:      e.workerPool.Stats(),
		Buffers:      e.bytePool.Stats(),
		GC:           pools.GetGCStats(),
	}
}

// StatsJSON returns Stats as indented JSON.
func (e *Engine) StatsJSON() ([]byte, error) {
	return json.MarshalIndent(e.Stats(), "", "  ")
}

// StatsHandler replies with StatsJSON.
func (e *Engine) StatsHandler(r *http.Request) {
	if err := r.JSON(http.StatusOK, e.Stats()); err != nil {
		r.Logger().Debug("stats reply", zap.Error(err))
	}
}
