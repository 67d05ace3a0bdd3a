package handlers

import (
	"time"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/service"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	MediaSources  int               `json:"media_sources"`
	Memory        MemoryInfo        `json:"memory"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// MemoryInfo contains system memory information.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	UsedPercent       float64 `json:"used_percent"`
}

// TimeRange is a buffered range in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SourceBufferResponse describes one source buffer.
type SourceBufferResponse struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Mode           string      `json:"mode"`
	Updating       bool        `json:"updating"`
	Errored        bool        `json:"errored"`
	Active         bool        `json:"active"`
	HasInitSegment bool        `json:"has_init_segment"`
	StorageBytes   int64       `json:"storage_bytes"`
	Buffered       []TimeRange `json:"buffered"`
}

// OutputResponse describes one drained output.
type OutputResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Samples int    `json:"samples"`
	Bytes   int64  `json:"bytes"`
	EOS     bool   `json:"eos"`
}

// MediaSourceResponse describes one media source.
type MediaSourceResponse struct {
	ID            string                 `json:"id"`
	CreatedAt     time.Time              `json:"created_at"`
	ReadyState    string                 `json:"ready_state"`
	Duration      *float64               `json:"duration,omitempty" doc:"Duration in seconds, absent while unknown"`
	Position      float64                `json:"position"`
	PlaybackState string                 `json:"playback_state"`
	Buffered      []TimeRange            `json:"buffered"`
	SourceBuffers []SourceBufferResponse `json:"source_buffers"`
	Outputs       []OutputResponse       `json:"outputs"`
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}

func rangesResponse(rs []media.Range) []TimeRange {
	out := make([]TimeRange, 0, len(rs))
	for _, r := range rs {
		out = append(out, TimeRange{Start: seconds(r.Start), End: seconds(r.End)})
	}
	return out
}

func sourceBufferResponse(sb *mse.SourceBuffer) SourceBufferResponse {
	return SourceBufferResponse{
		ID:             sb.ID(),
		Type:           sb.ContentType().String(),
		Mode:           sb.Mode().String(),
		Updating:       sb.Updating(),
		Errored:        sb.Errored(),
		Active:         sb.Active(),
		HasInitSegment: sb.HasInitSegment(),
		StorageBytes:   sb.StorageSize(),
		Buffered:       rangesResponse(sb.Buffered()),
	}
}

func mediaSourceResponse(sess *service.Session) MediaSourceResponse {
	ms := sess.MediaSource()
	resp := MediaSourceResponse{
		ID:            sess.ID(),
		CreatedAt:     sess.Created().UTC(),
		ReadyState:    ms.ReadyState().String(),
		Position:      seconds(sess.Src().Position()),
		PlaybackState: sess.Src().ReadyState().String(),
		Buffered:      rangesResponse(ms.Buffered()),
		SourceBuffers: []SourceBufferResponse{},
		Outputs:       []OutputResponse{},
	}
	if d := ms.Duration(); media.IsValid(d) {
		secs := seconds(d)
		resp.Duration = &secs
	}
	for _, sb := range sess.SourceBuffers() {
		resp.SourceBuffers = append(resp.SourceBuffers, sourceBufferResponse(sb))
	}
	for _, o := range sess.Outputs() {
		resp.Outputs = append(resp.Outputs, OutputResponse{
			ID:      o.ID,
			Type:    o.Type.String(),
			Samples: o.Samples,
			Bytes:   o.Bytes,
			EOS:     o.EOS,
		})
	}
	return resp
}
