// Package builtin registers the bundled container demuxers.
package builtin

import (
	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/demux/fmp4"
	"github.com/jmylchreest/msebuf/internal/demux/mpegts"
)

// Registry returns a registry holding the fragmented MP4 and MPEG-TS
// demuxers.
func Registry() *demux.Registry {
	r := demux.NewRegistry()
	r.Register(codec.ContainerFMP4, fmp4.New)
	r.Register(codec.ContainerMPEGTS, mpegts.New)
	return r
}
