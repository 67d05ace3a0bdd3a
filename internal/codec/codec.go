// Package codec provides a unified registry of the video, audio and text
// codecs the buffering engine can accept, keyed by canonical name, alias and
// RFC 6381 sample-entry code.
package codec

import "strings"

// Kind classifies a codec.
type Kind int

// Codec kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264 Video = "h264" // H.264/AVC
	VideoH265 Video = "h265" // H.265/HEVC
	VideoVP8  Video = "vp8"  // VP8
	VideoVP9  Video = "vp9"  // VP9 (fMP4 only)
	VideoAV1  Video = "av1"  // AV1 (fMP4 only)

	// Legacy codecs, recognised but not demuxable.
	VideoMPEG2  Video = "mpeg2"
	VideoMPEG4  Video = "mpeg4"
	VideoTheora Video = "theora"
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC    Audio = "aac"    // AAC
	AudioMP3    Audio = "mp3"    // MP3
	AudioAC3    Audio = "ac3"    // Dolby Digital (AC-3)
	AudioEAC3   Audio = "eac3"   // Dolby Digital Plus (E-AC-3)
	AudioOpus   Audio = "opus"   // Opus
	AudioVorbis Audio = "vorbis" // Vorbis
	AudioFLAC   Audio = "flac"   // FLAC
)

// Text represents a timed text codec.
type Text string

// Text codec constants.
const (
	TextWebVTT Text = "wvtt"
	TextTTML   Text = "stpp"
)

// Container represents a media container format.
type Container string

// Container format constants.
const (
	ContainerFMP4   Container = "fmp4"   // Fragmented MP4 (CMAF)
	ContainerMPEGTS Container = "mpegts" // MPEG Transport Stream
)

// String returns the string representation of the video codec.
func (v Video) String() string {
	return string(v)
}

// String returns the string representation of the audio codec.
func (a Audio) String() string {
	return string(a)
}

// String returns the string representation of the text codec.
func (t Text) String() string {
	return string(t)
}

// String returns the string representation of the container.
func (c Container) String() string {
	return string(c)
}

// info contains metadata about a codec.
type info struct {
	// Canonical name (h264, aac, wvtt, ...)
	Name string
	Kind Kind
	// All known aliases, including RFC 6381 sample entry codes
	Aliases []string
	// Containers the bundled demuxers can extract this codec from
	Containers []Container
	// Elementary stream media type reported in caps
	MimeType string
}

var (
	fmp4Only  = []Container{ContainerFMP4}
	fmp4AndTS = []Container{ContainerFMP4, ContainerMPEGTS}
)

// registry contains all codec definitions.
var registry = []*info{
	{Name: string(VideoH264), Kind: KindVideo, Aliases: []string{"h264", "avc", "avc1", "avc3", "h.264"}, Containers: fmp4AndTS, MimeType: "video/x-h264"},
	{Name: string(VideoH265), Kind: KindVideo, Aliases: []string{"h265", "hevc", "hev1", "hvc1", "h.265"}, Containers: fmp4AndTS, MimeType: "video/x-h265"},
	{Name: string(VideoVP8), Kind: KindVideo, Aliases: []string{"vp8", "vp08"}, MimeType: "video/x-vp8"},
	{Name: string(VideoVP9), Kind: KindVideo, Aliases: []string{"vp9", "vp09"}, Containers: fmp4Only, MimeType: "video/x-vp9"},
	{Name: string(VideoAV1), Kind: KindVideo, Aliases: []string{"av1", "av01"}, Containers: fmp4Only, MimeType: "video/x-av1"},
	{Name: string(VideoMPEG2), Kind: KindVideo, Aliases: []string{"mpeg2", "mp2v"}, MimeType: "video/mpeg"},
	{Name: string(VideoMPEG4), Kind: KindVideo, Aliases: []string{"mpeg4", "mp4v"}, MimeType: "video/mpeg"},
	{Name: string(VideoTheora), Kind: KindVideo, Aliases: []string{"theora"}, MimeType: "video/x-theora"},

	{Name: string(AudioAAC), Kind: KindAudio, Aliases: []string{"aac", "mp4a"}, Containers: fmp4AndTS, MimeType: "audio/mpeg"},
	{Name: string(AudioMP3), Kind: KindAudio, Aliases: []string{"mp3", ".mp3"}, Containers: fmp4AndTS, MimeType: "audio/mpeg"},
	{Name: string(AudioAC3), Kind: KindAudio, Aliases: []string{"ac3", "ac-3", "a52"}, Containers: fmp4AndTS, MimeType: "audio/x-ac3"},
	{Name: string(AudioEAC3), Kind: KindAudio, Aliases: []string{"eac3", "ec-3"}, Containers: fmp4AndTS, MimeType: "audio/x-eac3"},
	{Name: string(AudioOpus), Kind: KindAudio, Aliases: []string{"opus"}, Containers: fmp4AndTS, MimeType: "audio/x-opus"},
	{Name: string(AudioVorbis), Kind: KindAudio, Aliases: []string{"vorbis"}, MimeType: "audio/x-vorbis"},
	{Name: string(AudioFLAC), Kind: KindAudio, Aliases: []string{"flac", "fla"}, MimeType: "audio/x-flac"},

	{Name: string(TextWebVTT), Kind: KindText, Aliases: []string{"wvtt", "webvtt"}, MimeType: "application/x-subtitle-vtt"},
	{Name: string(TextTTML), Kind: KindText, Aliases: []string{"stpp", "ttml"}, MimeType: "application/ttml+xml"},
}

// aliasIndex maps all aliases to their codec.
var aliasIndex map[string]*info

func init() {
	aliasIndex = make(map[string]*info)
	for _, c := range registry {
		for _, alias := range c.Aliases {
			aliasIndex[strings.ToLower(alias)] = c
		}
	}
}

// Info is the public view of a registered codec.
type Info struct {
	Name     string
	Kind     Kind
	MimeType string
}

// ParseVideo parses a codec name or alias to a Video codec.
// Returns the canonical codec and whether the parse was successful.
func ParseVideo(s string) (Video, bool) {
	c, ok := lookup(s)
	if !ok || c.Kind != KindVideo {
		return "", false
	}
	return Video(c.Name), true
}

// ParseAudio parses a codec name or alias to an Audio codec.
// Returns the canonical codec and whether the parse was successful.
func ParseAudio(s string) (Audio, bool) {
	c, ok := lookup(s)
	if !ok || c.Kind != KindAudio {
		return "", false
	}
	return Audio(c.Name), true
}

// Lookup resolves a codec name, alias or RFC 6381 codec string such as
// "avc1.64001f" or "mp4a.40.2".
func Lookup(s string) (Info, bool) {
	c, ok := lookup(s)
	if !ok {
		return Info{}, false
	}
	return Info{Name: c.Name, Kind: c.Kind, MimeType: c.MimeType}, true
}

func lookup(s string) (*info, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, false
	}
	if c, ok := aliasIndex[s]; ok {
		return c, true
	}
	// Sample entry codes carry profile/level suffixes after the first dot.
	if i := strings.IndexByte(s, '.'); i > 0 {
		if c, ok := aliasIndex[s[:i]]; ok {
			return c, true
		}
	}
	return nil, false
}

// Normalize converts any codec string to its canonical name.
// Returns the input unchanged if not recognized.
func Normalize(name string) string {
	if c, ok := lookup(name); ok {
		return c.Name
	}
	return name
}

// SupportedIn reports whether the bundled demuxer for container can produce
// the given codec.
func SupportedIn(container Container, codecString string) bool {
	c, ok := lookup(codecString)
	if !ok {
		return false
	}
	for _, ct := range c.Containers {
		if ct == container {
			return true
		}
	}
	return false
}

// Match returns true if two codec strings refer to the same codec.
func Match(a, b string) bool {
	ca, okA := lookup(a)
	cb, okB := lookup(b)
	if !okA || !okB {
		return strings.EqualFold(a, b)
	}
	return ca == cb
}

// ValidCodecs returns every canonical codec name of the given kind.
func ValidCodecs(kind Kind) []string {
	var out []string
	for _, c := range registry {
		if c.Kind == kind {
			out = append(out, c.Name)
		}
	}
	return out
}
