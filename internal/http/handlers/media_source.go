package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/msebuf/internal/mediatype"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/service"
)

// maxAppendBytes bounds the body of a single append request.
const maxAppendBytes = 64 << 20

// MediaSourceHandler exposes media sources and their source buffers.
type MediaSourceHandler struct {
	playback *service.PlaybackService
	logger   *slog.Logger
}

// NewMediaSourceHandler creates a new media source handler.
func NewMediaSourceHandler(playback *service.PlaybackService) *MediaSourceHandler {
	return &MediaSourceHandler{
		playback: playback,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *MediaSourceHandler) WithLogger(logger *slog.Logger) *MediaSourceHandler {
	h.logger = logger
	return h
}

// Register registers the media source routes with the API.
func (h *MediaSourceHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createMediaSource",
		Method:        "POST",
		Path:          "/api/v1/media-sources",
		Summary:       "Create media source",
		Description:   "Opens a media source attached to a draining output element",
		Tags:          []string{"Media Sources"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listMediaSources",
		Method:      "GET",
		Path:        "/api/v1/media-sources",
		Summary:     "List media sources",
		Tags:        []string{"Media Sources"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getMediaSource",
		Method:      "GET",
		Path:        "/api/v1/media-sources/{id}",
		Summary:     "Get media source",
		Description: "Returns the ready state, duration, buffered ranges and outputs of a media source",
		Tags:        []string{"Media Sources"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteMediaSource",
		Method:        "DELETE",
		Path:          "/api/v1/media-sources/{id}",
		Summary:       "Delete media source",
		Tags:          []string{"Media Sources"},
		DefaultStatus: 204,
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "endOfStream",
		Method:      "POST",
		Path:        "/api/v1/media-sources/{id}/end-of-stream",
		Summary:     "Signal end of stream",
		Tags:        []string{"Media Sources"},
	}, h.EndOfStream)

	huma.Register(api, huma.Operation{
		OperationID: "seekMediaSource",
		Method:      "POST",
		Path:        "/api/v1/media-sources/{id}/seek",
		Summary:     "Seek playback",
		Tags:        []string{"Media Sources"},
	}, h.Seek)

	huma.Register(api, huma.Operation{
		OperationID:   "addSourceBuffer",
		Method:        "POST",
		Path:          "/api/v1/media-sources/{id}/source-buffers",
		Summary:       "Add source buffer",
		Tags:          []string{"Source Buffers"},
		DefaultStatus: 201,
	}, h.AddSourceBuffer)

	huma.Register(api, huma.Operation{
		OperationID:   "removeSourceBuffer",
		Method:        "DELETE",
		Path:          "/api/v1/media-sources/{id}/source-buffers/{bufferId}",
		Summary:       "Remove source buffer",
		Tags:          []string{"Source Buffers"},
		DefaultStatus: 204,
	}, h.RemoveSourceBuffer)

	huma.Register(api, huma.Operation{
		OperationID:  "appendBuffer",
		Method:       "POST",
		Path:         "/api/v1/media-sources/{id}/source-buffers/{bufferId}/append",
		Summary:      "Append media data",
		Description:  "Appends a chunk of container data and waits for it to be parsed",
		Tags:         []string{"Source Buffers"},
		MaxBodyBytes: maxAppendBytes,
	}, h.Append)

	huma.Register(api, huma.Operation{
		OperationID: "abortSourceBuffer",
		Method:      "POST",
		Path:        "/api/v1/media-sources/{id}/source-buffers/{bufferId}/abort",
		Summary:     "Abort source buffer",
		Tags:        []string{"Source Buffers"},
	}, h.Abort)

	huma.Register(api, huma.Operation{
		OperationID: "isTypeSupported",
		Method:      "GET",
		Path:        "/api/v1/type-supported",
		Summary:     "Check type support",
		Description: "Reports whether a MIME type with codecs can be buffered",
		Tags:        []string{"Media Sources"},
	}, h.TypeSupported)
}

// MediaSourceIDInput identifies a media source.
type MediaSourceIDInput struct {
	ID string `path:"id" doc:"Media source ID"`
}

// CreateMediaSourceInput is the input for creating a media source.
type CreateMediaSourceInput struct{}

// MediaSourceOutput returns one media source.
type MediaSourceOutput struct {
	Body MediaSourceResponse
}

// ListMediaSourcesInput is the input for listing media sources.
type ListMediaSourcesInput struct{}

// ListMediaSourcesOutput returns every media source.
type ListMediaSourcesOutput struct {
	Body struct {
		MediaSources []MediaSourceResponse `json:"media_sources"`
	}
}

// DeleteMediaSourceOutput is empty.
type DeleteMediaSourceOutput struct{}

// EndOfStreamInput is the input for signalling end of stream.
type EndOfStreamInput struct {
	ID   string `path:"id" doc:"Media source ID"`
	Body struct {
		Error string `json:"error,omitempty" doc:"Optional playback error: network or decode"`
	} `required:"false"`
}

// SeekInput is the input for seeking.
type SeekInput struct {
	ID   string `path:"id" doc:"Media source ID"`
	Body struct {
		Position float64 `json:"position" minimum:"0" doc:"Target position in seconds"`
	}
}

// AddSourceBufferInput is the input for adding a source buffer.
type AddSourceBufferInput struct {
	ID   string `path:"id" doc:"Media source ID"`
	Body struct {
		Type string `json:"type" doc:"MIME type with codecs" example:"video/mp4; codecs=\"avc1.64001f\""`
	}
}

// SourceBufferIDInput identifies a source buffer.
type SourceBufferIDInput struct {
	ID       string `path:"id" doc:"Media source ID"`
	BufferID string `path:"bufferId" doc:"Source buffer ID"`
}

// SourceBufferOutput returns one source buffer.
type SourceBufferOutput struct {
	Body SourceBufferResponse
}

// RemoveSourceBufferOutput is empty.
type RemoveSourceBufferOutput struct{}

// AppendInput carries raw container bytes.
type AppendInput struct {
	ID       string `path:"id" doc:"Media source ID"`
	BufferID string `path:"bufferId" doc:"Source buffer ID"`
	RawBody  []byte `contentType:"application/octet-stream"`
}

// TypeSupportedInput is the input for the type support check.
type TypeSupportedInput struct {
	Type string `query:"type" required:"true" doc:"MIME type with codecs"`
}

// TypeSupportedOutput reports type support.
type TypeSupportedOutput struct {
	Body struct {
		Type      string `json:"type"`
		Supported bool   `json:"supported"`
		Essence   string `json:"essence,omitempty"`
	}
}

// Create opens a media source.
func (h *MediaSourceHandler) Create(ctx context.Context, input *CreateMediaSourceInput) (*MediaSourceOutput, error) {
	sess, err := h.playback.Create(ctx)
	if err != nil {
		return nil, h.mapError(ctx, "create media source", err)
	}
	return &MediaSourceOutput{Body: mediaSourceResponse(sess)}, nil
}

// List returns every media source.
func (h *MediaSourceHandler) List(ctx context.Context, input *ListMediaSourcesInput) (*ListMediaSourcesOutput, error) {
	out := &ListMediaSourcesOutput{}
	out.Body.MediaSources = []MediaSourceResponse{}
	for _, sess := range h.playback.List() {
		out.Body.MediaSources = append(out.Body.MediaSources, mediaSourceResponse(sess))
	}
	return out, nil
}

// Get returns one media source.
func (h *MediaSourceHandler) Get(ctx context.Context, input *MediaSourceIDInput) (*MediaSourceOutput, error) {
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "get media source", err)
	}
	return &MediaSourceOutput{Body: mediaSourceResponse(sess)}, nil
}

// Delete closes a media source.
func (h *MediaSourceHandler) Delete(ctx context.Context, input *MediaSourceIDInput) (*DeleteMediaSourceOutput, error) {
	if err := h.playback.Delete(ctx, input.ID); err != nil {
		return nil, h.mapError(ctx, "delete media source", err)
	}
	return &DeleteMediaSourceOutput{}, nil
}

// EndOfStream ends a media source.
func (h *MediaSourceHandler) EndOfStream(ctx context.Context, input *EndOfStreamInput) (*MediaSourceOutput, error) {
	kind, err := parseEndOfStreamError(input.Body.Error)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "end of stream", err)
	}
	if err := sess.EndOfStream(kind); err != nil {
		return nil, h.mapError(ctx, "end of stream", err)
	}
	return &MediaSourceOutput{Body: mediaSourceResponse(sess)}, nil
}

// Seek repositions playback.
func (h *MediaSourceHandler) Seek(ctx context.Context, input *SeekInput) (*MediaSourceOutput, error) {
	if input.Body.Position < 0 {
		return nil, huma.Error400BadRequest("position must not be negative")
	}
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "seek", err)
	}
	target := time.Duration(input.Body.Position * float64(time.Second))
	if err := sess.Seek(ctx, target); err != nil {
		return nil, h.mapError(ctx, "seek", err)
	}
	return &MediaSourceOutput{Body: mediaSourceResponse(sess)}, nil
}

// AddSourceBuffer creates a source buffer.
func (h *MediaSourceHandler) AddSourceBuffer(ctx context.Context, input *AddSourceBufferInput) (*SourceBufferOutput, error) {
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "add source buffer", err)
	}
	sb, err := sess.AddSourceBuffer(input.Body.Type)
	if err != nil {
		return nil, h.mapError(ctx, "add source buffer", err)
	}
	return &SourceBufferOutput{Body: sourceBufferResponse(sb)}, nil
}

// RemoveSourceBuffer removes a source buffer.
func (h *MediaSourceHandler) RemoveSourceBuffer(ctx context.Context, input *SourceBufferIDInput) (*RemoveSourceBufferOutput, error) {
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "remove source buffer", err)
	}
	if err := sess.RemoveSourceBuffer(input.BufferID); err != nil {
		return nil, h.mapError(ctx, "remove source buffer", err)
	}
	return &RemoveSourceBufferOutput{}, nil
}

// Append appends container bytes to a source buffer.
func (h *MediaSourceHandler) Append(ctx context.Context, input *AppendInput) (*SourceBufferOutput, error) {
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "append", err)
	}
	if err := sess.Append(ctx, input.BufferID, input.RawBody); err != nil {
		return nil, h.mapError(ctx, "append", err)
	}
	sb, err := sess.SourceBuffer(input.BufferID)
	if err != nil {
		return nil, h.mapError(ctx, "append", err)
	}
	return &SourceBufferOutput{Body: sourceBufferResponse(sb)}, nil
}

// Abort aborts the current segment of a source buffer.
func (h *MediaSourceHandler) Abort(ctx context.Context, input *SourceBufferIDInput) (*SourceBufferOutput, error) {
	sess, err := h.playback.Get(input.ID)
	if err != nil {
		return nil, h.mapError(ctx, "abort", err)
	}
	if err := sess.Abort(input.BufferID); err != nil {
		return nil, h.mapError(ctx, "abort", err)
	}
	sb, err := sess.SourceBuffer(input.BufferID)
	if err != nil {
		return nil, h.mapError(ctx, "abort", err)
	}
	return &SourceBufferOutput{Body: sourceBufferResponse(sb)}, nil
}

// TypeSupported reports whether a MIME type can be buffered.
func (h *MediaSourceHandler) TypeSupported(ctx context.Context, input *TypeSupportedInput) (*TypeSupportedOutput, error) {
	out := &TypeSupportedOutput{}
	out.Body.Type = input.Type
	out.Body.Supported = mediatype.IsTypeSupported(input.Type)
	if mt, err := mediatype.Parse(input.Type); err == nil {
		out.Body.Essence = mt.Essence()
	}
	return out, nil
}

func parseEndOfStreamError(s string) (mse.EndOfStreamError, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return mse.EndOfStreamNone, nil
	case "network":
		return mse.EndOfStreamNetwork, nil
	case "decode":
		return mse.EndOfStreamDecode, nil
	default:
		return mse.EndOfStreamNone, fmt.Errorf("unknown end of stream error %q", s)
	}
}

// mapError converts service and media source errors to API errors.
func (h *MediaSourceHandler) mapError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrSourceBufferNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, service.ErrAppendFailed):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return huma.Error503ServiceUnavailable(op + " interrupted")
	}

	switch mse.KindOf(err) {
	case mse.KindType:
		return huma.Error400BadRequest(err.Error())
	case mse.KindNotSupported:
		return huma.NewError(415, err.Error())
	case mse.KindInvalidState:
		return huma.Error409Conflict(err.Error())
	case mse.KindQuotaExceeded:
		return huma.NewError(413, err.Error())
	case mse.KindNotFound:
		return huma.Error404NotFound(err.Error())
	}

	h.logger.ErrorContext(ctx, "media source operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return huma.Error500InternalServerError("failed to "+op, err)
}
