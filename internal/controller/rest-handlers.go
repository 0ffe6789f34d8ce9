package controller

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/watchwithmi/server/internal/torrents"
	"github.com/watchwithmi/server/pkg/rest"
)

func (c *controller) errorResponse(w http.ResponseWriter, status int, message string) {
	if err := rest.WriteJSON(w, status, rest.Envelope{"error": message}); err != nil {
		c.logger.Error("failed to write error response", "error", err)
	}
}

type searchTorrentsInput struct {
	Query string `json:"query" validate:"required,min=2,max=200"`
	Limit int    `json:"limit,omitempty"`
}

func (c *controller) handleSearchTorrents(w http.ResponseWriter, r *http.Request) {
	var input searchTorrentsInput
	if err := rest.ReadJSON(r, &input); err != nil {
		c.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if violations, ok := c.validate.Validate(&input); !ok {
		c.errorResponse(w, http.StatusUnprocessableEntity, violations[0].Message)
		return
	}

	results, err := c.searcher.Search(r.Context(), input.Query, input.Limit)
	if err != nil {
		if errors.Is(err, torrents.ErrNoProviders) {
			c.errorResponse(w, http.StatusServiceUnavailable, "torrent search is not configured")
			return
		}
		c.logger.ErrorContext(r.Context(), "torrent search failed", "error", err)
		c.errorResponse(w, http.StatusBadGateway, "torrent search failed")
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"results": results})
}

type torrentAddInput struct {
	MagnetURL string `json:"magnet_url" validate:"required"`
}

func (c *controller) handleTorrentAdd(w http.ResponseWriter, r *http.Request) {
	var input torrentAddInput
	if err := rest.ReadJSON(r, &input); err != nil {
		c.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if violations, ok := c.validate.Validate(&input); !ok {
		c.errorResponse(w, http.StatusUnprocessableEntity, violations[0].Message)
		return
	}

	jobId, err := c.streamer.Add(r.Context(), input.MagnetURL)
	if err != nil {
		switch {
		case errors.Is(err, torrents.ErrEngineUnavailable):
			c.errorResponse(w, http.StatusServiceUnavailable, "torrent streaming is disabled on this server")
		case errors.Is(err, torrents.ErrInvalidMagnet):
			c.errorResponse(w, http.StatusBadRequest, "invalid magnet link")
		default:
			c.logger.ErrorContext(r.Context(), "failed to add torrent", "error", err)
			c.errorResponse(w, http.StatusInternalServerError, "failed to add torrent")
		}
		return
	}

	rest.WriteJSON(w, http.StatusAccepted, rest.Envelope{"job_id": jobId})
}

func (c *controller) handleTorrentStatus(w http.ResponseWriter, r *http.Request) {
	job, err := c.streamer.Status(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		if errors.Is(err, torrents.ErrJobNotFound) {
			c.errorResponse(w, http.StatusNotFound, "torrent job not found")
			return
		}
		c.logger.ErrorContext(r.Context(), "torrent status failed", "error", err)
		c.errorResponse(w, http.StatusInternalServerError, "failed to read torrent status")
		return
	}

	rest.WriteJSON(w, http.StatusOK, job)
}

// handleTorrentStream serves byte ranges of a file that may still be
// downloading. Ranges inside the downloaded prefix stream immediately;
// ranges past the frontier answer 425 so players retry with backoff.
func (c *controller) handleTorrentStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobId := chi.URLParam(r, "jobId")

	fileIndex, err := strconv.Atoi(chi.URLParam(r, "fileIndex"))
	if err != nil {
		c.errorResponse(w, http.StatusBadRequest, "file index must be an integer")
		return
	}

	job, err := c.streamer.Status(ctx, jobId)
	if err != nil {
		if errors.Is(err, torrents.ErrJobNotFound) {
			c.errorResponse(w, http.StatusNotFound, "torrent job not found")
			return
		}
		c.logger.ErrorContext(ctx, "torrent status failed", "error", err)
		c.errorResponse(w, http.StatusInternalServerError, "failed to read torrent status")
		return
	}

	// The streaming target is gated until enough of the prefix exists
	// for the container header plus a playback buffer.
	if job.ActiveFile != nil && job.ActiveFile.Index == fileIndex && !job.StreamingReady {
		w.Header().Set("Retry-After", "3")
		c.errorResponse(w, http.StatusTooEarly, "not enough of the file is downloaded yet")
		return
	}

	br, hasRange, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		c.errorResponse(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	start, end := br.start, br.end
	if br.suffix > 0 {
		// Suffix ranges need the file size to resolve; players probe
		// the tail this way when seeking near the end.
		if fileIndex < 0 || fileIndex >= len(job.Files) {
			c.errorResponse(w, http.StatusNotFound, "file not found in torrent")
			return
		}
		start = job.Files[fileIndex].Size - br.suffix
		if start < 0 {
			start = 0
		}
	}

	rc, size, err := c.streamer.ReadRange(ctx, jobId, fileIndex, start, end)
	if err != nil {
		switch {
		case errors.Is(err, torrents.ErrFileNotFound):
			c.errorResponse(w, http.StatusNotFound, "file not found in torrent")
		case errors.Is(err, torrents.ErrNoMetadata), errors.Is(err, torrents.ErrNotYetAvailable):
			w.Header().Set("Retry-After", "3")
			c.errorResponse(w, http.StatusTooEarly, "requested range is not downloaded yet")
		case errors.Is(err, torrents.ErrInvalidRange):
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			c.errorResponse(w, http.StatusRequestedRangeNotSatisfiable, "range out of bounds")
		default:
			c.logger.ErrorContext(ctx, "torrent stream failed", "error", err)
			c.errorResponse(w, http.StatusInternalServerError, "failed to stream file")
		}
		return
	}
	defer rc.Close()

	if end < 0 || end >= size {
		end = size - 1
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentTypeFor(job, fileIndex))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, rc); err != nil {
		// Players abort ranges constantly while seeking; not an error.
		c.logger.DebugContext(ctx, "stream copy ended early", "error", err)
	}
}

// byteRange is a parsed single-range header. end is -1 for an open range;
// suffix > 0 means the last N bytes and leaves start/end unset until the
// file size is known.
type byteRange struct {
	start  int64
	end    int64
	suffix int64
}

// parseRangeHeader accepts the single-range forms "bytes=S-", "bytes=S-E"
// and "bytes=-N". Multipart ranges are not supported.
func parseRangeHeader(header string) (byteRange, bool, error) {
	if header == "" {
		return byteRange{end: -1}, false, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, false, errors.New("unsupported range header")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, false, errors.New("unsupported range header")
	}

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false, errors.New("malformed range header")
		}
		return byteRange{end: -1, suffix: n}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false, errors.New("malformed range header")
	}

	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false, errors.New("malformed range header")
		}
	}

	return byteRange{start: start, end: end}, true, nil
}

// videoContentTypes covers the containers the system mime table tends to
// miss. mkv in particular has no registered type on most hosts.
var videoContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
}

func contentTypeFor(job torrents.Job, fileIndex int) string {
	if fileIndex >= 0 && fileIndex < len(job.Files) {
		ext := strings.ToLower(filepath.Ext(job.Files[fileIndex].Path))
		if ct, ok := videoContentTypes[ext]; ok {
			return ct
		}
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	return "application/octet-stream"
}

func (c *controller) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := c.roomService.Stats(r.Context())

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"total_rooms": stats.TotalRooms,
		"total_users": stats.TotalUsers,
		"rooms":       stats.Rooms,
	})
}

func (c *controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"status":         "ok",
		"torrent_engine": c.streamer.Available(),
	})
}
