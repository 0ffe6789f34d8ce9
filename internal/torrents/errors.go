package torrents

import "errors"

var (
	// ErrEngineUnavailable means the download engine could not be
	// started on this host. Torrent features are disabled; everything
	// else keeps working.
	ErrEngineUnavailable = errors.New("torrent engine unavailable")
	ErrInvalidMagnet     = errors.New("invalid magnet link")
	ErrJobNotFound       = errors.New("torrent job not found")
	ErrFileNotFound      = errors.New("file not found in torrent")
	ErrNoMetadata        = errors.New("torrent metadata not available yet")
	// ErrNotYetAvailable is returned for byte ranges too far past the
	// downloaded frontier. Clients retry with backoff.
	ErrNotYetAvailable = errors.New("requested range not downloaded yet")
	ErrInvalidRange    = errors.New("range out of bounds")
)
