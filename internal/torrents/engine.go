package torrents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/anacrolix/torrent"
)

// readaheadBytes is the window the download engine keeps prioritized past
// the read cursor, so sequential playback reads stay ahead of the swarm.
const readaheadBytes = 16 << 20

// Engine abstracts the peer-to-peer download engine, so the adapter and
// its tests do not depend on a live swarm.
type Engine interface {
	AddMagnet(magnet string) (Download, error)
	Close() error
}

// Download is one in-flight torrent. Reads through ReaderAt reprioritize
// piece fetch order toward the read position.
type Download interface {
	AwaitInfo(ctx context.Context) error
	Name() string
	TotalSize() int64
	Files() []FileInfo
	BytesCompleted() int64
	FileBytesCompleted(index int) int64
	// Prioritize marks one file as the streaming target: its pieces
	// are fetched ahead of the rest of the torrent.
	Prioritize(index int) error
	ReaderAt(index int) (io.ReadSeekCloser, error)
	Drop()
}

type FileInfo struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	IsVideo bool   `json:"is_video"`
}

type engine struct {
	client *torrent.Client
	logger *slog.Logger
}

func NewEngine(dataDir string, port int, logger *slog.Logger) (*engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dataDir
	cfg.ListenPort = port
	cfg.NoDHT = false
	cfg.Seed = false

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	return &engine{client: client, logger: logger}, nil
}

func (e *engine) AddMagnet(magnet string) (Download, error) {
	t, err := e.client.AddMagnet(magnet)
	if err != nil {
		return nil, fmt.Errorf("failed to add magnet: %w", err)
	}

	return &download{t: t}, nil
}

func (e *engine) Close() error {
	errs := e.client.Close()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type download struct {
	t *torrent.Torrent
}

func (d *download) AwaitInfo(ctx context.Context) error {
	select {
	case <-d.t.GotInfo():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *download) Name() string {
	return d.t.Name()
}

func (d *download) TotalSize() int64 {
	return d.t.Length()
}

func (d *download) Files() []FileInfo {
	files := d.t.Files()
	infos := make([]FileInfo, len(files))
	for i, f := range files {
		infos[i] = FileInfo{
			Index: i,
			Path:  f.Path(),
			Size:  f.Length(),
		}
	}
	return infos
}

func (d *download) BytesCompleted() int64 {
	return d.t.BytesCompleted()
}

func (d *download) FileBytesCompleted(index int) int64 {
	files := d.t.Files()
	if index < 0 || index >= len(files) {
		return 0
	}
	return files[index].BytesCompleted()
}

func (d *download) Prioritize(index int) error {
	files := d.t.Files()
	if index < 0 || index >= len(files) {
		return ErrFileNotFound
	}

	for i, f := range files {
		if i == index {
			f.SetPriority(torrent.PiecePriorityHigh)
		} else {
			f.SetPriority(torrent.PiecePriorityNormal)
		}
	}
	return nil
}

func (d *download) ReaderAt(index int) (io.ReadSeekCloser, error) {
	files := d.t.Files()
	if index < 0 || index >= len(files) {
		return nil, ErrFileNotFound
	}

	r := files[index].NewReader()
	// The reader's position is the piece-priority cursor: seeks move
	// the prioritized window with the playback position.
	r.SetReadahead(readaheadBytes)
	r.SetResponsive()
	return r, nil
}

func (d *download) Drop() {
	d.t.Drop()
}

// ValidateMagnet rejects locators that are not bittorrent magnet links
// before they ever reach the engine.
func ValidateMagnet(magnet string) error {
	if !strings.HasPrefix(magnet, "magnet:?") {
		return ErrInvalidMagnet
	}
	if !strings.Contains(magnet, "xt=urn:btih:") {
		return ErrInvalidMagnet
	}
	return nil
}
