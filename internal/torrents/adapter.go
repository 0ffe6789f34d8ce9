package torrents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"

	// Streaming-ready thresholds per container format, chosen
	// empirically to balance start latency against stall risk. MKV
	// headers need a deeper prefix than MP4/WebM.
	thresholdMKV     = 0.12
	thresholdMP4     = 0.08
	thresholdDefault = 0.10

	// minStreamBytes is required on top of the fractional threshold:
	// at least 10 MiB or 5% of the file, whichever is smaller.
	minStreamBytes = 10 << 20

	// frontierSlack is how far past the downloaded frontier a range
	// read may start; reads inside the slack block on the engine,
	// reads beyond it fail with ErrNotYetAvailable.
	frontierSlack = 8 << 20

	defaultMetadataTimeout = 30 * time.Second
	defaultMaxJobAge       = 24 * time.Hour
	janitorInterval        = 5 * time.Minute
)

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
}

// Job is the externally visible snapshot of a tracked download.
type Job struct {
	Id                 string     `json:"id"`
	Name               string     `json:"name"`
	Status             string     `json:"status"`
	Error              string     `json:"error,omitempty"`
	Progress           float64    `json:"progress"`
	FileProgress       float64    `json:"file_progress"`
	Files              []FileInfo `json:"files"`
	ActiveFile         *FileInfo  `json:"active_file"`
	TotalSize          int64      `json:"total_size"`
	HasMetadata        bool       `json:"has_metadata"`
	StreamingReady     bool       `json:"streaming_ready"`
	StreamingThreshold float64    `json:"streaming_threshold"`
}

type job struct {
	mu         sync.Mutex
	id         string
	magnet     string
	download   Download
	failure    string
	name       string
	files      []FileInfo
	activeFile *FileInfo
	totalSize  int64
	hasInfo    bool
	ready      bool
	addedAt    time.Time
	lastAccess time.Time
}

type Config struct {
	MetadataTimeout time.Duration
	MaxJobAge       time.Duration
}

// Adapter tracks torrent jobs on top of a download engine and serves byte
// ranges of files that are still downloading. A nil engine is accepted:
// every call then degrades to ErrEngineUnavailable.
type Adapter struct {
	engine          Engine
	mu              sync.RWMutex
	jobs            map[string]*job
	byMagnet        map[string]string
	metadataTimeout time.Duration
	maxJobAge       time.Duration
	logger          *slog.Logger
}

func NewAdapter(engine Engine, cfg *Config, logger *slog.Logger) *Adapter {
	a := &Adapter{
		engine:          engine,
		jobs:            make(map[string]*job),
		byMagnet:        make(map[string]string),
		metadataTimeout: defaultMetadataTimeout,
		maxJobAge:       defaultMaxJobAge,
		logger:          logger,
	}

	if cfg != nil {
		if cfg.MetadataTimeout > 0 {
			a.metadataTimeout = cfg.MetadataTimeout
		}
		if cfg.MaxJobAge > 0 {
			a.maxJobAge = cfg.MaxJobAge
		}
	}

	return a
}

func (a *Adapter) Available() bool {
	return a.engine != nil
}

// Add starts tracking a magnet link and returns the job id. A magnet that
// is already tracked and healthy is reused instead of downloaded twice.
func (a *Adapter) Add(ctx context.Context, magnet string) (string, error) {
	if a.engine == nil {
		return "", ErrEngineUnavailable
	}
	if err := ValidateMagnet(magnet); err != nil {
		return "", err
	}

	a.mu.Lock()
	if existingId, ok := a.byMagnet[magnet]; ok {
		if existing, ok := a.jobs[existingId]; ok {
			existing.mu.Lock()
			healthy := existing.failure == ""
			existing.lastAccess = time.Now()
			existing.mu.Unlock()

			if healthy {
				a.mu.Unlock()
				a.logger.InfoContext(ctx, "reusing tracked torrent", "job_id", existingId)
				return existingId, nil
			}
			a.dropJobLocked(existingId)
		}
	}
	a.mu.Unlock()

	dl, err := a.engine.AddMagnet(magnet)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidMagnet, err)
	}

	now := time.Now()
	j := &job{
		id:         uuid.NewString(),
		magnet:     magnet,
		download:   dl,
		addedAt:    now,
		lastAccess: now,
	}

	a.mu.Lock()
	a.jobs[j.id] = j
	a.byMagnet[magnet] = j.id
	a.mu.Unlock()

	go a.awaitMetadata(j)

	a.logger.InfoContext(ctx, "torrent job added", "job_id", j.id)
	return j.id, nil
}

func (a *Adapter) awaitMetadata(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), a.metadataTimeout)
	defer cancel()

	if err := j.download.AwaitInfo(ctx); err != nil {
		j.mu.Lock()
		j.failure = fmt.Sprintf("metadata timeout after %s", a.metadataTimeout)
		j.mu.Unlock()
		a.logger.Warn("torrent metadata timed out", "job_id", j.id)
		return
	}

	files := j.download.Files()
	var active *FileInfo
	for i := range files {
		files[i].IsVideo = videoExtensions[strings.ToLower(filepath.Ext(files[i].Path))]
		if files[i].IsVideo && (active == nil || files[i].Size > active.Size) {
			active = &files[i]
		}
	}

	j.mu.Lock()
	j.hasInfo = true
	j.name = j.download.Name()
	j.totalSize = j.download.TotalSize()
	j.files = files
	j.activeFile = active
	j.mu.Unlock()

	if active != nil {
		// Sequential bias toward the streaming target.
		if err := j.download.Prioritize(active.Index); err != nil {
			a.logger.Warn("failed to prioritize active file", "job_id", j.id, "error", err)
		}
		a.logger.Info("torrent metadata received",
			"job_id", j.id,
			"name", j.name,
			"files", len(files),
			"active_file", active.Path,
		)
	} else {
		a.logger.Info("torrent has no video file", "job_id", j.id, "name", j.name)
	}
}

func (a *Adapter) getJob(jobId string) (*job, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	j, ok := a.jobs[jobId]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Status reports the job snapshot, including the streaming-ready decision.
func (a *Adapter) Status(ctx context.Context, jobId string) (Job, error) {
	j, err := a.getJob(jobId)
	if err != nil {
		return Job{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastAccess = time.Now()

	snapshot := Job{
		Id:          j.id,
		Name:        j.name,
		Status:      StatusDownloading,
		Files:       j.files,
		ActiveFile:  j.activeFile,
		TotalSize:   j.totalSize,
		HasMetadata: j.hasInfo,
	}

	if j.failure != "" {
		snapshot.Status = StatusFailed
		snapshot.Error = j.failure
		return snapshot, nil
	}

	if !j.hasInfo {
		return snapshot, nil
	}

	completed := j.download.BytesCompleted()
	if j.totalSize > 0 {
		snapshot.Progress = float64(completed) / float64(j.totalSize)
	}
	if completed >= j.totalSize && j.totalSize > 0 {
		snapshot.Status = StatusCompleted
	}

	if j.activeFile != nil {
		fileCompleted := j.download.FileBytesCompleted(j.activeFile.Index)
		if j.activeFile.Size > 0 {
			snapshot.FileProgress = float64(fileCompleted) / float64(j.activeFile.Size)
		}
		snapshot.StreamingThreshold = thresholdFor(j.activeFile.Path)

		if !j.ready && streamable(j.activeFile, fileCompleted) {
			j.ready = true
			a.logger.InfoContext(ctx, "torrent streaming ready",
				"job_id", j.id,
				"file", j.activeFile.Path,
				"file_progress", snapshot.FileProgress,
			)
		}
		snapshot.StreamingReady = j.ready
	}

	return snapshot, nil
}

func thresholdFor(path string) float64 {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv":
		return thresholdMKV
	case ".mp4", ".webm":
		return thresholdMP4
	default:
		return thresholdDefault
	}
}

func streamable(file *FileInfo, completed int64) bool {
	if file.Size <= 0 {
		return false
	}

	minBytes := int64(minStreamBytes)
	if fivePercent := file.Size / 20; fivePercent < minBytes {
		minBytes = fivePercent
	}

	progress := float64(completed) / float64(file.Size)
	return progress >= thresholdFor(file.Path) && completed >= minBytes
}

// ReadRange opens a reader over [start, end] of one file, where end < 0
// means through the end of the file. Reads inside the downloaded prefix
// return the exact stored bytes; a start too far past the frontier fails
// with ErrNotYetAvailable so the client can retry with backoff.
func (a *Adapter) ReadRange(ctx context.Context, jobId string, fileIndex int, start, end int64) (io.ReadCloser, int64, error) {
	j, err := a.getJob(jobId)
	if err != nil {
		return nil, 0, err
	}

	j.mu.Lock()
	j.lastAccess = time.Now()
	hasInfo := j.hasInfo
	files := j.files
	dl := j.download
	j.mu.Unlock()

	if !hasInfo {
		return nil, 0, ErrNoMetadata
	}
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, 0, ErrFileNotFound
	}

	size := files[fileIndex].Size
	if start < 0 || start >= size {
		return nil, size, ErrInvalidRange
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < start {
		return nil, size, ErrInvalidRange
	}

	if frontier := dl.FileBytesCompleted(fileIndex); start > frontier+frontierSlack {
		return nil, size, ErrNotYetAvailable
	}

	r, err := dl.ReaderAt(fileIndex)
	if err != nil {
		return nil, size, err
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		r.Close()
		return nil, size, fmt.Errorf("failed to seek: %w", err)
	}

	return &rangeReader{r: r, remaining: end - start + 1}, size, nil
}

type rangeReader struct {
	r         io.ReadSeekCloser
	remaining int64
}

func (rr *rangeReader) Read(p []byte) (int, error) {
	if rr.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > rr.remaining {
		p = p[:rr.remaining]
	}

	n, err := rr.r.Read(p)
	rr.remaining -= int64(n)
	return n, err
}

func (rr *rangeReader) Close() error {
	return rr.r.Close()
}

// Remove drops a job and its download.
func (a *Adapter) Remove(ctx context.Context, jobId string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.jobs[jobId]; !ok {
		return ErrJobNotFound
	}
	a.dropJobLocked(jobId)
	return nil
}

func (a *Adapter) dropJobLocked(jobId string) {
	j, ok := a.jobs[jobId]
	if !ok {
		return
	}

	j.download.Drop()
	delete(a.jobs, jobId)
	if a.byMagnet[j.magnet] == jobId {
		delete(a.byMagnet, j.magnet)
	}
}

// Run sweeps idle jobs until the context is cancelled, bounding disk and
// bandwidth held by downloads nobody polls anymore.
func (a *Adapter) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Adapter) sweep() {
	cutoff := time.Now().Add(-a.maxJobAge)

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, j := range a.jobs {
		j.mu.Lock()
		idle := j.lastAccess.Before(cutoff)
		j.mu.Unlock()

		if idle {
			a.logger.Info("dropping idle torrent job", "job_id", id)
			a.dropJobLocked(id)
		}
	}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	for id := range a.jobs {
		a.dropJobLocked(id)
	}
	a.mu.Unlock()

	if a.engine != nil {
		return a.engine.Close()
	}
	return nil
}
