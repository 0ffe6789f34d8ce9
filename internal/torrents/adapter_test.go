package torrents

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

type fakeEngine struct {
	mu        sync.Mutex
	downloads map[string]*fakeDownload
	next      *fakeDownload
	closed    bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{downloads: make(map[string]*fakeDownload)}
}

func (e *fakeEngine) AddMagnet(magnet string) (Download, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dl := e.next
	if dl == nil {
		dl = &fakeDownload{name: "download"}
	}
	e.next = nil
	e.downloads[magnet] = dl
	return dl, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type fakeDownload struct {
	mu          sync.Mutex
	name        string
	files       []FileInfo
	data        []byte
	completed   map[int]int64
	prioritized int
	dropped     bool
	stallInfo   bool
}

func (d *fakeDownload) AwaitInfo(ctx context.Context) error {
	if d.stallInfo {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (d *fakeDownload) Name() string { return d.name }

func (d *fakeDownload) TotalSize() int64 {
	var total int64
	for _, f := range d.files {
		total += f.Size
	}
	return total
}

func (d *fakeDownload) Files() []FileInfo {
	return append([]FileInfo(nil), d.files...)
}

func (d *fakeDownload) BytesCompleted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var total int64
	for _, n := range d.completed {
		total += n
	}
	return total
}

func (d *fakeDownload) FileBytesCompleted(index int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed[index]
}

func (d *fakeDownload) Prioritize(index int) error {
	d.mu.Lock()
	d.prioritized = index
	d.mu.Unlock()
	return nil
}

func (d *fakeDownload) ReaderAt(index int) (io.ReadSeekCloser, error) {
	return &fakeReader{Reader: bytes.NewReader(d.data)}, nil
}

func (d *fakeDownload) Drop() {
	d.mu.Lock()
	d.dropped = true
	d.mu.Unlock()
}

type fakeReader struct {
	*bytes.Reader
}

func (r *fakeReader) Close() error { return nil }

func newTestAdapter(t *testing.T, eng Engine) *Adapter {
	t.Helper()
	return NewAdapter(eng, &Config{MetadataTimeout: time.Second}, slog.Default())
}

func awaitMetadata(t *testing.T, a *Adapter, jobId string) Job {
	t.Helper()

	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = a.Status(context.Background(), jobId)
		return err == nil && job.HasMetadata
	}, time.Second, 5*time.Millisecond)
	return job
}

func TestAddRejectsInvalidMagnet(t *testing.T) {
	a := newTestAdapter(t, newFakeEngine())

	_, err := a.Add(context.Background(), "https://example.com/file.torrent")
	assert.ErrorIs(t, err, ErrInvalidMagnet)

	_, err = a.Add(context.Background(), "magnet:?dn=no-info-hash")
	assert.ErrorIs(t, err, ErrInvalidMagnet)
}

func TestNilEngineDegrades(t *testing.T) {
	a := newTestAdapter(t, nil)

	assert.False(t, a.Available())
	_, err := a.Add(context.Background(), testMagnet)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	require.NoError(t, a.Close())
}

func TestAddReusesTrackedMagnet(t *testing.T) {
	a := newTestAdapter(t, newFakeEngine())
	ctx := context.Background()

	first, err := a.Add(ctx, testMagnet)
	require.NoError(t, err)
	second, err := a.Add(ctx, testMagnet)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMetadataSelectsLargestVideoFile(t *testing.T) {
	eng := newFakeEngine()
	dl := &fakeDownload{
		name: "Some.Movie.2024",
		files: []FileInfo{
			{Index: 0, Path: "Some.Movie.2024/readme.txt", Size: 100},
			{Index: 1, Path: "Some.Movie.2024/sample.mp4", Size: 5_000},
			{Index: 2, Path: "Some.Movie.2024/movie.mkv", Size: 900_000},
		},
		completed: map[int]int64{},
	}
	eng.next = dl
	a := newTestAdapter(t, eng)

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)

	job := awaitMetadata(t, a, jobId)
	require.NotNil(t, job.ActiveFile)
	assert.Equal(t, 2, job.ActiveFile.Index)
	assert.True(t, job.ActiveFile.IsVideo)
	assert.Equal(t, 2, dl.prioritized)
	assert.Equal(t, thresholdMKV, job.StreamingThreshold)
}

func TestStreamingReadyThresholds(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		size      int64
		completed int64
		ready     bool
	}{
		{"mkv above threshold", "movie.mkv", 1000, 150, true},
		{"mkv below threshold", "movie.mkv", 1000, 110, false},
		{"mp4 above threshold", "movie.mp4", 1000, 85, true},
		{"mp4 below threshold", "movie.mp4", 1000, 70, false},
		{"webm above threshold", "movie.webm", 1000, 85, true},
		{"other container", "movie.avi", 1000, 105, true},
		{"nothing downloaded", "movie.mp4", 1000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			dl := &fakeDownload{
				files:     []FileInfo{{Index: 0, Path: tt.path, Size: tt.size}},
				completed: map[int]int64{0: tt.completed},
			}
			eng.next = dl
			a := newTestAdapter(t, eng)

			jobId, err := a.Add(context.Background(), testMagnet)
			require.NoError(t, err)

			job := awaitMetadata(t, a, jobId)
			assert.Equal(t, tt.ready, job.StreamingReady)
		})
	}
}

func TestStreamingReadyLatches(t *testing.T) {
	eng := newFakeEngine()
	dl := &fakeDownload{
		files:     []FileInfo{{Index: 0, Path: "movie.mp4", Size: 1000}},
		completed: map[int]int64{0: 100},
	}
	eng.next = dl
	a := newTestAdapter(t, eng)

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)
	job := awaitMetadata(t, a, jobId)
	require.True(t, job.StreamingReady)

	// progress never goes backwards for the gate, even if the engine
	// reports fewer verified bytes for a moment
	dl.mu.Lock()
	dl.completed[0] = 10
	dl.mu.Unlock()

	job, err = a.Status(context.Background(), jobId)
	require.NoError(t, err)
	assert.True(t, job.StreamingReady)
}

func TestReadRangeRoundTrip(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	eng := newFakeEngine()
	eng.next = &fakeDownload{
		files:     []FileInfo{{Index: 0, Path: "movie.mp4", Size: 1000}},
		data:      data,
		completed: map[int]int64{0: 1000},
	}
	a := newTestAdapter(t, eng)

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)
	awaitMetadata(t, a, jobId)

	rc, size, err := a.ReadRange(context.Background(), jobId, 0, 100, 199)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(1000), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data[100:200], got)

	// open-ended range reads through the end of the file
	rc, _, err = a.ReadRange(context.Background(), jobId, 0, 900, -1)
	require.NoError(t, err)
	defer rc.Close()
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data[900:], got)
}

func TestReadRangePastFrontier(t *testing.T) {
	size := int64(frontierSlack) * 4
	eng := newFakeEngine()
	eng.next = &fakeDownload{
		files:     []FileInfo{{Index: 0, Path: "movie.mp4", Size: size}},
		completed: map[int]int64{0: 1000},
	}
	a := newTestAdapter(t, eng)

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)
	awaitMetadata(t, a, jobId)

	_, _, err = a.ReadRange(context.Background(), jobId, 0, 1000+int64(frontierSlack)+1, -1)
	assert.ErrorIs(t, err, ErrNotYetAvailable)

	// a start inside the slack window is allowed to block on the engine
	rc, _, err := a.ReadRange(context.Background(), jobId, 0, 1000, 1000)
	require.NoError(t, err)
	rc.Close()
}

func TestReadRangeValidation(t *testing.T) {
	eng := newFakeEngine()
	eng.next = &fakeDownload{
		files:     []FileInfo{{Index: 0, Path: "movie.mp4", Size: 1000}},
		completed: map[int]int64{0: 1000},
	}
	a := newTestAdapter(t, eng)

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)
	awaitMetadata(t, a, jobId)

	_, _, err = a.ReadRange(context.Background(), jobId, 0, 1000, -1)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, _, err = a.ReadRange(context.Background(), jobId, 0, -1, -1)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, _, err = a.ReadRange(context.Background(), jobId, 5, 0, -1)
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, _, err = a.ReadRange(context.Background(), "no-such-job", 0, 0, -1)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMetadataTimeoutFailsJob(t *testing.T) {
	eng := newFakeEngine()
	dl := &fakeDownload{stallInfo: true}
	eng.next = dl
	a := NewAdapter(eng, &Config{MetadataTimeout: 10 * time.Millisecond}, slog.Default())

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := a.Status(context.Background(), jobId)
		return err == nil && job.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveDropsDownload(t *testing.T) {
	eng := newFakeEngine()
	dl := &fakeDownload{
		files:     []FileInfo{{Index: 0, Path: "movie.mp4", Size: 1000}},
		completed: map[int]int64{},
	}
	eng.next = dl
	a := newTestAdapter(t, eng)

	jobId, err := a.Add(context.Background(), testMagnet)
	require.NoError(t, err)
	awaitMetadata(t, a, jobId)

	require.NoError(t, a.Remove(context.Background(), jobId))
	dl.mu.Lock()
	assert.True(t, dl.dropped)
	dl.mu.Unlock()

	_, err = a.Status(context.Background(), jobId)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, a.Remove(context.Background(), jobId), ErrJobNotFound)
}
