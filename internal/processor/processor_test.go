package processor

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsdl/internal/combine"
	"hlsdl/internal/config"
	"hlsdl/internal/crypto"
	"hlsdl/internal/fetch"
	"hlsdl/internal/playlist"
	"hlsdl/internal/progress"
)

// fakeFetcher is an in-memory Fetcher stub keyed by URL, used to drive the
// processor through the scenarios without touching the network.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	body      map[string][]byte
	failUntil map[string]int
	block     map[string]chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:     map[string]int{},
		body:      map[string][]byte{},
		failUntil: map[string]int{},
		block:     map[string]chan struct{}{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls[url]++
	call := f.calls[url]
	failUntil := f.failUntil[url]
	body := f.body[url]
	blockCh := f.block[url]
	f.mu.Unlock()

	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if call <= failUntil {
		return nil, &fetch.TransientError{URL: url, Cause: fmt.Errorf("transient failure %d", call)}
	}
	if body == nil {
		return nil, fmt.Errorf("no body configured for %s", url)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func encryptPKCS7(t *testing.T, key, iv, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padLen := block.BlockSize() - len(plaintext)%block.BlockSize()
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func newTestProcessor(workDir, outputPath string, fetcher *fakeFetcher) *Processor {
	return &Processor{
		Fetcher:   fetcher,
		Decryptor: crypto.AES128CBC{},
		Progress:  progress.NewFileStore(filepath.Join(workDir, "download_state.txt")),
		Combiner:  combine.Concatenator{},
		Parser:    &playlist.Parser{Fetcher: fetcher},
		Config: config.Config{
			WorkDir:                  workDir,
			OutputPath:                outputPath,
			NumThreads:                2,
			CleanupSegmentsOnComplete: true,
			MaxRetries:                3,
			RetryBaseDelay:            time.Millisecond,
			ShutdownGrace:             2 * time.Second,
		},
	}
}

// S1: happy path, three segments, key rotation midway through.
func TestDownload_HappyPathWithKeyRotation(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	key1, iv1 := randomBytes(t, 16), randomBytes(t, 16)
	key2, iv2 := randomBytes(t, 16), randomBytes(t, 16)

	plain := make([][]byte, 3)
	for i := range plain {
		block := make([]byte, 1024)
		for j := range block {
			block[j] = byte((i + j) % 256)
		}
		plain[i] = block
	}

	playlistURL := "http://example.com/playlist.m3u8"
	key1URL := "http://example.com/key1"
	key2URL := "http://example.com/key2"
	segURLs := []string{"http://example.com/seg0.ts", "http://example.com/seg1.ts", "http://example.com/seg2.ts"}

	text := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"" + key1URL + "\",IV=0x" + hex.EncodeToString(iv1) + "\n" +
		"#EXTINF:10,\n" + segURLs[0] + "\n" +
		"#EXTINF:10,\n" + segURLs[1] + "\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"" + key2URL + "\",IV=0x" + hex.EncodeToString(iv2) + "\n" +
		"#EXTINF:10,\n" + segURLs[2] + "\n" +
		"#EXT-X-ENDLIST\n"

	fetcher.body[playlistURL] = []byte(text)
	fetcher.body[key1URL] = key1
	fetcher.body[key2URL] = key2
	fetcher.body[segURLs[0]] = encryptPKCS7(t, key1, iv1, plain[0])
	fetcher.body[segURLs[1]] = encryptPKCS7(t, key1, iv1, plain[1])
	fetcher.body[segURLs[2]] = encryptPKCS7(t, key2, iv2, plain[2])

	proc := newTestProcessor(workDir, outputPath, fetcher)

	var states []DownloadState
	proc.OnState = func(s DownloadState, _ string) { states = append(states, s) }

	require.NoError(t, proc.Download(context.Background(), playlistURL))

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	want := append(append(append([]byte{}, plain[0]...), plain[1]...), plain[2]...)
	assert.Equal(t, want, got)

	assert.Equal(t, 1, fetcher.callCount(key1URL))
	assert.Equal(t, 1, fetcher.callCount(key2URL))
	for _, u := range segURLs {
		assert.Equal(t, 1, fetcher.callCount(u))
	}

	_, err = os.Stat(filepath.Join(workDir, "download_state.txt"))
	assert.True(t, os.IsNotExist(err))
	for i := range plain {
		_, err := os.Stat(filepath.Join(workDir, fmt.Sprintf("segment_%d.ts", i+1)))
		assert.True(t, os.IsNotExist(err), "segment files should be cleaned up after combine")
	}

	require.NotEmpty(t, states)
	assert.Equal(t, StateStopped, states[len(states)-1])
	assert.Contains(t, states, StateCompleted)
}

// S2: empty playlist.
func TestDownload_EmptyPlaylist(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	playlistURL := "http://example.com/playlist.m3u8"
	fetcher.body[playlistURL] = []byte("#EXTM3U\n#EXT-X-ENDLIST\n")

	proc := newTestProcessor(workDir, outputPath, fetcher)

	err := proc.Download(context.Background(), playlistURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No segments found")

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
}

// S3: cancel after the first of two segments completes.
func TestDownload_CancelAfterFirstCompletion(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	playlistURL := "http://example.com/playlist.m3u8"
	seg0URL := "http://example.com/seg0.ts"
	seg1URL := "http://example.com/seg1.ts"

	text := "#EXTM3U\n#EXTINF:5,\n" + seg0URL + "\n#EXTINF:5,\n" + seg1URL + "\n#EXT-X-ENDLIST\n"
	fetcher.body[playlistURL] = []byte(text)
	fetcher.body[seg0URL] = []byte("segment zero body")
	fetcher.block[seg1URL] = make(chan struct{}) // never closed: seg1 blocks until cancelled

	proc := newTestProcessor(workDir, outputPath, fetcher)
	proc.Config.NumThreads = 1 // deterministic: seg0 finishes before seg1 starts

	var states []DownloadState
	var mu sync.Mutex
	proc.OnState = func(s DownloadState, _ string) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- proc.Download(context.Background(), playlistURL) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(workDir, "segment_1.ts"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	proc.Cancel()

	err := <-errCh
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(workDir, "segment_1.ts"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(workDir, "segment_2.ts"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(outputPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(workDir, "download_state.txt"))
	assert.True(t, os.IsNotExist(err))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, StateCancelled, states[len(states)-2])
	assert.Equal(t, StateStopped, states[len(states)-1])
}

// S4: retry on transient fault.
func TestDownload_RetryOnTransientFetchError(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	playlistURL := "http://example.com/playlist.m3u8"
	segURL := "http://example.com/seg0.ts"

	fetcher.body[playlistURL] = []byte("#EXTM3U\n#EXTINF:5,\n" + segURL + "\n#EXT-X-ENDLIST\n")
	fetcher.body[segURL] = []byte("plaintext body")
	fetcher.failUntil[segURL] = 2 // first two calls fail, third succeeds

	proc := newTestProcessor(workDir, outputPath, fetcher)

	require.NoError(t, proc.Download(context.Background(), playlistURL))

	assert.Equal(t, 3, fetcher.callCount(segURL))
	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "plaintext body", string(got))
}

// S5: a stale pre-existing segment file is overwritten with fresh content.
func TestDownload_OverwritesStaleSegmentFile(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	playlistURL := "http://example.com/playlist.m3u8"
	seg0URL := "http://example.com/seg0.ts"
	seg1URL := "http://example.com/seg1.ts"

	fetcher.body[playlistURL] = []byte("#EXTM3U\n#EXTINF:5,\n" + seg0URL + "\n#EXTINF:5,\n" + seg1URL + "\n#EXT-X-ENDLIST\n")
	fetcher.body[seg0URL] = []byte("fresh content")
	fetcher.body[seg1URL] = []byte("second segment")

	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "segment_1.ts"), []byte("stale garbage data"), 0o644))

	proc := newTestProcessor(workDir, outputPath, fetcher)
	require.NoError(t, proc.Download(context.Background(), playlistURL))

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh contentsecond segment", string(got))
}

// S6: a fetched key of the wrong length is a terminal error.
func TestDownload_KeyLengthViolation(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	playlistURL := "http://example.com/playlist.m3u8"
	keyURL := "http://example.com/key"
	segURL := "http://example.com/seg0.ts"

	fetcher.body[playlistURL] = []byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"" + keyURL + "\"\n#EXTINF:5,\n" + segURL + "\n#EXT-X-ENDLIST\n")
	fetcher.body[keyURL] = randomBytes(t, 15)
	fetcher.body[segURL] = []byte("irrelevant")

	proc := newTestProcessor(workDir, outputPath, fetcher)
	err := proc.Download(context.Background(), playlistURL)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(workDir, "segment_1.ts"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownload_KeyFetchedOnceAcrossSharedSpec(t *testing.T) {
	workDir := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.ts")
	fetcher := newFakeFetcher()

	key, iv := randomBytes(t, 16), randomBytes(t, 16)
	playlistURL := "http://example.com/playlist.m3u8"
	keyURL := "http://example.com/key"
	seg0URL := "http://example.com/seg0.ts"
	seg1URL := "http://example.com/seg1.ts"

	text := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"" + keyURL + "\",IV=0x" + hex.EncodeToString(iv) + "\n" +
		"#EXTINF:5,\n" + seg0URL + "\n" +
		"#EXTINF:5,\n" + seg1URL + "\n" +
		"#EXT-X-ENDLIST\n"
	fetcher.body[playlistURL] = []byte(text)
	fetcher.body[keyURL] = key
	fetcher.body[seg0URL] = encryptPKCS7(t, key, iv, []byte("one"))
	fetcher.body[seg1URL] = encryptPKCS7(t, key, iv, []byte("two!"))

	proc := newTestProcessor(workDir, outputPath, fetcher)
	require.NoError(t, proc.Download(context.Background(), playlistURL))

	assert.Equal(t, 1, fetcher.callCount(keyURL))
}
