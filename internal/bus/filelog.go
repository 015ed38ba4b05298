package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rotateBytes   = 10 << 20 // rotate a channel log past 10 MB
	historyFiles  = 5
	pollInterval  = 200 * time.Millisecond
	receiveLoop   = 1 * time.Second // subscribers wake at least this often
	publishBudget = 100 * time.Millisecond
)

// logLine is the on-disk record: a per-channel monotonic sequence wraps
// the envelope, giving the file backend exactly-once replay.
type logLine struct {
	Seq      uint64   `json:"seq"`
	Envelope Envelope `json:"envelope"`
}

// FileBus is the append-only ring-log backend. One file per channel;
// readers tail by byte offset.
type FileBus struct {
	dir     string
	mu      sync.Mutex
	seqs    map[string]uint64
	limiter *rate.Limiter
	wg      sync.WaitGroup
	closed  chan struct{}
}

// NewFileBus opens (creating if needed) a ring-log directory.
func NewFileBus(dir string) (*FileBus, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bus dir: %w", err)
	}
	b := &FileBus{
		dir:  dir,
		seqs: map[string]uint64{},
		// Publishes beyond this budget spill to asynchronous sends so a
		// hook never stalls the host past the 100 ms contract.
		limiter: rate.NewLimiter(rate.Every(publishBudget/50), 50),
		closed:  make(chan struct{}),
	}
	return b, nil
}

func (b *FileBus) channelPath(channel string) string {
	return filepath.Join(b.dir, channel+".log")
}

// Publish appends to the channel log. When the synchronous budget is
// exhausted the write happens on a background goroutine instead.
func (b *FileBus) Publish(ctx context.Context, channel string, env Envelope) error {
	if b.limiter.Allow() {
		return b.append(channel, env)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.append(channel, env); err != nil {
			slog.Warn("async bus publish failed", "channel", channel, "error", err)
		}
	}()
	return nil
}

func (b *FileBus) append(channel string, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.channelPath(channel)
	if err := b.rotateIfNeeded(channel, path); err != nil {
		return err
	}

	seq, ok := b.seqs[channel]
	if !ok {
		seq = lastSeq(path)
	}
	seq++
	b.seqs[channel] = seq

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open channel log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(logLine{Seq: seq, Envelope: env})
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append channel log: %w", err)
	}
	return nil
}

// rotateIfNeeded shifts channel.log → channel.log.1 … keeping at most
// five historical files.
func (b *FileBus) rotateIfNeeded(channel, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < rotateBytes {
		return nil
	}
	for i := historyFiles; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", path, i)
		if i == historyFiles {
			os.Remove(src)
			continue
		}
		os.Rename(src, fmt.Sprintf("%s.%d", path, i+1))
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate channel log: %w", err)
	}
	slog.Debug("rotated channel log", "channel", channel)
	return nil
}

// lastSeq scans a log for its final complete line's sequence.
func lastSeq(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line logLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err == nil {
			last = line.Seq
		}
	}
	return last
}

// Subscribe tails the given channels from their current end. The
// returned channel closes when ctx is done or the bus closes.
func (b *FileBus) Subscribe(ctx context.Context, channels []string) (<-chan Delivery, error) {
	out := make(chan Delivery, 64)
	var wg sync.WaitGroup

	for _, channel := range channels {
		offset := int64(0)
		if info, err := os.Stat(b.channelPath(channel)); err == nil {
			offset = info.Size()
		}
		wg.Add(1)
		b.wg.Add(1)
		go func(channel string, offset int64) {
			defer wg.Done()
			defer b.wg.Done()
			b.tail(ctx, channel, offset, out)
		}(channel, offset)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// tail polls one channel file, emitting each complete new line. A
// partial trailing line stays unconsumed until its newline arrives.
func (b *FileBus) tail(ctx context.Context, channel string, offset int64, out chan<- Delivery) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case <-ticker.C:
		}

		lines, newOffset := readFrom(b.channelPath(channel), offset)
		offset = newOffset
		for _, line := range lines {
			select {
			case out <- Delivery{Channel: channel, Envelope: line.Envelope}:
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
		}
	}
}

// readFrom returns complete lines past the byte offset and the new
// offset (excluding any trailing partial line).
func readFrom(path string, offset int64) ([]logLine, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil || info.Size() <= offset {
		// A rotation shrank the file: restart from the top.
		if err == nil && info.Size() < offset {
			offset = 0
		} else {
			return nil, offset
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset
	}

	var lines []logLine
	reader := bufio.NewReader(f)
	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			break // partial trailing line: leave it for the next poll
		}
		offset += int64(len(raw))
		var line logLine
		if err := json.Unmarshal(raw, &line); err == nil {
			lines = append(lines, line)
		}
	}
	return lines, offset
}

// ReadRecent returns up to n most-recent envelopes of a channel in
// order, spanning rotated files. Used for coordinator recovery replay.
func (b *FileBus) ReadRecent(channel string, n int) []Envelope {
	var all []logLine
	paths := []string{}
	for i := historyFiles; i >= 1; i-- {
		paths = append(paths, fmt.Sprintf("%s.%d", b.channelPath(channel), i))
	}
	paths = append(paths, b.channelPath(channel))

	for _, path := range paths {
		lines, _ := readFrom(path, 0)
		all = append(all, lines...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]Envelope, len(all))
	for i, line := range all {
		out[i] = line.Envelope
	}
	return out
}

// Close stops subscribers and waits for in-flight async publishes.
func (b *FileBus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	b.wg.Wait()
	return nil
}
