package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"issbatch/internal/fileutil"
	"issbatch/internal/logging"
)

var commandContext = exec.CommandContext

// Request names one artifact to download.
type Request struct {
	Key             string
	SourceURL       string
	DestinationName string
}

// Callbacks receive per-item outcomes as the downloader reports them.
type Callbacks struct {
	OnItemComplete func(key string)
	OnItemError    func(key string, cause error)
}

// Options tunes the downloader invocation.
type Options struct {
	Binary      string
	Connections int
	Timeout     time.Duration
}

// Downloader runs bulk transfers into a destination directory.
type Downloader struct {
	opts   Options
	logger *slog.Logger
}

// NewDownloader builds a downloader with the given options.
func NewDownloader(opts Options, logger *slog.Logger) (*Downloader, error) {
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, errors.New("transfer binary is required")
	}
	if opts.Connections < 1 {
		opts.Connections = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Downloader{
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "transfer"),
	}, nil
}

// buildInputFile renders the aria2c input list: one URL line followed by an
// indented out= option naming the destination file.
func buildInputFile(requests []Request) ([]byte, error) {
	var builder strings.Builder
	for _, request := range requests {
		if request.SourceURL == "" || request.DestinationName == "" {
			return nil, fmt.Errorf("request for %q missing url or destination", request.Key)
		}
		builder.WriteString(request.SourceURL)
		builder.WriteByte('\n')
		builder.WriteString("  out=")
		builder.WriteString(request.DestinationName)
		builder.WriteByte('\n')
	}
	return []byte(builder.String()), nil
}

// Run downloads every request into destDir, invoking callbacks as items
// finish. It returns an error only when the transfer as a whole could not
// run; individual failures arrive through OnItemError.
func (d *Downloader) Run(ctx context.Context, destDir string, requests []Request, callbacks Callbacks) error {
	if len(requests) == 0 {
		return nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("ensure destination dir: %w", err)
	}

	input, err := buildInputFile(requests)
	if err != nil {
		return err
	}
	inputPath := filepath.Join(destDir, ".transfer-input.txt")
	if err := fileutil.WriteFileAtomic(inputPath, input, 0o644); err != nil {
		return fmt.Errorf("write input list: %w", err)
	}
	defer func() {
		_ = fileutil.RemoveIfExists(inputPath)
	}()

	// Completion lines name the output file; error lines name the URI.
	// Index both so either form maps back to the owning key.
	byDestination := make(map[string]string, len(requests)*2)
	for _, request := range requests {
		byDestination[request.DestinationName] = request.Key
		if base := urlBase(request.SourceURL); base != "" {
			byDestination[base] = request.Key
		}
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	args := []string{
		"--input-file=" + inputPath,
		"--dir=" + destDir,
		"--max-concurrent-downloads=" + strconv.Itoa(d.opts.Connections),
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"--console-log-level=notice",
		"--summary-interval=0",
	}

	cmd := commandContext(ctx, d.opts.Binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe downloader output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start downloader: %w", err)
	}

	d.logger.Info("transfer started",
		logging.Int("items", len(requests)),
		logging.Int("connections", d.opts.Connections))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d.handleLine(scanner.Text(), byDestination, callbacks)
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return fmt.Errorf("transfer aborted: %w", ctx.Err())
	}
	if waitErr != nil {
		// aria2c exits non-zero when any download failed; those failures
		// were already reported per item.
		d.logger.Warn("downloader exited non-zero", logging.Error(waitErr))
	}
	return nil
}

// handleLine extracts the per-item completion and error signals from the
// downloader's output. Everything else is ignored.
func (d *Downloader) handleLine(line string, byDestination map[string]string, callbacks Callbacks) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	switch {
	case strings.Contains(trimmed, "Download complete:"):
		destination := pathTail(trimmed, "Download complete:")
		if key, ok := byDestination[destination]; ok {
			d.logger.Info("item downloaded", logging.String(logging.FieldItemKey, key))
			if callbacks.OnItemComplete != nil {
				callbacks.OnItemComplete(key)
			}
		}
	case strings.Contains(trimmed, "Download aborted") || strings.Contains(trimmed, "errorCode="):
		destination := destinationFromError(trimmed)
		key, ok := byDestination[destination]
		if !ok {
			return
		}
		d.logger.Warn("item download failed",
			logging.String(logging.FieldItemKey, key),
			logging.String("line", trimmed))
		if callbacks.OnItemError != nil {
			callbacks.OnItemError(key, fmt.Errorf("download failed: %s", trimmed))
		}
	}
}

// pathTail returns the base name of the path that follows marker in line.
func pathTail(line, marker string) string {
	index := strings.Index(line, marker)
	if index < 0 {
		return ""
	}
	rest := strings.TrimSpace(line[index+len(marker):])
	return filepath.Base(rest)
}

// urlBase returns the final path element of a URL, without query string.
func urlBase(raw string) string {
	trimmed := raw
	if index := strings.IndexAny(trimmed, "?#"); index >= 0 {
		trimmed = trimmed[:index]
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if index := strings.LastIndex(trimmed, "/"); index >= 0 {
		trimmed = trimmed[index+1:]
	}
	return trimmed
}

// destinationFromError finds the destination file name in an aria2c error
// line, which mentions the URI or the output path.
func destinationFromError(line string) string {
	for _, marker := range []string{"URI=", "Download aborted. URI="} {
		if index := strings.Index(line, marker); index >= 0 {
			rest := strings.TrimSpace(line[index+len(marker):])
			if end := strings.IndexAny(rest, " \t"); end >= 0 {
				rest = rest[:end]
			}
			return filepath.Base(rest)
		}
	}
	return ""
}
