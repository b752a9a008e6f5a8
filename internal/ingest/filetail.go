package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"newsguard/internal/config"
	"newsguard/internal/model"
	"newsguard/internal/normalize"
)

// StartFileTail follows each configured file, reopening it when it is
// truncated or rotated.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Item, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, cfg, NewParser(), out, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, cfg *config.Manager, parser *Parser, out chan<- model.Item, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				// Only the first open skips existing content; a rotated
				// file is read from the start.
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		partial := ""
		for {
			line, err := reader.ReadString('\n')
			offset += int64(len(line))
			if err != nil {
				if err == io.EOF {
					partial += line
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line, partial = partial+line, ""
			fields, err := parser.ParseLine(line)
			if err != nil || fields == nil {
				continue
			}
			it, err := normalize.Normalize(*fields, cfg.Get())
			if err != nil {
				if logger != nil {
					logger.Warn("tail normalize error", "path", path, "err", err)
				}
				continue
			}
			if !Send(ctx, out, it) {
				_ = file.Close()
				return
			}
		}
	}
}
