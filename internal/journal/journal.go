// Package journal provides the append-only output files of a crawl: a
// timestamped audit log and comma-separated record files.
package journal

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
)

// TimeLayout is the timestamp prefix of every journal line.
const TimeLayout = "2006-01-02 15:04:05.000"

// Log is a line-oriented audit sink. Every line is flushed before WriteLine
// returns.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	clock  crawler.Clock
	closed bool
}

// OpenLog opens (or creates) path for appending.
func OpenLog(path string, clock crawler.Clock) (*Log, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, w: bufio.NewWriter(f), clock: clock}, nil
}

// WriteLine appends one timestamped line.
func (l *Log) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("write journal line: %w", os.ErrClosed)
	}
	if _, err := fmt.Fprintf(l.w, "%s %s\n", l.clock.Now().Format(TimeLayout), line); err != nil {
		return fmt.Errorf("write journal line: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.w.Flush(), l.file.Close())
}

// RecordFile appends comma-separated records, one per line.
type RecordFile struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	closed bool
}

// OpenRecords opens (or creates) path for appending.
func OpenRecords(path string) (*RecordFile, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &RecordFile{file: f, w: csv.NewWriter(f)}, nil
}

// WriteRecord appends and flushes one record.
func (r *RecordFile) WriteRecord(fields ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("write record: %w", os.ErrClosed)
	}
	if err := r.w.Write(fields); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (r *RecordFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.w.Flush()
	return errors.Join(r.w.Error(), r.file.Close())
}

// Files groups the three outputs of one server's crawl.
type Files struct {
	Log     *Log
	Players *RecordFile
	Games   *RecordFile
}

// Paths returns the log, players and games file paths for server under dir.
func Paths(dir, server string) (logPath, playersPath, gamesPath string) {
	return filepath.Join(dir, server+"log.txt"),
		filepath.Join(dir, server+"players.txt"),
		filepath.Join(dir, server+"games.txt")
}

// OpenFiles opens every output file for server, creating dir if needed.
func OpenFiles(dir, server string, clock crawler.Clock) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	logPath, playersPath, gamesPath := Paths(dir, server)
	logFile, err := OpenLog(logPath, clock)
	if err != nil {
		return nil, err
	}
	players, err := OpenRecords(playersPath)
	if err != nil {
		return nil, errors.Join(err, logFile.Close())
	}
	games, err := OpenRecords(gamesPath)
	if err != nil {
		return nil, errors.Join(err, logFile.Close(), players.Close())
	}
	if err := logFile.WriteLine("Log file created for " + server); err != nil {
		return nil, errors.Join(err, logFile.Close(), players.Close(), games.Close())
	}
	return &Files{Log: logFile, Players: players, Games: games}, nil
}

// Close closes every file.
func (f *Files) Close() error {
	return errors.Join(f.Log.Close(), f.Players.Close(), f.Games.Close())
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
