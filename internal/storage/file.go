package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

// fileStore keeps every record in memory, indexed per room and sorted by time,
// and appends each new one to <path> as a JSON line. Pruning rewrites the file.
type fileStore struct {
	log  logx.Logger
	path string

	mu    sync.Mutex
	f     *os.File
	rooms map[string][]record
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	rooms := map[string][]record{}
	n, bad, err := loadRecords(path, rooms)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if bad > 0 {
		log.Warn("skipped corrupt message log lines", logx.String("path", path), logx.Int("lines", bad))
	}
	for room := range rooms {
		recs := rooms[room]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].AtMS < recs[j].AtMS })
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("message log loaded", logx.String("path", path), logx.Int("records", n), logx.Int("rooms", len(rooms)))
	return &fileStore{log: log, path: path, f: f, rooms: rooms}, nil
}

func loadRecords(path string, out map[string][]record) (n, bad int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil || r.Room == "" {
			bad++
			continue
		}
		out[r.Room] = append(out[r.Room], r)
		n++
	}
	return n, bad, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendMessage(ctx context.Context, room string, m transport.Message) error {
	_ = ctx
	r := toRecord(room, m)
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	recs := s.rooms[room]
	// messages usually arrive in order; insert keeps the slice sorted otherwise
	i := sort.Search(len(recs), func(i int) bool { return recs[i].AtMS > r.AtMS })
	recs = append(recs, record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = r
	s.rooms[room] = recs
	return nil
}

func (s *fileStore) MessagesBefore(ctx context.Context, room string, before time.Time, limit int) ([]transport.Message, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	ms := before.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	recs := s.rooms[room]
	end := sort.Search(len(recs), func(i int) bool { return recs[i].AtMS >= ms })
	out := make([]transport.Message, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i].message())
	}
	return out, nil
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	ms := cutoff.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}
	var dropped int64
	for room, recs := range s.rooms {
		i := sort.Search(len(recs), func(i int) bool { return recs[i].AtMS >= ms })
		dropped += int64(i)
		if i == len(recs) {
			delete(s.rooms, room)
			continue
		}
		s.rooms[room] = append([]record(nil), recs[i:]...)
	}
	if dropped == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(); err != nil {
		return dropped, err
	}
	return dropped, nil
}

// rewriteLocked replaces the log with the in-memory records via tmp + rename.
func (s *fileStore) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, recs := range s.rooms {
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	_ = s.f.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	return nil
}
