package store

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

// stamper issues strictly increasing UTC timestamps and remembers which of
// them belong to writes that have not reached the backend yet. Reads stop
// short of the oldest unfinished stamp in their group, so a "since" cursor
// never moves past an item that is still being written.
type stamper struct {
	mu       sync.Mutex
	last     int64
	inflight map[streams.GroupRef]map[int64]struct{}
}

// issue returns the next stamp for a write into ref. done must be called
// once the write has finished, whatever its outcome.
func (s *stamper) issue(ref streams.GroupRef, now time.Time) (time.Time, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := max(now.UnixNano(), s.last+1)
	s.last = stamp
	if s.inflight == nil {
		s.inflight = make(map[streams.GroupRef]map[int64]struct{})
	}
	pending := s.inflight[ref]
	if pending == nil {
		pending = make(map[int64]struct{})
		s.inflight[ref] = pending
	}
	pending[stamp] = struct{}{}

	var once sync.Once
	return time.Unix(0, stamp).UTC(), func() {
		once.Do(func() { s.finish(ref, stamp) })
	}
}

func (s *stamper) finish(ref streams.GroupRef, stamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.inflight[ref]
	delete(pending, stamp)
	if len(pending) == 0 {
		delete(s.inflight, ref)
	}
}

// horizon returns the earliest stamp in ref that may not be readable yet.
// Every item of ref stamped before it has either been written or failed.
func (s *stamper) horizon(ref streams.GroupRef, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pending := s.inflight[ref]; len(pending) > 0 {
		oldest := int64(0)
		for stamp := range pending {
			if oldest == 0 || stamp < oldest {
				oldest = stamp
			}
		}
		return time.Unix(0, oldest).UTC()
	}
	// Later writes must stamp after this point.
	s.last = max(s.last, now.UnixNano())
	return time.Unix(0, s.last+1).UTC()
}
