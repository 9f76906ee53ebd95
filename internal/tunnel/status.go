package tunnel

import (
	"fmt"
	"time"

	"github.com/jpillora/sizestr"
)

// Status is a point-in-time view of the session for diagnostics.
type Status struct {
	Running       bool      `json:"running"`
	SessionID     string    `json:"session_id,omitempty"`
	Workers       int       `json:"workers"`
	InFlight      int       `json:"in_flight"`
	TargetOnRoad  int       `json:"target_on_road"`
	Connections   int       `json:"connections"`
	QueueBlocks   int       `json:"queue_blocks"`
	QueueBytes    int       `json:"queue_bytes"`
	PendingAcks   int       `json:"pending_acks"`
	PendingFrames int       `json:"pending_frames"`
	RetryBacklog  int       `json:"retry_backlog"`
	UploadBytes   uint64    `json:"upload_bytes"`
	DownloadBytes uint64    `json:"download_bytes"`
	UploadRate    float64   `json:"upload_bytes_per_sec"`
	DownloadRate  float64   `json:"download_bytes_per_sec"`
	Roundtrips    uint64    `json:"roundtrips"`
	Retries       uint64    `json:"retries"`
	Timeouts      uint64    `json:"timeouts"`
	Resets        uint64    `json:"resets"`
	LastRoundtrip time.Time `json:"last_roundtrip,omitempty"`
	LastDownload  time.Time `json:"last_download,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

func (st Status) String() string {
	state := "stopped"
	if st.Running {
		state = "running " + st.SessionID
	}
	s := fmt.Sprintf("%s conns=%d inflight=%d/%d target=%d queue=%d(%s) up=%s(%s/s) down=%s(%s/s) roundtrips=%d retries=%d timeouts=%d resets=%d",
		state, st.Connections, st.InFlight, st.Workers, st.TargetOnRoad,
		st.QueueBlocks, sizestr.ToString(int64(st.QueueBytes)),
		sizestr.ToString(int64(st.UploadBytes)), sizestr.ToString(int64(st.UploadRate)),
		sizestr.ToString(int64(st.DownloadBytes)), sizestr.ToString(int64(st.DownloadRate)),
		st.Roundtrips, st.Retries, st.Timeouts, st.Resets)
	if st.LastError != "" {
		s += " err=" + st.LastError
	}
	return s
}

type trafficSample struct {
	at       time.Time
	up, down uint64
	upRate   float64
	downRate float64
}

// Status reports counters and queue depths. Rates are averaged since the
// previous call, refreshed at most once per second.
func (s *Session) Status() Status {
	st := Status{
		Workers:       s.cfg.Concurrency,
		UploadBytes:   s.uploadBytes.Load(),
		DownloadBytes: s.downloadBytes.Load(),
		Roundtrips:    s.roundtrips.Load(),
		Retries:       s.retries.Load(),
		Timeouts:      s.timeouts.Load(),
		Resets:        s.resets.Load(),
	}

	s.mu.Lock()
	g := s.gen
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	now := time.Now()
	if el := now.Sub(s.sample.at); s.sample.at.IsZero() || el >= time.Second {
		if !s.sample.at.IsZero() {
			s.sample.upRate = float64(st.UploadBytes-s.sample.up) / el.Seconds()
			s.sample.downRate = float64(st.DownloadBytes-s.sample.down) / el.Seconds()
		}
		s.sample.at, s.sample.up, s.sample.down = now, st.UploadBytes, st.DownloadBytes
	}
	st.UploadRate, st.DownloadRate = s.sample.upRate, s.sample.downRate
	s.mu.Unlock()

	if g == nil {
		return st
	}
	st.Running = g.running.Load()
	st.SessionID = g.id.String()
	st.Connections = g.conns.Len()
	st.QueueBlocks = g.queue.Len()
	st.QueueBytes = g.queue.Size()
	st.PendingAcks = g.acks.Len()
	st.PendingFrames = g.reorder.Pending()
	if ns := g.lastRoundtrip.Load(); ns != 0 {
		st.LastRoundtrip = time.Unix(0, ns)
	}
	if ns := g.lastDownload.Load(); ns != 0 {
		st.LastDownload = time.Unix(0, ns)
	}
	g.mu.Lock()
	st.InFlight = g.inFlight
	st.TargetOnRoad = g.target
	st.RetryBacklog = len(g.retries)
	g.mu.Unlock()
	return st
}
