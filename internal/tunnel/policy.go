package tunnel

import "time"

const (
	// busyWait is how long a worker parks on the upload queue when most of
	// the pool already has a round-trip in flight.
	busyWait = 10 * time.Second

	// recentDownload is how fresh downstream data must be to keep extra
	// workers polling.
	recentDownload = time.Second
)

// loadSnapshot is an immutable view of session load used by the policy
// functions below.
type loadSnapshot struct {
	InFlight          int
	Concurrency       int
	Connections       int
	QueueDepth        int
	SinceLastDownload time.Duration
	MinOnRoad         int
	TargetOnRoad      int
}

func (s loadSnapshot) busy() bool {
	return s.InFlight*10 >= s.Concurrency*8
}

// uploadWait picks how long a worker blocks on the upload queue before it
// issues a round-trip.
func uploadWait(s loadSnapshot) time.Duration {
	if s.busy() {
		return busyWait
	}
	if s.Connections > 0 {
		if s.InFlight < s.MinOnRoad {
			return 0
		}
		if s.SinceLastDownload < recentDownload && s.InFlight < s.TargetOnRoad {
			return 0
		}
	}
	return WaitForever
}

// serverTimeout picks how long the remote endpoint may hold the request open
// waiting for downstream data. Zero asks for an immediate reply.
func serverTimeout(s loadSnapshot, hold time.Duration, retry bool) uint8 {
	if retry || s.QueueDepth > 0 || s.busy() || hold <= 0 {
		return 0
	}
	secs := hold / time.Second
	if secs > 0xff {
		secs = 0xff
	}
	return uint8(secs)
}

// extraReaders returns how many idle workers to wake after new downstream
// data, so bursts are drained by more concurrent polls.
func extraReaders(s loadSnapshot, idle int) int {
	n := s.TargetOnRoad - s.InFlight
	if n > idle {
		n = idle
	}
	if n < 0 {
		return 0
	}
	return n
}
