package pipeline

import "walpipe/internal/wire"

// dedupWindow implements the non-transactional-sink deduplication rule:
// after a restart, events whose commit_lsn is at or below the sink's last
// durable commit are suppressed until the first strictly greater commit
// arrives; that commit and every later one are delivered. A bounded ring of recently-seen commit LSNs additionally
// guards against a commit being replayed inside the window itself (a
// reconnect mid-stream re-sending frames the client already applied but
// hadn't yet reported durable).
type dedupWindow struct {
	lastDurable wire.LSN
	suppressing bool
	seen        map[wire.LSN]struct{}
	order       []wire.LSN
	capacity    int
}

func newDedupWindow(lastDurable wire.LSN, capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupWindow{
		lastDurable: lastDurable,
		suppressing: lastDurable > 0,
		seen:        make(map[wire.LSN]struct{}, capacity),
		capacity:    capacity,
	}
}

// ShouldSuppress reports whether the transaction committing at commitLSN
// should be withheld from a non-transactional sink. Once a commit strictly
// greater than lastDurable is seen, suppression ends permanently for the
// remainder of the session.
func (d *dedupWindow) ShouldSuppress(commitLSN wire.LSN) bool {
	if !d.suppressing {
		return d.alreadySeen(commitLSN)
	}
	if commitLSN > d.lastDurable {
		d.suppressing = false
		return d.alreadySeen(commitLSN)
	}
	return true
}

// Observe records commitLSN as applied, evicting the oldest entry once the
// window is full.
func (d *dedupWindow) Observe(commitLSN wire.LSN) {
	if _, ok := d.seen[commitLSN]; ok {
		return
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, commitLSN)
	d.seen[commitLSN] = struct{}{}
}

func (d *dedupWindow) alreadySeen(commitLSN wire.LSN) bool {
	_, ok := d.seen[commitLSN]
	return ok
}
