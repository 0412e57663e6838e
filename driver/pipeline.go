package driver

import (
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// EnterPipelineMode requests pipeline mode. It is rejected (false) unless
// the in-flight FIFO is empty and the driver is Connected. autoSync, if
// non-zero, makes the driver emit a Sync whenever the time since the last
// one exceeds autoSync or the auto-sync query-count threshold is reached.
func (d *Driver) EnterPipelineMode(autoSync time.Duration) bool {
	ok := make(chan bool, 1)
	d.rct.Post(func() {
		if d.state != Connected || len(d.queue) != 0 || d.pipelineStatus != PipelineOff {
			ok <- false
			return
		}
		d.pipelineStatus = PipelineOn
		d.pipelineAutoSync = autoSync
		d.dispatchedSinceSync = 0
		if autoSync > 0 {
			d.scheduleAutoSync()
		}
		ok <- true
	})
	return <-ok
}

// PipelineSync writes an explicit Sync boundary, clearing Aborted once the
// server acknowledges it via ReadyForQuery.
func (d *Driver) PipelineSync() {
	d.rct.Post(func() {
		d.sendSync()
	})
}

// ExitPipelineMode leaves pipeline mode after the next Sync boundary
// clears any outstanding work. If the FIFO is already empty and nothing is
// awaiting a ReadyForQuery, it takes effect immediately.
func (d *Driver) ExitPipelineMode() {
	d.rct.Post(func() {
		if d.pipelineStatus == PipelineOff {
			return
		}
		if d.dispatchedSinceSync == 0 && len(d.queue) == 0 {
			d.pipelineStatus = PipelineOff
			d.stopSyncTimer()
			return
		}
		d.pendingExit = true
		d.sendSync()
	})
}

func (d *Driver) sendSync() {
	if d.frontend == nil {
		return
	}
	d.frontend.Send(&pgproto3.Sync{})
	if err := d.frontend.Flush(); err != nil {
		d.fail(err)
		return
	}
	d.dispatchedSinceSync = 0
	if d.pipelineAutoSync > 0 {
		d.scheduleAutoSync()
	}
}

// scheduleAutoSync (re)arms the auto-sync timer relative to now.
func (d *Driver) scheduleAutoSync() {
	d.stopSyncTimer()
	d.pipelineSyncTimer = d.rct.AfterFunc(d.pipelineAutoSync, func() {
		if d.pipelineStatus != PipelineOn {
			return
		}
		if d.dispatchedSinceSync > 0 {
			d.sendSync()
		} else {
			d.scheduleAutoSync()
		}
	})
}

func (d *Driver) stopSyncTimer() {
	if d.pipelineSyncTimer != nil {
		d.pipelineSyncTimer.Stop()
		d.pipelineSyncTimer = nil
	}
}
