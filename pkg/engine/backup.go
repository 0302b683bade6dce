package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/sophia/pkg/events"
	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/planner"
	"github.com/cuemby/sophia/pkg/types"
)

// backupDirName formats a backup staging directory name
func backupDirName(bsn uint64, complete bool) string {
	if complete {
		return fmt.Sprintf("%020d", bsn)
	}
	return fmt.Sprintf("%020d.incomplete", bsn)
}

// Backup starts a repository backup: every store's node files are copied
// into a staging directory that is renamed into place when the last node
// lands. The returned BSN identifies the backup. Copying is asynchronous;
// subscribe to the event broker for completion.
func (e *Env) Backup() (uint64, error) {
	if e.cfg.BackupPath == "" {
		return 0, fmt.Errorf("backup is not configured")
	}
	if err := e.writable(); err != nil {
		return 0, err
	}
	if !e.backupBSN.CompareAndSwap(0, 1) {
		return 0, fmt.Errorf("a backup is already in progress")
	}

	bsn := e.seq.NextBSN()
	e.backupBSN.Store(bsn)

	staging := filepath.Join(e.cfg.BackupPath, backupDirName(bsn, false))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		e.backupBSN.Store(0)
		return 0, fmt.Errorf("failed to create backup staging: %w", err)
	}

	e.mu.Lock()
	for _, st := range e.stores {
		dir := filepath.Join(staging, st.name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			e.mu.Unlock()
			e.backupBSN.Store(0)
			return 0, fmt.Errorf("failed to create backup store dir: %w", err)
		}
		if err := copyFile(filepath.Join(st.path, schemeFileName), filepath.Join(dir, schemeFileName)); err != nil {
			e.mu.Unlock()
			e.backupBSN.Store(0)
			return 0, err
		}
		st.mu.Lock()
		st.plan.RequestBackup(bsn)
		st.mu.Unlock()
	}
	e.mu.Unlock()

	e.broker.Publish(events.New(events.EventBackupStarted, "",
		fmt.Sprintf("backup %020d started", bsn)))
	return bsn, nil
}

// backupNode copies one node file into the staging directory. A copy
// error stops the backup but does not poison the engine.
func (e *Env) backupNode(st *Store, t *planner.Task) {
	n := t.Node
	staging := filepath.Join(e.cfg.BackupPath, backupDirName(t.TargetBSN, false))
	dst := filepath.Join(staging, st.name, filepath.Base(n.Path))

	err := copyFile(n.Path, dst)

	st.mu.Lock()
	if err == nil {
		n.BackupBSN = t.TargetBSN
	}
	n.Locked = false
	st.backupBusy = false
	st.mu.Unlock()

	if err != nil {
		st.logger.Error().Err(err).Uint64("node_id", n.ID).Msg("Backup copy failed")
		e.abortBackup(t.TargetBSN)
		return
	}
	metrics.CompactionsTotal.WithLabelValues(types.TaskBackup.String()).Inc()
}

// abortBackup cancels an in-flight backup after a copy error
func (e *Env) abortBackup(bsn uint64) {
	e.mu.Lock()
	for _, st := range e.stores {
		st.mu.Lock()
		st.plan.CancelBackup()
		st.mu.Unlock()
	}
	e.mu.Unlock()

	staging := filepath.Join(e.cfg.BackupPath, backupDirName(bsn, false))
	if err := os.RemoveAll(staging); err != nil {
		e.logger.Error().Err(err).Msg("Failed to remove aborted backup staging")
	}
	e.backupBSN.Store(0)
	e.broker.Publish(events.New(events.EventBackupFailed, "",
		fmt.Sprintf("backup %020d aborted", bsn)))
	e.logger.Warn().Uint64("bsn", bsn).Msg("Backup aborted")
}

// finalizeBackup renames the staging directory into place once every
// store's planner has drained its backup target. Called from the
// scheduler loop.
func (e *Env) finalizeBackup() {
	bsn := e.backupBSN.Load()
	if bsn == 0 {
		return
	}

	e.mu.Lock()
	done := true
	for _, st := range e.stores {
		st.mu.Lock()
		if st.plan.BackupActive() != 0 || st.backupBusy {
			done = false
		}
		st.mu.Unlock()
		if !done {
			break
		}
	}
	e.mu.Unlock()
	if !done {
		return
	}

	from := filepath.Join(e.cfg.BackupPath, backupDirName(bsn, false))
	to := filepath.Join(e.cfg.BackupPath, backupDirName(bsn, true))
	if err := os.Rename(from, to); err != nil {
		e.logger.Error().Err(err).Msg("Failed to finalize backup")
		return
	}
	e.backupBSN.Store(0)
	e.broker.Publish(events.New(events.EventBackupCompleted, "",
		fmt.Sprintf("backup %020d complete", bsn)))
	e.logger.Info().Uint64("bsn", bsn).Msg("Backup complete")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return nil
}
