package orchestrator

import (
	"fmt"

	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/store"
)

// PauseDownload moves a download to paused, cancelling its in-flight
// transfer if one is running. The StateStore's optimistic transition
// guard (expectedPrev) protects against a race with the transfer
// goroutine's own terminal transition: whichever commits first wins,
// and the loser's TransitionState call becomes a no-op.
func (e *Engine) PauseDownload(id int64) error {
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return fmt.Errorf("download %d not found", id)
	}
	if dl.State == model.StatePaused {
		return nil
	}
	if dl.State.IsTerminal() {
		return fmt.Errorf("download %d is in terminal state %s", id, dl.State)
	}

	e.cancelRunning(id)
	e.sessions.Invalidate(id)

	if !e.store.TransitionState(id, model.StatePaused, dl.State) {
		return fmt.Errorf("download %d could not pause from %s", id, dl.State)
	}
	return nil
}

// ResumeDownload moves a paused download back to queued so the next
// queue pump picks it up.
func (e *Engine) ResumeDownload(id int64) error {
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return fmt.Errorf("download %d not found", id)
	}
	if dl.State != model.StatePaused {
		return fmt.Errorf("download %d is not paused (state %s)", id, dl.State)
	}
	if !e.store.TransitionState(id, model.StateQueued, model.StatePaused) {
		return fmt.Errorf("download %d could not resume", id)
	}
	e.triggerQueue()
	return nil
}

// CancelDownload moves a download to cancelled, cancelling its
// in-flight transfer if one is running.
func (e *Engine) CancelDownload(id int64) error {
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return fmt.Errorf("download %d not found", id)
	}
	if dl.State == model.StateCancelled {
		return nil
	}
	if dl.State == model.StateCompleted {
		return fmt.Errorf("download %d already completed", id)
	}

	e.cancelRunning(id)
	e.sessions.Invalidate(id)

	if !e.store.TransitionState(id, model.StateCancelled, dl.State) {
		return fmt.Errorf("download %d could not cancel from %s", id, dl.State)
	}
	if e.chunks != nil {
		e.chunks.DeleteAllChunks(id)
	}
	e.store.DeleteChunks(id)
	return nil
}

// PauseAll pauses every download not already in a terminal state.
func (e *Engine) PauseAll() []error {
	var errs []error
	for state := range activeStates {
		for _, dl := range e.store.GetDownloadsByState(state) {
			if err := e.PauseDownload(dl.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, dl := range e.store.GetDownloadsByState(model.StateQueued) {
		if err := e.PauseDownload(dl.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ResumeAll resumes every currently paused download.
func (e *Engine) ResumeAll() []error {
	var errs []error
	for _, dl := range e.store.GetDownloadsByState(model.StatePaused) {
		if err := e.ResumeDownload(dl.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CancelAll cancels every active, queued or paused download; failed
// and completed downloads are left as they are.
func (e *Engine) CancelAll() []error {
	var errs []error
	for state := range activeStates {
		for _, dl := range e.store.GetDownloadsByState(state) {
			if err := e.CancelDownload(dl.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, s := range []model.State{model.StateQueued, model.StatePaused} {
		for _, dl := range e.store.GetDownloadsByState(s) {
			if err := e.CancelDownload(dl.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// ConfirmOverwrite clears a needs_confirmation pause and requeues the
// download with force_overwrite set.
func (e *Engine) ConfirmOverwrite(id int64) error {
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return fmt.Errorf("download %d not found", id)
	}
	if dl.State != model.StatePaused {
		return fmt.Errorf("download %d is not awaiting confirmation", id)
	}
	force := true
	e.store.UpdateDownload(id, store.PartialUpdate{ForceOverwrite: &force})
	e.store.ClearLastError(id)
	if !e.store.TransitionState(id, model.StateQueued, model.StatePaused) {
		return fmt.Errorf("download %d could not requeue after confirmation", id)
	}
	e.triggerQueue()
	return nil
}

// RestartStoppedWithOverwrite requeues failed or cancelled downloads
// with force_overwrite set, so a retry doesn't immediately re-trip the
// same existing-file confirmation. With no ids given, every failed or
// cancelled download is restarted.
func (e *Engine) RestartStoppedWithOverwrite(ids ...int64) []error {
	var targets []model.Download
	if len(ids) == 0 {
		targets = append(targets, e.store.GetDownloadsByState(model.StateFailed)...)
		targets = append(targets, e.store.GetDownloadsByState(model.StateCancelled)...)
	} else {
		for _, id := range ids {
			if dl, ok := e.store.GetDownload(id); ok {
				targets = append(targets, dl)
			}
		}
	}

	var errs []error
	for _, dl := range targets {
		if dl.State != model.StateFailed && dl.State != model.StateCancelled {
			errs = append(errs, fmt.Errorf("download %d is not stopped (state %s)", dl.ID, dl.State))
			continue
		}
		force := true
		zero := 0
		e.store.UpdateDownload(dl.ID, store.PartialUpdate{ForceOverwrite: &force, RetryCount: &zero})
		e.store.ClearLastError(dl.ID)
		if !e.store.TransitionState(dl.ID, model.StateQueued, dl.State) {
			errs = append(errs, fmt.Errorf("download %d could not requeue", dl.ID))
			continue
		}
	}
	e.triggerQueue()
	return errs
}
