package hooks

import (
	"context"
	"path/filepath"

	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/store"
)

// Bind subscribes the manager to a Bus, translating download_completed
// and download_failed events into hook payloads. Hooks run
// asynchronously so a slow command or webhook never blocks the event
// dispatch goroutine.
func (m *Manager) Bind(bus *eventbus.Bus, st *store.StateStore) {
	bus.Subscribe(func(ev eventbus.Event) {
		var event Event
		switch ev.Kind {
		case eventbus.KindDownloadCompleted:
			event = EventComplete
		case eventbus.KindDownloadFailed:
			event = EventError
		default:
			return
		}

		dl, ok := st.GetDownload(ev.DownloadID)
		if !ok {
			return
		}

		payload := CreatePayload(event, dl.URL, filepath.Base(dl.SavePath), dl.SavePath).
			WithProgress(dl.DownloadedBytes, dl.TotalBytes, 0, dl.Progress)
		if event == EventError {
			payload = payload.WithError(errString(dl.LastError))
		}

		m.ExecuteAsync(context.Background(), payload)
	})
}

// errString wraps a stored error message so Payload.WithError can
// reuse its Error() based signature without a dependency on errors.New
// at every call site.
type errString string

func (e errString) Error() string { return string(e) }
