package itinerary

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// UpdateStatus values.
const (
	StatusUpdateAvailable = "update-available"
	StatusWorkerWaiting   = "worker-waiting"
	StatusUpToDate        = "up-to-date"
	StatusError           = "error"
)

// UpdateResult is the outcome of CheckForUpdates.
type UpdateResult struct {
	Status        string `json:"status"`
	LocalVersion  string `json:"localVersion,omitempty"`
	RemoteVersion string `json:"remoteVersion,omitempty"`
	Error         string `json:"error,omitempty"`
}

// CheckForUpdates reports a waiting worker version first; otherwise it probes
// the document with HEAD and, when localVersion is known, compares it against
// the remote dataVersion. A remote document that cannot be decoded counts as up to date.
func (l *Loader) CheckForUpdates(ctx context.Context, localVersion string) UpdateResult {
	res := UpdateResult{LocalVersion: localVersion}
	if l.worker != nil && l.worker.HasWaiting() {
		res.Status = StatusWorkerWaiting
		return res
	}

	if _, err := l.get(ctx, "HEAD", true); err != nil {
		l.logger.Info("update check failed", zap.Error(err))
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}
	if localVersion == "" {
		res.Status = StatusUpToDate
		return res
	}

	body, err := l.get(ctx, "GET", true)
	if err != nil {
		res.Status = StatusUpToDate
		return res
	}
	var remote struct {
		TripInfo struct {
			DataVersion string `json:"dataVersion"`
		} `json:"tripInfo"`
	}
	if err := json.Unmarshal(body, &remote); err != nil {
		res.Status = StatusUpToDate
		return res
	}
	res.RemoteVersion = remote.TripInfo.DataVersion
	if res.RemoteVersion != "" && res.RemoteVersion != localVersion {
		res.Status = StatusUpdateAvailable
		return res
	}
	res.Status = StatusUpToDate
	return res
}
