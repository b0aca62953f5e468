package engine

import (
	"context"
	"fmt"

	"taskbridge/internal/database"
	"taskbridge/internal/models"
)

const (
	presencePresent = "present"
	presenceMissing = "missing"
)

// validateIntegrity compares the local store with the remote snapshot. The
// remote side is loaded when the cycle did not pull. Differences are
// reported, never corrected.
func (e *Engine) validateIntegrity(ctx context.Context, snapshot []models.Task, pulled, online bool) (models.IntegrityReport, error) {
	if !pulled {
		if !online {
			return models.IntegrityReport{}, nil
		}
		tasks, err := e.remote.LoadAllTasks(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("integrity check skipped")
			return models.IntegrityReport{}, nil
		}
		snapshot = tasks
	}

	local, err := e.store.LoadTasks(ctx, database.LoadOptions{ForceRefresh: true})
	if err != nil {
		return models.IntegrityReport{}, fmt.Errorf("load local tasks: %w", err)
	}

	report := compareSnapshots(local, snapshot)
	if !report.OK() {
		e.logger.Warn().
			Int("local_count", report.LocalCount).
			Int("remote_count", report.RemoteCount).
			Int("mismatches", len(report.Mismatches)).
			Msg("integrity mismatches found")
	}
	return report, nil
}

func compareSnapshots(local, remote []models.Task) models.IntegrityReport {
	report := models.IntegrityReport{
		Checked:     true,
		LocalCount:  len(local),
		RemoteCount: len(remote),
	}

	byRemoteID := make(map[string]models.Task, len(remote))
	for _, rt := range remote {
		if rt.RemoteID != "" {
			byRemoteID[rt.RemoteID] = rt
		}
	}

	matched := make(map[string]bool, len(local))
	for i := range local {
		lt := local[i]
		rt, ok := byRemoteID[lt.RemoteID]
		if lt.RemoteID == "" || !ok {
			report.Mismatches = append(report.Mismatches, models.IntegrityMismatch{
				TaskID: lt.ID, Field: "presence", Local: presencePresent, Remote: presenceMissing,
			})
			continue
		}
		matched[lt.RemoteID] = true

		lc, rc := lt.Content(), rt.Content()
		fields := []struct{ name, local, remote string }{
			{"title", lc.Title, rc.Title},
			{"status", lc.Status, rc.Status},
			{"priority", lc.Priority, rc.Priority},
			{"description", lc.Description, rc.Description},
		}
		for _, f := range fields {
			if f.local != f.remote {
				report.Mismatches = append(report.Mismatches, models.IntegrityMismatch{
					TaskID: lt.ID, Field: f.name, Local: f.local, Remote: f.remote,
				})
			}
		}
	}

	for _, rt := range remote {
		if rt.RemoteID != "" && matched[rt.RemoteID] {
			continue
		}
		id := rt.ID
		if id == "" {
			id = rt.RemoteID
		}
		report.Mismatches = append(report.Mismatches, models.IntegrityMismatch{
			TaskID: id, Field: "presence", Local: presenceMissing, Remote: presencePresent,
		})
	}
	return report
}
