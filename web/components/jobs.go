// Package components holds the HTML views served by the API. Views are
// written in templ; run `templ generate` after editing a .templ file.
package components

import "scribe/internal/models"

func statusLabel(j models.Job) string {
	if j.Status == models.JobStatusProcessing && j.CurrentStage != "" {
		return string(j.Status) + " (" + string(j.CurrentStage) + ")"
	}
	return string(j.Status)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
