package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"scribe/internal/models"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJob(w io.Writer, j *models.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("ID", j.ID)
	row("Status", string(j.Status))
	row("Stage", string(j.CurrentStage))
	if j.Status != models.JobStatusQueued {
		row("Progress", progress(j))
	}
	row("Source", fmt.Sprintf("%s %s", j.Source.Kind, j.Source.Value))
	row("Model", j.Options.Model)
	if j.Options.Diarize {
		row("Speakers", speakerRange(j.Options))
	}
	if rng := j.Options.Range(); !rng.IsZero() {
		row("Range", timeRange(rng))
	}
	row("Created", when(j.CreatedAt))
	if j.StartedAt != nil {
		row("Started", when(*j.StartedAt))
	}
	if j.CompletedAt != nil {
		row("Finished", when(*j.CompletedAt))
	}
	row("Language", j.DetectedLanguage)
	if j.SpeakerCount != nil {
		row("Detected speakers", fmt.Sprint(*j.SpeakerCount))
	}
	if j.Degraded() {
		row("Diarization", "unavailable ("+j.DiarizationError+")")
	}
	row("Error", j.ErrorMessage)
	if j.ResultText != "" {
		row("Result", humanize.IBytes(uint64(len(j.ResultText))))
	}
}

func printJobTable(w io.Writer, jobs []models.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSOURCE\tMODEL\tCREATED")
	for _, j := range jobs {
		status := string(j.Status)
		if j.Degraded() {
			status += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\n", j.ID, status, j.Progress, truncate(j.Source.Value, 48), j.Options.Model, humanize.Time(j.CreatedAt))
	}
}

// progress は全体進捗と、ステージ内進捗（ダウンロード中はダウンロード進捗）を並べる
func progress(j *models.Job) string {
	s := fmt.Sprintf("%d%%", j.Progress)
	if j.Status.IsTerminal() || j.CurrentStage == "" {
		return s
	}
	phase := j.PhaseProgress
	if j.CurrentStage == models.StageDownload && j.DownloadProgress != nil {
		phase = *j.DownloadProgress
	}
	return fmt.Sprintf("%s (%s %d%%)", s, j.CurrentStage, phase)
}

func timeRange(r models.TimeRange) string {
	clock := func(v *float64, fallback string) string {
		if v == nil {
			return fallback
		}
		d := time.Duration(*v * float64(time.Second))
		return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
	return clock(r.Start, "start") + " - " + clock(r.End, "end")
}

func speakerRange(o models.Options) string {
	switch {
	case o.MinSpeakers != nil && o.MaxSpeakers != nil:
		return fmt.Sprintf("%d-%d", *o.MinSpeakers, *o.MaxSpeakers)
	case o.MinSpeakers != nil:
		return fmt.Sprintf("at least %d", *o.MinSpeakers)
	case o.MaxSpeakers != nil:
		return fmt.Sprintf("at most %d", *o.MaxSpeakers)
	default:
		return "auto"
	}
}

func when(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.Time(t))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n+3:])
}
