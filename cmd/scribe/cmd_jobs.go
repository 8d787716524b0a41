package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scribe/internal/models"
)

func newSubmitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "submit <file|url>",
		Short: "Queue a transcription job and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.submit(cmd.Context(), cmd, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	addJobFlags(c)
	return c
}

func newTranscribeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "transcribe <file|url>",
		Short: "Transcribe a source in the foreground and print the Markdown",
		Long: "Queues the source like submit, then runs the worker in this process " +
			"until the job finishes. Jobs queued earlier are processed first.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.submit(ctx, cmd, args[0])
			if err != nil {
				return err
			}
			a.log.WithField("job_id", job.ID).Info("transcribing")

			job, err = a.runUntilDone(ctx, job.ID)
			if err != nil {
				return err
			}
			if job.Status == models.JobStatusError {
				return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
			}
			if job.Degraded() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: speaker labels unavailable (%s)\n", job.DiarizationError)
			}

			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				fmt.Fprint(cmd.OutOrStdout(), job.ResultText)
				return nil
			}
			if err := os.WriteFile(out, []byte(job.ResultText), 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", out)
			return nil
		},
	}
	addJobFlags(c)
	c.Flags().StringP("output", "o", "", "write the transcript to this file instead of stdout")
	return c
}

// runUntilDone はジョブが終了状態になるまでワーカーをこのプロセスで回す
// 待機中も stale_after ごとに孤児回収を行い、停止した別プロセスのジョブを引き取る
func (a *app) runUntilDone(ctx context.Context, id string) (*models.Job, error) {
	w := a.startPipeline()
	if _, err := w.RecoverOrphans(ctx); err != nil {
		return nil, err
	}
	lastRecovery := time.Now()
	for {
		job, err := a.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		worked, err := w.RunOnce(ctx)
		if err != nil {
			return nil, err
		}
		if worked {
			continue
		}
		// 別プロセスのワーカーが処理中
		if time.Since(lastRecovery) >= a.cfg.Worker.StaleAfter {
			if _, err := w.RecoverOrphans(ctx); err != nil {
				return nil, err
			}
			lastRecovery = time.Now()
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.Worker.PollInterval):
		}
	}
}

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.getJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			if showResult, _ := cmd.Flags().GetBool("result"); showResult && job.ResultText != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s", job.ResultText)
			}
			return nil
		},
	}
	c.Flags().Bool("json", false, "print the job as JSON")
	c.Flags().Bool("result", false, "print the transcript of a completed job")
	return c
}

func newJobsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			status, _ := cmd.Flags().GetString("status")

			var jobs []models.Job
			if status != "" {
				st := models.JobStatus(status)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				jobs, err = a.jobs.ListByStatus(cmd.Context(), st, limit)
			} else {
				jobs, err = a.jobs.ListRecent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			printJobTable(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	c.Flags().String("status", "", "filter by status (queued, downloading, processing, completed, error)")
	c.Flags().Int("limit", 20, "maximum number of jobs")
	c.Flags().Bool("json", false, "print as JSON")
	return c
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.jobs.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newRecoverCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "recover",
		Short: "Fail in-flight jobs whose heartbeat has gone stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			staleAfter := a.cfg.Worker.StaleAfter
			if d, _ := cmd.Flags().GetDuration("stale-after"); d > 0 {
				staleAfter = d
			}
			n, err := a.jobs.RecoverOrphans(cmd.Context(), staleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d job(s)\n", n)
			return nil
		},
	}
	c.Flags().Duration("stale-after", 0, "heartbeat age that marks a job orphaned (default worker.stale_after)")
	return c
}
