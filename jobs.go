package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/receipts-go/internal/api"
	"github.com/tonimelisma/receipts-go/internal/events"
	"github.com/tonimelisma/receipts-go/internal/job"
	"github.com/tonimelisma/receipts-go/internal/jobstore"
	"github.com/tonimelisma/receipts-go/internal/poller"
)

// kindUpload marks ledger rows for jobs created by `upload`.
const kindUpload = "upload"

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a receipt and start processing it",
		Long: `Upload a receipt file. The server processes it asynchronously; the job ID
is printed and recorded in the local job ledger.

With --wait, follow the job until it completes, fails, or polling gives up.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}

	cmd.Flags().Bool("wait", false, "wait for processing to finish")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobID>",
		Short: "Query a job's current status once",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <jobID>...",
		Short: "Follow jobs until they finish",
		Long: `Follow one or more jobs. Live updates are used when the push channel is
connected; otherwise the job status is polled with increasing intervals.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runWatch,
	}
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs recorded in the local ledger",
		Args:  cobra.NoArgs,
		RunE:  runJobs,
	}

	cmd.Flags().Bool("unfinished", false, "only jobs that have not reached a final state")

	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Watch every unfinished job in the ledger",
		Long: `Resume watching jobs that were still pending or processing when a previous
watch ended, including jobs whose polling gave up.`,
		Args: cobra.NoArgs,
		RunE: runResume,
	}
}

// uploadOutput is the JSON schema for `upload --json`.
type uploadOutput struct {
	JobID         string `json:"job_id"`
	Name          string `json:"name"`
	InitialStatus string `json:"initial_status"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	wait, err := cmd.Flags().GetBool("wait")
	if err != nil {
		return err
	}

	path := args[0]

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening receipt: %w", err)
	}
	defer f.Close()

	s, err := newLedgerSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	name := filepath.Base(path)

	created, err := s.Client.CreateJob(ctx, path, f)
	if err != nil {
		return explainAPIError(err)
	}

	if err := s.Ledger.Record(ctx, created.JobID, kindUpload, name); err != nil {
		s.Logger.Warn("recording job failed",
			slog.String("job_id", created.JobID),
			slog.String("error", err.Error()),
		)
	}

	s.Logger.Info("receipt uploaded",
		slog.String("job_id", created.JobID),
		slog.String("initial_status", created.InitialStatus.String()),
	)

	if flagJSON && !wait {
		return printJSON(cmd.OutOrStdout(), uploadOutput{
			JobID:         created.JobID,
			Name:          name,
			InitialStatus: created.InitialStatus.String(),
		})
	}

	if !flagJSON {
		fmt.Fprintln(cmd.OutOrStdout(), created.JobID)
	}

	if !wait {
		return nil
	}

	return watchJobs(cmd, s, []string{created.JobID})
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := newLedgerSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.Client.JobStatus(cmd.Context(), args[0])
	if err != nil {
		return explainAPIError(err)
	}

	// Publishing keeps the ledger current through its bus subscription.
	s.Bus.JobStatusChanged.Publish(events.JobStatusChanged{Status: st})

	return printStatus(cmd.OutOrStdout(), st)
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := newLedgerSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	return watchJobs(cmd, s, args)
}

func runJobs(cmd *cobra.Command, _ []string) error {
	unfinished, err := cmd.Flags().GetBool("unfinished")
	if err != nil {
		return err
	}

	s, err := newLedgerSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var records []jobstore.Record
	if unfinished {
		records, err = s.Ledger.Unfinished(cmd.Context())
	} else {
		records, err = s.Ledger.List(cmd.Context())
	}

	if err != nil {
		return err
	}

	return printJobs(cmd.OutOrStdout(), records)
}

func runResume(cmd *cobra.Command, _ []string) error {
	s, err := newLedgerSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	release, err := acquireLock(filepath.Join(s.Config.StateDir, resumeLockName))
	if err != nil {
		return err
	}
	defer release()

	records, err := s.Ledger.Unfinished(cmd.Context())
	if err != nil {
		return err
	}

	if len(records) == 0 {
		statusf(cmd.ErrOrStderr(), "No unfinished jobs.\n")
		return nil
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.JobID)
	}

	statusf(cmd.ErrOrStderr(), "Resuming %d job(s).\n", len(ids))

	return watchJobs(cmd, s, ids)
}

// watchJobs follows ids until each one finishes, printing every state
// change. Live updates and metrics run for the duration of the watch. The
// first SIGINT stops watching; jobs stay unfinished in the ledger.
func watchJobs(cmd *cobra.Command, s *Session, ids []string) error {
	ctx, release := shutdownContext(cmd.Context(), s.Logger)
	defer release()

	bgCtx, cancelBg := context.WithCancel(ctx)
	waitBg := s.RunBackground(bgCtx)

	defer func() {
		cancelBg()
		waitBg()
	}()

	out := cmd.OutOrStdout()

	var mu sync.Mutex

	handles := make([]*poller.Handle, 0, len(ids))

	for _, id := range ids {
		var last job.State

		h := s.Poller.Start(ctx, id, func(st job.Status) {
			mu.Lock()
			defer mu.Unlock()

			if st.State == last && !st.Terminal() {
				return
			}

			last = st.State

			if err := printStatus(out, st); err != nil {
				s.Logger.Warn("printing status", slog.String("error", err.Error()))
			}
		})

		handles = append(handles, h)
	}

	var unfinished int

	for _, h := range handles {
		final, err := s.Poller.Wait(ctx, h)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, poller.ErrStopped) {
				statusf(cmd.ErrOrStderr(), "Stopped watching. Run 'receipts-go resume' to continue.\n")
				return nil
			}

			return err
		}

		if final.State != job.StateCompleted || final.TimedOut {
			unfinished++
		}
	}

	if unfinished > 0 {
		return fmt.Errorf("%d of %d job(s) did not complete", unfinished, len(handles))
	}

	return nil
}

// explainAPIError maps session errors to an actionable message.
func explainAPIError(err error) error {
	switch {
	case errors.Is(err, api.ErrNotLoggedIn), errors.Is(err, api.ErrRenewalFailed):
		return fmt.Errorf("not signed in: run 'receipts-go login' first")
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("job not found: %w", err)
	default:
		return err
	}
}

// newLedgerSession is newCommandSession plus the job ledger.
func newLedgerSession(cmd *cobra.Command) (*Session, error) {
	s, err := newCommandSession(cmd)
	if err != nil {
		return nil, err
	}

	if err := s.OpenLedger(cmd.Context()); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}
