package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/browser"
	"github.com/JakeFAU/navtrack/internal/server"
	"github.com/JakeFAU/navtrack/internal/upload"
)

type recordOptions struct {
	urls      []string
	testName  string
	specFile  string
	sessionID string
	metadata  map[string]string
	dwell     time.Duration
	wait      time.Duration
}

type recordResult struct {
	SessionID   string        `json:"session_id"`
	UploadID    string        `json:"upload_id,omitempty"`
	TestID      string        `json:"test_id,omitempty"`
	Trigger     string        `json:"trigger"`
	Status      string        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Navigations int           `json:"navigations"`
	Background  []string      `json:"background,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

func newRecordCmd() *cobra.Command {
	opts := recordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Drive a browser through a list of URLs and record the session.",
		Long: `record opens a Chrome tab, visits every --url in order and tracks the
navigations the page performs, including history API changes. At the end the
session is uploaded to the collector and the outcome is printed as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runRecord(cmd, appInstance, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "URL to visit; repeat for several pages")
	cmd.Flags().StringVar(&opts.testName, "test-name", "", "name of the test being recorded")
	cmd.Flags().StringVar(&opts.specFile, "spec-file", "", "spec file the test belongs to")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "session id (generated when empty)")
	cmd.Flags().StringToStringVar(&opts.metadata, "metadata", nil, "extra session metadata as key=value pairs")
	cmd.Flags().DurationVar(&opts.dwell, "dwell", 0, "time to stay on each page so client-side routing can settle")
	cmd.Flags().DurationVar(&opts.wait, "wait", 30*time.Second, "how long to wait for detached uploads before exiting")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("test-name")
	return cmd
}

func runRecord(cmd *cobra.Command, app *server.App, opts recordOptions) error {
	ctx := cmd.Context()
	cfg := app.Config()
	logger := app.Logger()

	driver, err := browser.NewDriver(browser.DriverConfig{
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout(),
		ExecPath:          cfg.Browser.ExecPath,
	})
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer driver.Close()

	tabCtx, closeTab, err := driver.NewTab(ctx)
	if err != nil {
		return err
	}
	defer closeTab()

	src, err := browser.Attach(tabCtx, browser.Options{DisableHistoryHook: !cfg.Tracking.HistoryHook}, logger)
	if err != nil {
		return err
	}

	trk, err := app.NewTracker(server.SessionOptions{
		SessionID: opts.sessionID,
		TestName:  opts.testName,
		SpecFile:  opts.specFile,
		Metadata:  opts.metadata,
	})
	if err != nil {
		return err
	}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		trk.Consume(ctx, src.Events())
	}()

	for _, u := range opts.urls {
		if err := driver.Visit(tabCtx, u); err != nil {
			logger.Warn("page visit failed", zap.String("url", u), zap.Error(err))
			continue
		}
		if opts.dwell > 0 {
			select {
			case <-time.After(opts.dwell):
			case <-ctx.Done():
			}
		}
	}

	trk.EndTest(context.WithoutCancel(ctx))
	closeTab()
	<-consumed

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.wait)
	defer cancel()
	if err := app.Coordinator().Wait(waitCtx); err != nil {
		logger.Warn("detached uploads still running at exit", zap.Error(err))
	}
	background := drainBackground(app.Coordinator().Background())

	// The winning trigger path may be the driver close rather than EndTest.
	out := resolveOutcome(trk.Outcome(), background)
	res := recordResult{
		SessionID:   out.SessionID,
		UploadID:    out.UploadID,
		TestID:      out.TestID,
		Trigger:     string(out.Trigger),
		Status:      string(out.Status),
		Reason:      out.Reason,
		Navigations: trk.Ledger().Len(),
		Duration:    out.Duration,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	for _, o := range background {
		res.Background = append(res.Background, o.UploadID+":"+string(o.Status))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if out.Status == upload.StatusFailed {
		return errors.New("session upload failed")
	}
	return nil
}

// drainBackground collects the outcomes of detached attempts that settled.
func drainBackground(ch <-chan upload.Outcome) []upload.Outcome {
	var outcomes []upload.Outcome
	for {
		select {
		case o := <-ch:
			outcomes = append(outcomes, o)
		default:
			return outcomes
		}
	}
}

// resolveOutcome replaces a detached session outcome with the settled result
// of its upload ID, when one arrived.
func resolveOutcome(won upload.Outcome, background []upload.Outcome) upload.Outcome {
	if won.Status != upload.StatusBackground || won.UploadID == "" {
		return won
	}
	for _, o := range background {
		if o.UploadID == won.UploadID {
			return o
		}
	}
	return won
}
