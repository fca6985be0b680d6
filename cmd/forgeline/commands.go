package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/forgeline/pkg/model"
)

// followPoll is how often submit --follow checks the request directly.
var followPoll = 5 * time.Second

var (
	followFlag  bool
	showFiles   bool
	projectName string
)

var createCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Create an empty project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newAPIClient(serverURL).createProject(cmd.Context(), args[0], projectName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created project %s\n", p.ID)
		return nil
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := newAPIClient(serverURL).listProjects(cmd.Context())
		if err != nil {
			return err
		}
		if len(ps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects yet.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tHEAD\tUPDATED")
		for _, p := range ps {
			head := "-"
			if p.HeadNumber > 0 {
				head = fmt.Sprintf("v%d", p.HeadNumber)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, head, p.UpdatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <project-id> <prompt>",
	Short: "Request a change to a project",
	Long: `Submit a natural-language change request. The project is created on first
use. With --follow, pipeline progress is streamed until the request finishes.

  forgeline submit my-site "create a landing page with a hero section"
  forgeline submit my-site "make the header sticky" --follow`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSubmit,
}

var headCmd = &cobra.Command{
	Use:   "head <project-id>",
	Short: "Show the head version of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newAPIClient(serverURL).head(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printVersion(cmd.OutOrStdout(), v, showFiles)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version <version-id>",
	Short: "Show a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newAPIClient(serverURL).version(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printVersion(cmd.OutOrStdout(), v, showFiles)
		return nil
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <project-id>",
	Short: "List the versions of a project, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vs, err := newAPIClient(serverURL).lineage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printLineage(cmd.OutOrStdout(), vs)
		return nil
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <request-id>",
	Short: "Show the status of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := newAPIClient(serverURL).request(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRequest(cmd.OutOrStdout(), req)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a queued or running request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := newAPIClient(serverURL).cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Request %s is %s\n", req.ID, req.Status)
		return nil
	},
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox <project-id>",
	Short: "Show the preview sandbox of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newAPIClient(serverURL).sandbox(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSandbox(cmd.OutOrStdout(), s)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <project-id>",
	Short: "Re-provision an expired preview sandbox from the head version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newAPIClient(serverURL).restore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSandbox(cmd.OutOrStdout(), s)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Stream project events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return newAPIClient(serverURL).events(cmd.Context(), args[0], func(ev sseEvent) bool {
			printStreamEvent(out, ev, "")
			return true
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&projectName, "name", "", "Display name")
	submitCmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "Stream progress until the request finishes")
	headCmd.Flags().BoolVar(&showFiles, "files", false, "Print file contents")
	versionCmd.Flags().BoolVar(&showFiles, "files", false, "Print file contents")

	rootCmd.AddCommand(createCmd, projectsCmd, submitCmd, headCmd, versionCmd, lineageCmd,
		requestCmd, cancelCmd, sandboxCmd, restoreCmd, watchCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	client := newAPIClient(serverURL)
	projectID := args[0]
	prompt := strings.Join(args[1:], " ")

	if !followFlag {
		req, err := client.submit(ctx, projectID, prompt)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Request %s queued for %s\n", req.ID, projectID)
		return nil
	}
	return submitAndFollow(ctx, client, out, projectID, prompt)
}

// submitAndFollow opens the event stream before submitting so that no
// event of the new request is missed.
func submitAndFollow(ctx context.Context, client *apiClient, out io.Writer, projectID, prompt string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unknown projects cannot be streamed. Creating is idempotent.
	if _, err := client.createProject(ctx, projectID, ""); err != nil {
		return err
	}

	ready := make(chan struct{})
	requestID := make(chan string, 1)
	streamErr := make(chan error, 1)

	go func() {
		var id string
		streamErr <- client.events(ctx, projectID, func(ev sseEvent) bool {
			if ev.Name == "reconcile" {
				close(ready)
				select {
				case id = <-requestID:
					return true
				case <-ctx.Done():
					return false
				}
			}
			var e model.Event
			if json.Unmarshal(ev.Data, &e) != nil || e.RequestID != id {
				return true
			}
			printStreamEvent(out, ev, id)
			return !e.Type.Terminal()
		})
	}()

	select {
	case <-ready:
	case err := <-streamErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	req, err := client.submit(ctx, projectID, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Request %s queued for %s\n", req.ID, projectID)
	requestID <- req.ID

	// Terminal events can be dropped for slow readers, so poll as well.
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
wait:
	for {
		select {
		case err := <-streamErr:
			if err != nil {
				return err
			}
			break wait
		case <-ticker.C:
			if r, err := client.request(ctx, req.ID); err == nil && r.Status.Terminal() {
				cancel()
				<-streamErr
				break wait
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final, err := client.request(context.WithoutCancel(ctx), req.ID)
	if err != nil {
		return err
	}
	printRequest(out, final)
	if final.Status != model.RequestComplete {
		return fmt.Errorf("request %s %s", final.ID, final.Status)
	}
	return nil
}

func printStreamEvent(w io.Writer, ev sseEvent, requestID string) {
	if ev.Name == "reconcile" {
		var rec struct {
			Head    *model.Version        `json:"head"`
			Sandbox *model.SandboxSession `json:"sandbox"`
		}
		if json.Unmarshal(ev.Data, &rec) == nil {
			head := "none"
			if rec.Head != nil {
				head = fmt.Sprintf("v%d %s", rec.Head.Number, rec.Head.Name)
			}
			sb := model.SandboxAbsent
			if rec.Sandbox != nil {
				sb = rec.Sandbox.Status
			}
			fmt.Fprintf(w, "[reconcile] head=%s sandbox=%s\n", head, sb)
		}
		return
	}

	var e model.Event
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		fmt.Fprintf(w, "[%s] %s\n", ev.Name, ev.Data)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Type)
	if requestID == "" && e.RequestID != "" {
		fmt.Fprintf(&b, " %s", e.RequestID)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " %s", e.Step)
	}
	if e.Data != "" {
		fmt.Fprintf(&b, " %s", e.Data)
	}
	if len(e.Detail) > 0 {
		keys := make([]string, 0, len(e.Detail))
		for k := range e.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Detail[k])
		}
	}
	fmt.Fprintln(w, b.String())
}

func printVersion(w io.Writer, v *model.Version, withFiles bool) {
	fmt.Fprintf(w, "Version %d: %s\n", v.Number, v.Name)
	fmt.Fprintf(w, "  ID:        %s\n", v.ID)
	if v.ParentID != "" {
		fmt.Fprintf(w, "  Parent:    %s\n", v.ParentID)
	}
	fmt.Fprintf(w, "  Operation: %s\n", v.OperationKind)
	fmt.Fprintf(w, "  Status:    %s\n", v.Status)
	fmt.Fprintf(w, "  Created:   %s\n", v.CreatedAt.Local().Format(time.DateTime))
	if v.Description != "" {
		fmt.Fprintf(w, "  %s\n", model.Truncate(v.Description, 300))
	}

	paths := model.SortedPaths(v.Files)
	fmt.Fprintf(w, "  Files (%d):\n", len(paths))
	for _, p := range paths {
		if !withFiles {
			fmt.Fprintf(w, "    %s\n", p)
			continue
		}
		fmt.Fprintf(w, "\n--- %s\n%s\n", p, v.Files[p])
	}
}

func printLineage(w io.Writer, vs []*model.Version) {
	if len(vs) == 0 {
		fmt.Fprintln(w, "No versions yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tOPERATION\tFILES\tNAME\tCREATED")
	for _, v := range vs {
		fmt.Fprintf(tw, "v%d\t%s\t%d\t%s\t%s\n",
			v.Number, v.OperationKind, len(v.Files), model.Truncate(v.Name, 40),
			v.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printRequest(w io.Writer, req *model.Request) {
	fmt.Fprintf(w, "Request %s (%s)\n", req.ID, req.ProjectID)
	fmt.Fprintf(w, "  Status:  %s\n", req.Status)
	if req.OperationKind != "" {
		fmt.Fprintf(w, "  Kind:    %s\n", req.OperationKind)
	}
	fmt.Fprintf(w, "  Prompt:  %s\n", model.Truncate(req.Prompt, 120))
	if req.VersionID != "" {
		fmt.Fprintf(w, "  Version: %s\n", req.VersionID)
	}
	if req.Error != "" {
		fmt.Fprintf(w, "  Failed:  %s: %s\n", req.FailedStep, req.Error)
	}
}

func printSandbox(w io.Writer, s *model.SandboxSession) {
	fmt.Fprintf(w, "Sandbox for %s: %s\n", s.ProjectID, s.Status)
	if s.SandboxID != "" {
		fmt.Fprintf(w, "  ID:        %s\n", s.SandboxID)
	}
	if s.Known() {
		fmt.Fprintf(w, "  Framework: %s (%s)\n", s.Framework, s.PackageManager)
		fmt.Fprintf(w, "  Start:     %s (port %d)\n", s.StartCommand, s.Port)
	}
	if !s.LastHeartbeat.IsZero() {
		fmt.Fprintf(w, "  Heartbeat: %s\n", s.LastHeartbeat.Local().Format(time.DateTime))
	}
}
