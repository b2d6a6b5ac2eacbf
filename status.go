package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/statesync/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, connectivity and followed entities",
		Long: `Display the local state: the session, whether the last remote call
succeeded, in-flight requests, the last recorded error, and every followed
entity with its version and pending commits. Reads local state only.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	User     string             `json:"user,omitempty"`
	Online   bool               `json:"online"`
	Requests []state.ActionTag  `json:"requests"`
	Error    *state.ErrorRecord `json:"error,omitempty"`
	WatchPID int                `json:"watch_pid,omitempty"`
	Entities []statusEntity     `json:"entities"`
}

type statusEntity struct {
	EntityName string `json:"entity_name"`
	ID         string `json:"id"`
	VersionID  string `json:"version_id"`
	Pending    int    `json:"pending"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	out := buildStatus(cs.engine.State())

	if pid, ok := watchRunning(watchPIDPath(cc.Cfg.StatePath)); ok {
		out.WatchPID = pid
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	printStatusText(cc, out)

	return nil
}

func buildStatus(s state.LocalState) statusOutput {
	out := statusOutput{
		Online:   s.Network.IsOnline,
		Requests: s.Network.Requests,
		Error:    s.Error,
		Entities: []statusEntity{},
	}

	if out.Requests == nil {
		out.Requests = []state.ActionTag{}
	}

	if s.Session != nil {
		out.User = s.Session.EntityName + "/" + s.Session.UserID
	}

	for _, k := range state.Followed(s) {
		info := s.Entities[k.EntityName][k.ID]
		out.Entities = append(out.Entities, statusEntity{
			EntityName: k.EntityName,
			ID:         k.ID,
			VersionID:  info.VersionID,
			Pending:    len(info.Commits),
		})
	}

	return out
}

func printStatusText(cc *CLIContext, out statusOutput) {
	user := out.User
	if user == "" {
		user = "(not logged in)"
	}

	network := "online"
	if !out.Online {
		network = "offline"
	}

	fmt.Fprintf(cc.Out, "User:     %s\n", user)
	fmt.Fprintf(cc.Out, "Network:  %s, %s in flight\n", network, plural(len(out.Requests), "request"))

	if out.WatchPID != 0 {
		fmt.Fprintf(cc.Out, "Watch:    running (PID %d)\n", out.WatchPID)
	}

	if out.Error != nil {
		fmt.Fprintf(cc.Out, "Error:    %s at %s: %s\n", out.Error.Kind, out.Error.At, out.Error.Message)
	}

	if len(out.Entities) == 0 {
		fmt.Fprintln(cc.Out, "\nNo entities followed. Run 'statesync follow' to start.")

		return
	}

	fmt.Fprintln(cc.Out)

	rows := make([][]string, 0, len(out.Entities))
	for _, e := range out.Entities {
		pending := "-"
		if e.Pending > 0 {
			pending = plural(e.Pending, "commit")
		}

		rows = append(rows, []string{e.EntityName, e.ID, e.VersionID, pending})
	}

	printTable(cc.Out, []string{"ENTITY", "ID", "VERSION", "PENDING"}, rows)
}

// watchPIDPath places the watch lock next to the state database.
func watchPIDPath(statePath string) string {
	return filepath.Join(filepath.Dir(statePath), "watch.pid")
}
