package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/statesync/internal/operation"
	"github.com/tonimelisma/statesync/internal/state"
)

func newFollowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow <entity> <json-file|->",
		Short: "Start tracking an entity locally",
		Long: `Register an entity document (read from a file, or stdin with "-") as the
origin of a local record. With --pull the server snapshot is fetched right
away, which is the usual way to start following an entity by id:

  echo '{"id":"1"}' | statesync follow note - --pull`,
		Args: cobra.ExactArgs(2),
		RunE: runFollow,
	}

	cmd.Flags().String("version", "", "version id of the document")
	cmd.Flags().Bool("pull", false, "pull the server state after following")

	return cmd
}

func newUnfollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unfollow <entity> <id>",
		Short: "Stop tracking an entity locally",
		Args:  cobra.ExactArgs(2),
		RunE:  runUnfollow,
	}
}

func newCommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <entity> <id> <operation>",
		Short: "Apply an operation and push it",
		Long: `Apply an operation to a followed entity. The operation is either a JSON
array of clauses, [{"op":"set","path":"title","value":"x"}], or an update
document, {"$set":{"title":"x"},"$inc":{"n":1}}.

By default the operation is committed locally and then pushed. With
--push-first it reaches local state only once the server accepted it. With
--local it is committed without contacting the server.`,
		Args: cobra.ExactArgs(3),
		RunE: runCommit,
	}

	cmd.Flags().Bool("push-first", false, "push before committing locally")
	cmd.Flags().Bool("local", false, "commit without pushing")
	cmd.MarkFlagsMutuallyExclusive("push-first", "local")

	return cmd
}

func newRevertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <entity> <id> <operation>",
		Short: "Drop a pending local commit",
		Args:  cobra.ExactArgs(3),
		RunE:  runRevert,
	}
}

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull [<entity> <id>]",
		Short: "Fetch server changes for followed entities",
		Args: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all {
				return cobra.NoArgs(cmd, args)
			}

			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: runPull,
	}

	cmd.Flags().Bool("all", false, "pull every followed entity")
	cmd.Flags().Int("concurrency", 0, "maximum pulls in flight with --all (default: pull_concurrency)")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <entity> <id>",
		Short: "Delete an entity on the server",
		Args:  cobra.ExactArgs(2),
		RunE:  runRm,
	}
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <entity> <id>",
		Short: "Print the locally visible entity",
		Args:  cobra.ExactArgs(2),
		RunE:  runShow,
	}

	cmd.Flags().Bool("origin", false, "print the last server-confirmed document instead of the head")

	return cmd
}

func runFollow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	entity, err := readEntity(args[1], cmd.InOrStdin())
	if err != nil {
		return err
	}

	versionID, err := cmd.Flags().GetString("version")
	if err != nil {
		return err
	}

	pull, err := cmd.Flags().GetBool("pull")
	if err != nil {
		return err
	}

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	if err := cs.engine.Follow(ctx, args[0], entity, versionID); err != nil {
		return err
	}

	key := state.NewKey(args[0], entity.ID())

	if pull {
		tag, err := cs.engine.Pull(ctx, key.EntityName, key.ID)
		if err != nil {
			return err
		}

		if err := checkAction(cs.engine.State(), tag); err != nil {
			return err
		}
	}

	cc.Statusf("Following %s.\n", key)

	return nil
}

func runUnfollow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	if !state.HasEntity(cs.engine.State(), args[0], args[1]) {
		return fmt.Errorf("%s is not followed", state.NewKey(args[0], args[1]))
	}

	if err := cs.engine.Unfollow(ctx, args[0], args[1]); err != nil {
		return err
	}

	cc.Statusf("Unfollowed %s.\n", state.NewKey(args[0], args[1]))

	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	op, err := parseOperation(args[2])
	if err != nil {
		return err
	}

	pushFirst, err := cmd.Flags().GetBool("push-first")
	if err != nil {
		return err
	}

	local, err := cmd.Flags().GetBool("local")
	if err != nil {
		return err
	}

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	uc := state.UpdateCommand{EntityName: args[0], ID: args[1], Operation: op}
	key := state.NewKey(args[0], args[1])

	if local {
		if err := cs.engine.Commit(ctx, uc); err != nil {
			return err
		}

		cc.Statusf("Committed to %s locally.\n", key)

		return nil
	}

	var tag state.ActionTag
	if pushFirst {
		tag, err = cs.engine.PushAndCommit(ctx, uc)
	} else {
		tag, err = cs.engine.CommitAndPush(ctx, uc)
	}

	if err != nil {
		return err
	}

	if err := checkAction(cs.engine.State(), tag); err != nil {
		return err
	}

	cc.Statusf("Pushed %s.\n", key)

	return nil
}

func runRevert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	op, err := parseOperation(args[2])
	if err != nil {
		return err
	}

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	before, err := state.GetEntityInfo(cs.engine.State(), args[0], args[1])
	if err != nil {
		return err
	}

	if err := cs.engine.Revert(ctx, state.UpdateCommand{EntityName: args[0], ID: args[1], Operation: op}); err != nil {
		return err
	}

	after, err := state.GetEntityInfo(cs.engine.State(), args[0], args[1])
	if err != nil {
		return err
	}

	if len(after.Commits) == len(before.Commits) {
		cc.Statusf("No matching pending commit on %s.\n", state.NewKey(args[0], args[1]))

		return nil
	}

	cc.Statusf("Reverted commit on %s, %s pending.\n", state.NewKey(args[0], args[1]), plural(len(after.Commits), "commit"))

	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	if !all {
		tag, err := cs.engine.Pull(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		if err := checkAction(cs.engine.State(), tag); err != nil {
			return err
		}

		cc.Statusf("Pulled %s.\n", state.NewKey(args[0], args[1]))

		return nil
	}

	limit, err := cmd.Flags().GetInt("concurrency")
	if err != nil {
		return err
	}

	if limit <= 0 {
		limit = cc.Cfg.PullConcurrency
	}

	report, err := cs.engine.PullAll(ctx, limit)
	if err != nil {
		return err
	}

	s := cs.engine.State()
	if s.Error != nil && slices.Contains(report.Tags, s.Error.ActionTag) {
		return checkAction(s, s.Error.ActionTag)
	}

	cc.Statusf("Pulled %d followed entities.\n", len(report.Tags))

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	tag, err := cs.engine.Delete(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if err := checkAction(cs.engine.State(), tag); err != nil {
		return err
	}

	cc.Statusf("Deleted %s.\n", state.NewKey(args[0], args[1]))

	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	origin, err := cmd.Flags().GetBool("origin")
	if err != nil {
		return err
	}

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	info, err := state.GetEntityInfo(cs.engine.State(), args[0], args[1])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, info)
	}

	doc := info.HeadOrOrigin()
	if origin {
		doc = info.Origin
	}

	cc.Statusf("version %s, %s pending\n", info.VersionID, plural(len(info.Commits), "commit"))

	return printJSON(cc.Out, doc)
}

// readEntity decodes an entity document from a file path, or stdin for "-".
func readEntity(path string, stdin io.Reader) (operation.Entity, error) {
	var (
		data []byte
		err  error
	)

	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return nil, fmt.Errorf("reading entity: %w", err)
	}

	var entity operation.Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("decoding entity: %w", err)
	}

	if entity.ID() == "" {
		return nil, fmt.Errorf("entity has no %q field", operation.IDField)
	}

	return entity, nil
}

// parseOperation accepts a JSON clause array or an update document.
func parseOperation(arg string) (operation.Operation, error) {
	trimmed := strings.TrimSpace(arg)

	switch {
	case strings.HasPrefix(trimmed, "["):
		var op operation.Operation
		if err := json.Unmarshal([]byte(trimmed), &op); err != nil {
			return nil, fmt.Errorf("parsing operation: %w", err)
		}

		if len(op) == 0 {
			return nil, errors.New("parsing operation: no clauses")
		}

		return op, nil
	case strings.HasPrefix(trimmed, "{"):
		op, err := operation.ParseDocument([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parsing operation: %w", err)
		}

		return op, nil
	default:
		return nil, errors.New("parsing operation: expected a JSON array of clauses or an update document")
	}
}
