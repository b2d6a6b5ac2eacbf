package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/statesync/internal/remote"
	"github.com/tonimelisma/statesync/internal/state"
	"github.com/tonimelisma/statesync/internal/sync"
)

// envPassword supplies the login password when --password is not given.
const envPassword = "STATESYNC_PASSWORD"

const defaultUserEntity = "user"

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <account>",
		Short: "Authenticate and store the session",
		Long: `Authenticate against the entity server and store the issued session in
local state. The user entity returned by the server is followed.

The password is read from --password or the STATESYNC_PASSWORD environment
variable.`,
		Args: cobra.ExactArgs(1),
		RunE: runLogin,
	}

	cmd.Flags().String("password", "", "account password")
	cmd.Flags().String("entity", defaultUserEntity, "user entity name")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear local state",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the stored session",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	password, err := cmd.Flags().GetString("password")
	if err != nil {
		return err
	}

	if password == "" {
		password = os.Getenv(envPassword)
	}

	if password == "" {
		return fmt.Errorf("no password: pass --password or set %s", envPassword)
	}

	entityName, err := cmd.Flags().GetString("entity")
	if err != nil {
		return err
	}

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	cc.Logger.Info("login started", "entity", entityName, "account", args[0])

	tag, err := cs.engine.Login(ctx, remote.LoginCommand{
		EntityName: entityName,
		Account:    args[0],
		Password:   password,
	})
	if err != nil {
		return err
	}

	s := cs.engine.State()
	if err := checkAction(s, tag); err != nil {
		return err
	}

	cc.Logger.Info("login successful", "user", s.Session.UserID)
	cc.Statusf("Logged in as %s.\n", s.Session.UserID)

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	tag, err := cs.engine.Logout(ctx)
	if errors.Is(err, sync.ErrNoSession) {
		return errors.New("not logged in")
	}

	if err != nil {
		return err
	}

	if err := checkAction(cs.engine.State(), tag); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	LoggedIn bool           `json:"logged_in"`
	Session  *state.Session `json:"session,omitempty"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	cs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	sess := cs.engine.State().Session

	if cc.Flags.JSON {
		return printJSON(cc.Out, whoamiOutput{LoggedIn: sess != nil, Session: sess})
	}

	if sess == nil {
		return errors.New("not logged in, run 'statesync login' first")
	}

	fmt.Fprintf(cc.Out, "User:    %s/%s\n", sess.EntityName, sess.UserID)
	fmt.Fprintf(cc.Out, "Session: %s\n", sess.ID)
	fmt.Fprintf(cc.Out, "Expires: %s\n", formatTime(sess.ExpiredAt))

	return nil
}
