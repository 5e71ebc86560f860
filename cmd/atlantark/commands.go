package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
	"github.com/spf13/cobra"
)

func newIngestCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <callback-url>",
		Short: "Store the credential carried by a provider redirect URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			addr, err := session.NewAddress(args[0])
			if err != nil {
				return fmt.Errorf("parse callback url: %w", err)
			}
			stop := a.ctrl.Subscribe(func(ev session.Event) {
				if ev.Kind == session.EventLoginFailed {
					fmt.Fprintf(cmd.ErrOrStderr(), "provider reported: %s\n", ev.Reason)
				}
			})
			defer stop()

			if err := a.ctrl.Init(cmd.Context(), addr); err != nil {
				a.log.Warn("session not established", logger.Err(err))
			}
			return a.printStatus(cmd)
		},
	}
}

func newStatusCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Verify the stored credential and show the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.Init(cmd.Context(), nil); err != nil && !errors.Is(err, client.ErrTransient) {
				a.log.Info("stored credential rejected", logger.Err(err))
			}
			if a.ctrl.IsLoggedIn() {
				_ = a.ctrl.RefreshProfile(cmd.Context())
			}
			_ = a.ctrl.RefreshStats(cmd.Context())
			return a.printStatus(cmd)
		},
	}
}

func newLogoutCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and clear the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newCallCmd(rf *rootFlags) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "call <method> <endpoint>",
		Short: "Make an authenticated API call and print the JSON response",
		Example: "  atlantark call GET /user/profile\n" +
			"  atlantark call POST /api/auctions/42/bid --data '{\"amount\":100}'",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			endpoint := args[1]

			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data is not valid JSON")
				}
				body = json.RawMessage(data)
			}

			a, err := rf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var out json.RawMessage
			if err := a.ctrl.Call(cmd.Context(), method, endpoint, body, &out); err != nil {
				if errors.Is(err, client.ErrSessionExpired) {
					return fmt.Errorf("%w; run `atlantark login`", err)
				}
				return err
			}
			if len(out) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s ok\n", method, endpoint)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	return cmd
}

func (a *app) printStatus(cmd *cobra.Command) error {
	bearer, _ := a.ctrl.AuthToken()
	return printStatus(cmd.OutOrStdout(), a.out, newStatusView(a.ctrl.Snapshot(), bearer))
}
