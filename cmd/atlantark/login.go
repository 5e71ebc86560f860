package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newLoginCmd(rf *rootFlags) *cobra.Command {
	var (
		listen  bool
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Print the sign-in URL, optionally waiting for the redirect",
		Long: "Prints the provider sign-in URL. With --listen, serves a loopback\n" +
			"callback and stores the credential from the redirect it receives.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintln(cmd.OutOrStdout(), a.ctrl.LoginURL())
			if !listen {
				return nil
			}
			if addr == "" {
				addr = a.cfg.Callback.Addr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := a.awaitCallback(ctx, addr, cmd); err != nil {
				return err
			}
			return a.printStatus(cmd)
		},
	}
	cmd.Flags().BoolVar(&listen, "listen", false, "wait for the provider redirect on a loopback listener")
	cmd.Flags().StringVar(&addr, "addr", "", "listener address (default callback.addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the redirect")
	return cmd
}

// awaitCallback serves one provider redirect, ingests it and returns once
// the session is established or the provider refused.
func (a *app) awaitCallback(ctx context.Context, addr string, cmd *cobra.Command) error {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		cb, _, _ := session.ParseCallback(req.URL)
		if cb == (session.Callback{}) {
			http.NotFound(w, req)
			return
		}
		if cb.Error != "" {
			http.Error(w, "Sign-in was refused: "+cb.Error, http.StatusUnauthorized)
			finish(fmt.Errorf("provider refused sign-in: %s", cb.Error))
			return
		}

		if err := a.ctrl.Ingest(req.Context(), "http://"+req.Host+req.URL.RequestURI()); err != nil {
			http.Error(w, "Could not store the credential.", http.StatusInternalServerError)
			finish(err)
			return
		}
		err := a.ctrl.Init(req.Context(), nil)
		if errors.Is(err, session.ErrAlreadyInitialized) {
			err = a.ctrl.Reload(req.Context())
		}
		if err != nil {
			a.log.Warn("session not established", logger.Err(err))
		}
		if !a.ctrl.IsLoggedIn() {
			http.Error(w, "Sign-in could not be verified.", http.StatusBadGateway)
			finish(errors.New("credential stored but not verified"))
			return
		}

		fmt.Fprintf(w, "Signed in as %s. You can close this window.\n", a.ctrl.Snapshot().User.Username)
		finish(nil)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			finish(err)
		}
	}()
	fmt.Fprintf(cmd.ErrOrStderr(), "waiting for redirect on http://%s/\n", ln.Addr())

	var result error
	select {
	case result = <-done:
	case <-ctx.Done():
		result = fmt.Errorf("no redirect received: %w", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return result
}
