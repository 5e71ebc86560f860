package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/atlantark/pkg/api"
	"git.sr.ht/~jakintosh/atlantark/pkg/idptest"
)

// Config holds all command-line configuration
type Config struct {
	ListenAddr     string
	RedirectURL    string
	Scheme         string
	AccessLifetime time.Duration
	Users          []api.UserProfile
	Quiet          bool
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL     string       `json:"base_url"`
	Issuer      string       `json:"issuer"`
	Scheme      string       `json:"scheme"`
	RedirectURL string       `json:"redirect_url"`
	Paths       OutputPaths  `json:"paths"`
	Users       []OutputUser `json:"users"`
	Keys        OutputKeys   `json:"keys"`
}

type OutputPaths struct {
	Login   string `json:"login"`
	Verify  string `json:"verify"`
	Refresh string `json:"refresh"`
	Logout  string `json:"logout"`
	Profile string `json:"profile"`
	Balance string `json:"balance"`
	Stats   string `json:"stats"`
}

// OutputUser carries ready-made credentials so scripts can skip the
// redirect.
type OutputUser struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	LegacyToken  string `json:"legacy_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type OutputKeys struct {
	SigningKeyBase64 string `json:"signing_key_base64"`
}

// UserFlag is a custom flag type for repeatable --user flags
type UserFlag []api.UserProfile

func (u *UserFlag) String() string {
	return fmt.Sprintf("%v", *u)
}

func (u *UserFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("user must be in format 'id:username'")
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("user id %q: %w", parts[0], err)
	}
	*u = append(*u, api.UserProfile{
		ID:       api.ExternalID(id),
		Username: parts[1],
		Balance:  idptest.DefaultUser.Balance,
	})
	return nil
}

func main() {
	// Parse flags
	cfg := parseFlags()

	// Suppress logs if requested
	if cfg.Quiet {
		log.SetOutput(io.Discard)
	}

	signingKey := make([]byte, 32)
	if _, err := rand.Read(signingKey); err != nil {
		log.Fatalf("failed to generate signing key: %v\n", err)
	}

	idp := idptest.New(idptest.Config{
		Users:          cfg.Users,
		AccessLifetime: cfg.AccessLifetime,
		SigningKey:     signingKey,
		RedirectURL:    cfg.RedirectURL,
		Scheme:         idptest.Scheme(cfg.Scheme),
	})

	// Start HTTP server with ephemeral port
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v\n", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	baseURL := fmt.Sprintf("http://%s:%d", addr.IP, addr.Port)

	// Emit JSON contract to stdout
	contract := OutputContract{
		BaseURL:     baseURL,
		Issuer:      idptest.Issuer,
		Scheme:      cfg.Scheme,
		RedirectURL: cfg.RedirectURL,
		Paths: OutputPaths{
			Login:   api.PathLogin,
			Verify:  api.PathVerify,
			Refresh: api.PathRefresh,
			Logout:  api.PathLogout,
			Profile: api.PathProfile,
			Balance: api.PathBalance,
			Stats:   api.PathStats,
		},
		Users: make([]OutputUser, 0, len(cfg.Users)),
		Keys: OutputKeys{
			SigningKeyBase64: base64.StdEncoding.EncodeToString(signingKey),
		},
	}

	for _, user := range cfg.Users {
		out, err := issueFor(idp, user)
		if err != nil {
			log.Fatalf("failed to issue credentials for %s: %v\n", user.Username, err)
		}
		contract.Users = append(contract.Users, out)
	}

	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(contract); err != nil {
		log.Fatalf("failed to encode JSON contract: %v\n", err)
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- http.Serve(listener, idp.Router())
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalf("server error: %v\n", err)
	case sig := <-sigChan:
		log.Printf("received signal %v, shutting down\n", sig)
	}
}

func parseFlags() Config {
	var cfg Config
	var users UserFlag

	flag.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "Listen address (default uses ephemeral port)")
	flag.StringVar(&cfg.RedirectURL, "redirect", "", "App URL that /auth/discord redirects back to (required)")
	flag.StringVar(&cfg.Scheme, "scheme", string(idptest.SchemePair), "Credential scheme handed out on login: legacy|pair|cookie|error")
	flag.DurationVar(&cfg.AccessLifetime, "access-lifetime", 15*time.Minute, "Access token lifetime")
	flag.Var(&users, "user", "User in format 'id:username' (repeatable)")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress log output")

	flag.Parse()

	if cfg.RedirectURL == "" {
		log.Fatal("--redirect is required")
	}
	switch idptest.Scheme(cfg.Scheme) {
	case idptest.SchemeLegacy, idptest.SchemePair, idptest.SchemeCookie, idptest.SchemeError:
	default:
		log.Fatalf("unknown --scheme %q\n", cfg.Scheme)
	}

	if len(users) == 0 {
		cfg.Users = []api.UserProfile{idptest.DefaultUser}
	} else {
		cfg.Users = users
	}

	return cfg
}

func issueFor(idp *idptest.Server, user api.UserProfile) (OutputUser, error) {
	legacy, err := idp.IssueLegacy(user.ID)
	if err != nil {
		return OutputUser{}, fmt.Errorf("legacy token: %w", err)
	}
	access, refresh, err := idp.IssuePair(user.ID)
	if err != nil {
		return OutputUser{}, fmt.Errorf("token pair: %w", err)
	}
	return OutputUser{
		ID:           user.ID.String(),
		Username:     user.Username,
		LegacyToken:  legacy,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}
