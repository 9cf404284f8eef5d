package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/opcua-secure-channel/securechannel"
	"github.com/gosuda/opcua-secure-channel/securechannel/codec"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
)

var rootCmd = &cobra.Command{
	Use:   "opcua-client",
	Short: "Opens an OPC UA TCP secure channel and serves a read-only status endpoint",
	RunE:  run,
}

var (
	flagEndpoint      string
	flagPolicy        string
	flagMode          string
	flagLifetime      time.Duration
	flagHTTPAddr      string
	flagMaxChunkSize  int
	flagMaxChunkCount int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEndpoint, "endpoint", "127.0.0.1:4840", "OPC UA TCP endpoint host:port")
	flags.StringVar(&flagPolicy, "policy", "none", "security policy: none|basic128rsa15|basic256|basic256sha256")
	flags.StringVar(&flagMode, "mode", "none", "message security mode: none|sign|signandencrypt")
	flags.DurationVar(&flagLifetime, "lifetime", time.Hour, "requested secure channel lifetime")
	flags.StringVar(&flagHTTPAddr, "http", ":8080", "observability listen address")
	flags.IntVar(&flagMaxChunkSize, "max-chunk-size", 1<<16, "maximum chunk size in bytes")
	flags.IntVar(&flagMaxChunkCount, "max-chunk-count", 0, "maximum chunks per message (0 = unlimited)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := parsePolicy(flagPolicy)
	if err != nil {
		return err
	}
	mode, err := parseMode(flagMode)
	if err != nil {
		return err
	}

	log.Info().Str("endpoint", flagEndpoint).Str("policy", policy.String()).Msg("[opcua-client] dialing")

	conn, err := net.DialTimeout("tcp", flagEndpoint, common.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", flagEndpoint, err)
	}

	ch := securechannel.New(securechannel.Config{
		Stream:            conn,
		Encoder:           codec.NewReference(),
		Decoder:           codec.NewReference(),
		SecurityPolicy:    policy,
		SecurityMode:      mode,
		RequestedLifetime: flagLifetime,
		MaxChunkSize:      flagMaxChunkSize,
		MaxChunkCount:      flagMaxChunkCount,
	})

	if err := ch.Open(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("open secure channel: %w", err)
	}
	log.Info().Msg("[opcua-client] secure channel open")

	srv := &http.Server{Addr: flagHTTPAddr, Handler: statusRouter(ch)}
	go func() {
		log.Info().Str("addr", flagHTTPAddr).Msg("[opcua-client] observability http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[opcua-client] http server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("[opcua-client] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := ch.Close(); err != nil {
		log.Warn().Err(err).Msg("[opcua-client] close secure channel")
	}
	return nil
}

// statusRouter serves the read-only observability surface: a liveness
// probe and a snapshot of the channel's current state.
func statusRouter(ch *securechannel.Channel) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ch.Status())
	})
	return r
}

func parsePolicy(s string) (common.SecurityPolicy, error) {
	switch s {
	case "none":
		return common.SecurityPolicyNone, nil
	case "basic128rsa15":
		return common.SecurityPolicyBasic128Rsa15, nil
	case "basic256":
		return common.SecurityPolicyBasic256, nil
	case "basic256sha256":
		return common.SecurityPolicyBasic256Sha256, nil
	default:
		return 0, fmt.Errorf("unknown security policy %q", s)
	}
}

func parseMode(s string) (common.MessageSecurityMode, error) {
	switch s {
	case "none":
		return common.MessageSecurityModeNone, nil
	case "sign":
		return common.MessageSecurityModeSign, nil
	case "signandencrypt":
		return common.MessageSecurityModeSignAndEncrypt, nil
	default:
		return 0, fmt.Errorf("unknown message security mode %q", s)
	}
}
