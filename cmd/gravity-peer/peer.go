package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/identity"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/session"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newPeerCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a notes peer with its local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd.Context())
		},
	}

	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().String("broker-url", defaults.GetString("broker.url"), "Address broker base URL")
	cmd.Flags().String("listen-address", defaults.GetString("peer.listen_address"), "Peer channel listen address")
	cmd.Flags().String("advertise-url", defaults.GetString("peer.advertise_url"), "Channel URL registered with the broker (derived from the listener when empty)")
	cmd.Flags().Uint("claim-attempts", defaults.GetUint("peer.claim_attempts"), "Address claim attempts before giving up")
	cmd.Flags().String("api-address", defaults.GetString("api.address"), "Local API listen address")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "broker.url", "broker-url")
	bindFlag(cmd, "peer.listen_address", "listen-address")
	bindFlag(cmd, "peer.advertise_url", "advertise-url")
	bindFlag(cmd, "peer.claim_attempts", "claim-attempts")
	bindFlag(cmd, "api.address", "api-address")
	return cmd
}

func runPeer(ctx context.Context) error {
	peerConfig, err := config.LoadPeer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(peerConfig.LogLevel, "peer")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(peerConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	identities, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Logger:   logger.Named("identity"),
	})
	if err != nil {
		return err
	}
	samples, err := notes.NewSampleRepository(notes.SampleRepositoryConfig{
		Database: db,
		Logger:   logger.Named("samples"),
	})
	if err != nil {
		return err
	}

	brokerClient, err := transport.NewBrokerClient(transport.BrokerClientConfig{
		BaseURL:  peerConfig.BrokerURL,
		RetryMax: peerConfig.BrokerRetryMax,
		Logger:   logger.Named("broker"),
	})
	if err != nil {
		return err
	}
	substrate, err := transport.NewWebsocketSubstrate(transport.WebsocketConfig{
		ListenAddress:    peerConfig.ListenAddress,
		AdvertiseURL:     peerConfig.AdvertiseURL,
		Broker:           brokerClient,
		HandshakeTimeout: peerConfig.HandshakeTimeout,
		Logger:           logger.Named("transport"),
	})
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	dispatcher := server.NewRealtimeDispatcher()
	peerSession, err := session.New(session.Config{
		Substrate:     substrate,
		Identity:      identities,
		Samples:       samples,
		IDProvider:    notes.NewUUIDProvider(),
		ClaimAttempts: peerConfig.ClaimAttempts,
		ClaimDelay:    peerConfig.ClaimDelay,
		Metrics:       recorder,
		Logger:        logger.Named("session"),
		Notify:        dispatcher.Notify,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := peerSession.Start(signalCtx); err != nil {
		var bootstrapErr *session.BootstrapError
		if errors.As(err, &bootstrapErr) {
			logger.Error("peer bootstrap failed", zap.Int("attempts", bootstrapErr.Attempts), zap.Error(bootstrapErr.Err))
		}
		return err
	}
	defer peerSession.Close() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Session:    peerSession,
		Dispatcher: dispatcher,
		Metrics:    recorder.Handler(),
		Logger:     logger.Named("api"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    peerConfig.APIAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local api starting",
			zap.String("address", peerConfig.APIAddress),
			zap.String("peer", peerSession.Local().ID.String()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case <-peerSession.Done():
		logger.Warn("session stopped")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
