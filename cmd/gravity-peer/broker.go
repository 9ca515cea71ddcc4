package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/broker"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newBrokerCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the address broker peers claim their addresses from",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd.Context())
		},
	}

	cmd.Flags().String("address", defaults.GetString("broker.address"), "HTTP listen address")
	cmd.Flags().String("signing-secret", "", "Lease signing secret (overrides env)")
	cmd.Flags().Int("lease-ttl-seconds", defaults.GetInt("broker.lease_ttl_seconds"), "Address lease TTL in seconds")
	cmd.Flags().Int("max-addresses", defaults.GetInt("broker.max_addresses"), "Maximum number of registered addresses")

	bindFlag(cmd, "broker.address", "address")
	bindFlag(cmd, "broker.signing_secret", "signing-secret")
	bindFlag(cmd, "broker.lease_ttl_seconds", "lease-ttl-seconds")
	bindFlag(cmd, "broker.max_addresses", "max-addresses")
	return cmd
}

func runBroker(ctx context.Context) error {
	brokerConfig, err := config.LoadBroker(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(brokerConfig.LogLevel, "broker")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	leases, err := broker.NewLeaseIssuer(broker.LeaseIssuerConfig{
		SigningSecret: []byte(brokerConfig.SigningSecret),
		LeaseTTL:      brokerConfig.LeaseTTL,
	})
	if err != nil {
		return err
	}

	handler, err := broker.NewHTTPHandler(broker.Dependencies{
		Directory: broker.NewDirectory(brokerConfig.MaxAddresses, brokerConfig.LeaseTTL),
		Leases:    leases,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    brokerConfig.Address,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker starting", zap.String("address", brokerConfig.Address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
