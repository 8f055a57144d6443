package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/config"
	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/mitm"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

// configKeyAnnotation names the config key a flag overrides.
const configKeyAnnotation = "puppet_config_key"

// bindConfigKey marks flag name as overriding key once its command runs.
// Several commands may bind their own flag to the same key.
func bindConfigKey(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", name, err))
	}
}

// bindFlags binds the marked flags of the executing command to viper.
func (a *app) bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if err != nil || len(keys) == 0 {
			return
		}
		if bindErr := a.v.BindPFlag(keys[0], f); bindErr != nil {
			err = fmt.Errorf("binding flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// profileFromConfig builds the emulation profile for pages and the proxy.
func profileFromConfig(cfg config.BrowserConfig) emulation.Profile {
	return emulation.Profile{
		UserAgent:      cfg.UserAgent,
		Platform:       cfg.Platform,
		AcceptLanguage: cfg.AcceptLanguage,
		HeaderProfile:  cfg.HeaderProfile,
	}.WithDefaults()
}

// newProxy builds the intercepting proxy described by cfg. A nil reg
// disables metrics.
func newProxy(cfg config.ProxyConfig, logger *zap.Logger, reporter *observability.Reporter, reg prometheus.Registerer, challengeAuth bool) (*mitm.Proxy, error) {
	var ca *mitm.CA
	if cfg.CACert != "" {
		var err error
		ca, err = mitm.LoadOrCreateCA(cfg.CACert, cfg.CAKey)
		if err != nil {
			return nil, fmt.Errorf("loading proxy CA: %w", err)
		}
	}

	dialer := mitm.NewDialerConfig()
	if cfg.DialTimeout > 0 {
		dialer.Timeout = cfg.DialTimeout
	}
	if cfg.UpstreamProxy != "" {
		u, err := url.Parse(cfg.UpstreamProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy.upstream_proxy: %w", err)
		}
		dialer.ProxyURL = u
	}

	var metrics *mitm.Metrics
	if reg != nil {
		var err error
		if metrics, err = mitm.NewMetrics(reg); err != nil {
			return nil, fmt.Errorf("registering proxy metrics: %w", err)
		}
	}

	return mitm.New(mitm.Options{
		Logger:   logger,
		Reporter: reporter,
		Metrics:  metrics,
		CA:       ca,
		Transport: mitm.TransportConfig{
			DialerConfig:       dialer,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		UnresolvedSessionPolicy: cfg.UnresolvedSessionPolicy,
		ChallengeAuth:           challengeAuth,
		RecordBodies:            cfg.RecordBodies,
		MaxRecordedBody:         cfg.MaxRecordedBody,
	})
}

// sessionOptions is the per-session policy configured for every context.
func sessionOptions(cfg config.ProxyConfig, delegate *emulation.Delegate) mitm.SessionOptions {
	opts := mitm.SessionOptions{
		Delegate:          delegate,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
	for _, t := range cfg.BlockedResourceTypes {
		opts.BlockedResourceTypes = append(opts.BlockedResourceTypes, resourceType(t))
	}
	if len(cfg.BlockedURLs) > 0 {
		opts.ShouldBlockRequest = mitm.BlockURLs(cfg.BlockedURLs...)
	}
	return opts
}

var knownResourceTypes = []network.ResourceType{
	network.ResourceTypeDocument, network.ResourceTypeStylesheet, network.ResourceTypeImage,
	network.ResourceTypeMedia, network.ResourceTypeFont, network.ResourceTypeScript,
	network.ResourceTypeTextTrack, network.ResourceTypeXHR, network.ResourceTypeFetch,
	network.ResourceTypePrefetch, network.ResourceTypeEventSource, network.ResourceTypeWebSocket,
	network.ResourceTypeManifest, network.ResourceTypeSignedExchange, network.ResourceTypePing,
	network.ResourceTypeCSPViolationReport, network.ResourceTypePreflight, network.ResourceTypeOther,
}

// resourceType maps a configured name to the protocol's spelling, so
// "image" and "xhr" work.
func resourceType(name string) network.ResourceType {
	for _, t := range knownResourceTypes {
		if strings.EqualFold(string(t), name) {
			return t
		}
	}
	return network.ResourceType(name)
}

// proxyEventIDs attributes proxy events to the session that issued them.
func proxyEventIDs(ev events.Event) (tabID, sessionID string) {
	switch e := ev.(type) {
	case mitm.Exchange:
		return "", e.SessionID
	case mitm.RequestBlocked:
		return "", e.SessionID
	case mitm.RequestFailed:
		return "", e.SessionID
	case mitm.WebSocketUpgrade:
		return "", e.SessionID
	}
	return "", ""
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("metrics_server")),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Serving metrics", zap.String("address", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	}
}
