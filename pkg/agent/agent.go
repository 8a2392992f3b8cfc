// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package agent constructs and runs one porpulsion agent: it wires the
// credential store, state registry, channel manager, executor, tunnel and
// reconciler together and serves the two HTTP surfaces. All collaborators are
// explicit; there is no package-level state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/porpulsion/porpulsion/pkg/admission"
	porpulsionv1alpha1 "github.com/porpulsion/porpulsion/pkg/apis/porpulsion/v1alpha1"
	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/credentials"
	"github.com/porpulsion/porpulsion/pkg/executor"
	"github.com/porpulsion/porpulsion/pkg/handshake"
	"github.com/porpulsion/porpulsion/pkg/logger"
	"github.com/porpulsion/porpulsion/pkg/reconciler"
	"github.com/porpulsion/porpulsion/pkg/remoteapp"
	"github.com/porpulsion/porpulsion/pkg/server"
	"github.com/porpulsion/porpulsion/pkg/store"
	"github.com/porpulsion/porpulsion/pkg/tunnel"
)

// ErrCredentialStore marks irrecoverable credential-store failures; the CLI
// exits with code 2 on it.
var ErrCredentialStore = errors.New("credential store failure")

// Config is the fully resolved agent configuration.
type Config struct {
	AgentName string
	SelfURL   string
	Host      string
	Port      int
	PeerPort  int
	Namespace string

	// StateDir switches persistence from in-cluster Secret/ConfigMap blobs
	// to local files. Meant for running outside a cluster.
	StateDir string

	// Kubeconfig overrides in-cluster configuration detection.
	Kubeconfig string
}

// Agent is the assembled process.
type Agent struct {
	config      Config
	log         logr.Logger
	level       zap.AtomicLevel
	registry    *store.Registry
	credentials *credentials.Store
	channels    *channel.Manager
	reconciler  *reconciler.Reconciler
	dashboard   *server.Dashboard
	peerHandler http.Handler
}

// New builds the agent from its configuration. The atomic level is adjusted
// at runtime when the log_level setting changes.
func New(config Config, log logr.Logger, level zap.AtomicLevel) (*Agent, error) {
	restConfig, err := loadRESTConfig(config.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading Kubernetes configuration: %w", err)
	}
	kubeClient, err := client.New(restConfig, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes clientset: %w", err)
	}

	var blobs store.BlobStore
	if config.StateDir != "" {
		blobs = store.NewFileBlobStore(afero.NewOsFs(), config.StateDir)
	} else {
		blobs = store.NewKubernetesBlobStore(kubeClient, config.Namespace)
	}

	registry := store.NewRegistry(blobs, log)
	creds := credentials.NewStore(registry, log)
	router := channel.NewRouter(log)
	channels := channel.NewManager(registry, creds, router, log)

	exec := executor.New(kubeClient, clientset, config.Namespace, log)
	evaluator := admission.NewEvaluator(registry)

	executorHandlers := remoteapp.NewExecutorHandlers(registry, evaluator, exec, channels, router, log)
	submitter := remoteapp.NewSubmitter(registry, channels, exec, router, log)

	tunnelHandler := tunnel.NewHandler(registry, exec, channels, router, log)
	proxy := tunnel.NewProxy(registry, channels, tunnelHandler, router, log)

	rec := reconciler.New(registry, exec, channels, log)
	channels.OnConnect(rec.Reconnected)

	hsServer := handshake.NewServer(creds, registry, config.AgentName, config.SelfURL, log)
	hsClient := handshake.NewClient(creds, registry, channels, config.AgentName, config.SelfURL, log)

	dashboard := server.NewDashboard(registry, creds, channels, hsClient, submitter, executorHandlers, proxy,
		config.AgentName, config.SelfURL, log)

	agent := &Agent{
		config:      config,
		log:         log.WithName("agent"),
		level:       level,
		registry:    registry,
		credentials: creds,
		channels:    channels,
		reconciler:  rec,
		dashboard:   dashboard,
		peerHandler: server.PeerHandler(hsServer, channels),
	}

	registry.OnSettingsChange(agent.applySettings)
	return agent, nil
}

// Run starts the agent and blocks until ctx is cancelled or a fatal error
// occurs. Shutdown is clean: goodbye pushes go out before channels close.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialStore, err)
	}
	if err := a.credentials.Initialize(ctx, a.config.AgentName); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialStore, err)
	}
	a.applySettings(a.registry.Settings())

	a.log.Info("Agent starting",
		"name", a.config.AgentName,
		"selfURL", a.config.SelfURL,
		"namespace", a.config.Namespace,
		"fingerprint", a.credentials.GetFingerprint(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.channels.Start(runCtx)
	for _, peer := range a.registry.Peers() {
		if peer.Status != porpulsionv1alpha1.PeerStatusAwaitingConfirmation {
			a.channels.EnsurePeer(peer.Name)
		}
	}

	go a.reconciler.Run(runCtx)

	dashboardServer := &http.Server{
		Addr:              net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port)),
		Handler:           a.dashboard.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	peerServer := &http.Server{
		Addr:              net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.PeerPort)),
		Handler:           a.peerHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() { serveErr <- serve(dashboardServer, "dashboard", a.log) }()
	go func() { serveErr <- serve(peerServer, "peer", a.log) }()

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-serveErr:
		cancel()
	}

	a.log.Info("Agent shutting down")
	a.channels.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	var errs *multierror.Error
	if failure != nil {
		errs = multierror.Append(errs, failure)
	}
	if err := dashboardServer.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := peerServer.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// applySettings reacts to settings updates; currently the runtime-adjustable
// piece is the log level.
func (a *Agent) applySettings(settings porpulsionv1alpha1.Settings) {
	if settings.LogLevel == "" {
		return
	}
	zapLevel, err := logger.ParseLevel(settings.LogLevel)
	if err != nil {
		a.log.Error(err, "Ignoring invalid log_level setting", "value", settings.LogLevel)
		return
	}
	a.level.SetLevel(zapLevel)
}

func serve(srv *http.Server, name string, log logr.Logger) error {
	log.Info("Listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func loadRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	// Fall back to the default loading rules (KUBECONFIG, ~/.kube/config).
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
}
