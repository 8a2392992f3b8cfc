// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package app provides the porpulsion-agent command.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/porpulsion/porpulsion/pkg/agent"
	"github.com/porpulsion/porpulsion/pkg/logger"
)

// Name is the executable name.
const Name = "porpulsion-agent"

// Options contains the flag values of the serve command.
type Options struct {
	AgentName  string
	SelfURL    string
	Host       string
	Port       int
	PeerPort   int
	Namespace  string
	StateDir   string
	Kubeconfig string
	LogLevel   string
	LogFormat  string
}

// NewOptions returns the defaults.
func NewOptions() *Options {
	return &Options{
		Host:      "0.0.0.0",
		Port:      8080,
		PeerPort:  8443,
		LogLevel:  logger.InfoLevel,
		LogFormat: logger.FormatJSON,
	}
}

// AddFlags registers the serve flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.AgentName, "agent-name", o.AgentName, "Name of this agent, shown to peers. Defaults to $AGENT_NAME.")
	fs.StringVar(&o.SelfURL, "self-url", o.SelfURL, "Externally reachable base URL of the peer endpoint. Defaults to $SELF_URL, or is derived from $POD_IP.")
	fs.StringVar(&o.Host, "host", o.Host, "Address to bind both HTTP servers to.")
	fs.IntVar(&o.Port, "port", o.Port, "Port of the local dashboard API.")
	fs.IntVar(&o.PeerPort, "peer-port", o.PeerPort, "Port of the peer-facing handshake and websocket endpoint.")
	fs.StringVar(&o.Namespace, "namespace", o.Namespace, "Namespace workloads are deployed into. Defaults to $NAMESPACE or $POD_NAMESPACE.")
	fs.StringVar(&o.StateDir, "state-dir", o.StateDir, "Directory for file-based state persistence instead of in-cluster Secret/ConfigMap blobs.")
	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig, "Path to a kubeconfig. Defaults to in-cluster configuration.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level, one of [debug,info,error].")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "Log format, one of [json,text].")
}

// Complete fills unset options from the environment.
func (o *Options) Complete() {
	if o.AgentName == "" {
		o.AgentName = os.Getenv("AGENT_NAME")
	}
	if o.SelfURL == "" {
		o.SelfURL = os.Getenv("SELF_URL")
	}
	if o.SelfURL == "" {
		if podIP := os.Getenv("POD_IP"); podIP != "" {
			o.SelfURL = fmt.Sprintf("http://%s:%d", podIP, o.PeerPort)
		}
	}
	if o.Namespace == "" {
		o.Namespace = os.Getenv("NAMESPACE")
	}
	if o.Namespace == "" {
		o.Namespace = os.Getenv("POD_NAMESPACE")
	}
}

// Validate checks for fatal misconfiguration.
func (o *Options) Validate() error {
	if o.AgentName == "" {
		return fmt.Errorf("--agent-name (or $AGENT_NAME) is required")
	}
	if o.SelfURL == "" {
		return fmt.Errorf("--self-url (or $SELF_URL / $POD_IP) is required")
	}
	if o.Namespace == "" {
		return fmt.Errorf("--namespace (or $NAMESPACE / $POD_NAMESPACE) is required")
	}
	if o.Port == o.PeerPort {
		return fmt.Errorf("--port and --peer-port must differ")
	}
	return nil
}

// Config builds the agent configuration from the completed options.
func (o *Options) Config() agent.Config {
	return agent.Config{
		AgentName:  o.AgentName,
		SelfURL:    o.SelfURL,
		Host:       o.Host,
		Port:       o.Port,
		PeerPort:   o.PeerPort,
		Namespace:  o.Namespace,
		StateDir:   o.StateDir,
		Kubeconfig: o.Kubeconfig,
	}
}

// NewCommand creates the root command with its serve subcommand.
func NewCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           Name,
		Short:         "Peer-to-peer Kubernetes connector agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	opts := NewOptions()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		Long: "Run the porpulsion agent: serve the dashboard API, accept peering " +
			"handshakes, keep one persistent channel per peer, and execute remote " +
			"workloads as Deployments.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Complete()
			if err := opts.Validate(); err != nil {
				return err
			}

			log, level, err := logger.NewZapLoggerWithAtomicLevel(opts.LogLevel, opts.LogFormat)
			if err != nil {
				return err
			}

			a, err := agent.New(opts.Config(), log, level)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}
