package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mirkobrombin/go-kustodio/v1/config"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "kustodio",
		Short:         "kustodio is a replicated named lock manager",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringP("config", "c", "", "configuration file (default ./kustodio.yaml or /etc/kustodio/kustodio.yaml)")

	root.AddCommand(newServerCommand(), newClientCommand(), newConfigCommand())
	return root
}

// nodeFlags are the flags shared by the commands that read the node config,
// keyed by flag name.
var nodeFlags = map[string]string{
	"listen":          "api.address",
	"cluster-address": "cluster.address",
	"advertise":       "cluster.advertise",
	"peers":           "cluster.peers",
	"transport":       "cluster.transport",
	"heartbeat":       "cluster.heartbeat",
	"multicast":       "cluster.multicast",
	"nats-url":        "cluster.nats.url",
	"redis-addr":      "cluster.redis.addr",
	"kafka-brokers":   "cluster.kafka.brokers",
	"dedup-size":      "cluster.dedup.size",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"metrics":         "metrics.enabled",
	"trace":           "trace.enabled",
}

func addNodeFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.String("listen", d.API.Address, "HTTP gateway listen address")
	fs.String("cluster-address", d.Cluster.Address, "cluster listen address (mesh transport)")
	fs.String("advertise", d.Cluster.Advertise, "address announced to peers")
	fs.StringSlice("peers", d.Cluster.Peers, "static peers to gossip with")
	fs.String("transport", d.Cluster.Transport, "cluster transport: memory, mesh, nats, redis or kafka")
	fs.Duration("heartbeat", d.Cluster.Heartbeat, "membership heartbeat interval")
	fs.Bool("multicast", d.Cluster.Multicast, "discover peers over UDP multicast")
	fs.String("nats-url", d.Cluster.NATS.URL, "NATS server URL")
	fs.String("redis-addr", d.Cluster.Redis.Addr, "Redis address")
	fs.StringSlice("kafka-brokers", d.Cluster.Kafka.Brokers, "Kafka brokers")
	fs.Int("dedup-size", d.Cluster.Dedup.Size, "remember this many message ids to drop duplicates (0 disables)")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "log format: text or json")
	fs.Bool("metrics", d.Metrics.Enabled, "serve Prometheus metrics on /metrics")
	fs.Bool("trace", d.Trace.Enabled, "export traces to stdout")
}

// loadConfig reads the configuration using the flags of cmd that are known
// configuration overrides.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	var bindings []config.FlagBinding
	for name, key := range nodeFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			bindings = append(bindings, config.FlagBinding{Key: key, Flag: f})
		}
	}
	return config.Load(path, bindings...)
}
