// Command gmtd is the GMT node process: it parses a cluster configuration,
// brings up a Cluster either in-process (for local testing) or over
// bigmachine (for a real multi-host run), serves Prometheus metrics, and
// drives RunMain on node 0, mirroring how cuemby-warren/cmd/warren's
// cobra commands stand up a long-running process from flags.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/local"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pnnl-gmt/gmt-go/config"
	"github.com/pnnl-gmt/gmt-go/internal/xlog"
	"github.com/pnnl-gmt/gmt-go/metrics"
	"github.com/pnnl-gmt/gmt-go/rt"
)

var log = xlog.With("gmtd")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gmtd: %v\n", err)
		os.Exit(1)
	}
}

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "gmtd",
	Short: "GMT cluster runtime daemon",
	Long: `gmtd starts a GMT (Global Memory and Threading) PGAS runtime cluster
and runs the named task as its root invocation on node 0.`,
}

func init() {
	cfg = config.Default()
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "address for the Prometheus /metrics endpoint")
	rootCmd.PersistentFlags().String("config-file", "", "YAML config file overlaid on defaults; when set, the other config flags are ignored")
	cfg.BindFlags(rootCmd.PersistentFlags())
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runLocalCmd)
	rootCmd.AddCommand(runBigmachineCmd)

	runLocalCmd.Flags().Int("nodes", 2, "number of in-process nodes")
	runLocalCmd.Flags().String("task", "", "name of the registered task to run as node 0's root invocation")
	runLocalCmd.MarkFlagRequired("task")

	runBigmachineCmd.Flags().Int("nodes", 2, "number of bigmachine machines to dial")
	runBigmachineCmd.Flags().String("task", "", "name of the registered task to run as node 0's root invocation")
	runBigmachineCmd.MarkFlagRequired("task")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	xlog.Init(xlog.Config{Level: xlog.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config-file")
	if path == "" {
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}
	loaded, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := loaded.Validate(); err != nil {
		return config.Config{}, err
	}
	return loaded, nil
}

func serveMetrics(addr string) {
	metrics.MustRegister(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics server on %s exited: %v", addr, err)
		}
	}()
	log.Printf("metrics endpoint: http://%s/metrics", addr)
}

var runLocalCmd = &cobra.Command{
	Use:   "run-local",
	Short: "Run an in-process, multi-node cluster over Go channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		nodes, _ := cmd.Flags().GetInt("nodes")
		task, _ := cmd.Flags().GetString("task")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serveMetrics(metricsAddr)

		ctx := rt.RootContext()
		cl := rt.NewCluster(c)
		registerDemoTasks(cl)

		grp := status.New().Group("gmtd-local")
		if err := cl.InitLocal(ctx, nodes, grp); err != nil {
			return fmt.Errorf("gmtd: init local cluster: %w", err)
		}
		defer cl.Destroy()

		log.Printf("cluster up: %d local nodes", cl.NumNodes())
		ret, err := cl.RunMain(ctx, task, nil)
		if err != nil {
			return fmt.Errorf("gmtd: run main task %q: %w", task, err)
		}
		log.Printf("main task %q returned %d bytes", task, len(ret))
		return nil
	},
}

var runBigmachineCmd = &cobra.Command{
	Use:   "run-bigmachine",
	Short: "Run a cluster dialed over bigmachine, one node per machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		nodes, _ := cmd.Flags().GetInt("nodes")
		task, _ := cmd.Flags().GetString("task")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serveMetrics(metricsAddr)

		ctx := rt.RootContext()
		b := bigmachine.Start(local.System{})
		defer b.Shutdown()

		cl := rt.NewCluster(c)
		registerDemoTasks(cl)

		grp := status.New().Group(rt.ClusterStatusGroup)
		if err := cl.InitBigmachine(ctx, b, nodes, grp); err != nil {
			return fmt.Errorf("gmtd: init bigmachine cluster: %w", err)
		}
		defer cl.Destroy()

		log.Printf("cluster up: %d bigmachine nodes", cl.NumNodes())
		ret, err := cl.RunMain(ctx, task, nil)
		if err != nil {
			return fmt.Errorf("gmtd: run main task %q: %w", task, err)
		}
		log.Printf("main task %q returned %d bytes", task, len(ret))
		return nil
	},
}
