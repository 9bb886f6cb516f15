// Command gmtctl is an offline control and inspection tool for a GMT
// deployment: it validates/dumps configuration and inspects a node's
// persisted named-array store without standing up a cluster, mirroring
// how cuemby-warren ships warren-migrate alongside warren as a separate,
// narrowly-scoped maintenance binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pnnl-gmt/gmt-go/config"
	"github.com/pnnl-gmt/gmt-go/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gmtctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gmtctl",
	Short: "Inspect GMT configuration and persisted state offline",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDumpCmd)
	configValidateCmd.Flags().String("config-file", "", "YAML config file to validate (defaults if empty)")
	configDumpCmd.Flags().String("config-file", "", "YAML config file to overlay onto defaults before dumping")

	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeInspectCmd)
	storeCmd.PersistentFlags().String("data-dir", ".", "directory holding the node's bbolt state file")
	storeCmd.PersistentFlags().String("state-name", "gmt", "state/session name (file is <data-dir>/<state-name>.db)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate or dump a GMT configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a config file (or defaults) and report whether it passes validation",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config-file")
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid: %w", err)
		}
		fmt.Println("config OK")
		return nil
	},
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config-file")
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		b, err := c.WriteYAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect a node's persisted named-array store",
}

func openStore(cmd *cobra.Command) (*store.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	stateName, _ := cmd.Flags().GetString("state-name")
	return store.Open(dataDir, stateName)
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every named array persisted in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		names, err := s.ListArrays()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("(no persisted arrays)")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var storeInspectCmd = &cobra.Command{
	Use:   "inspect <name>",
	Short: "Print one named array's persisted metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		rec, err := s.GetArray(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("name:        %s\n", rec.Name)
		fmt.Printf("total_bytes: %d\n", rec.TotalBytes)
		fmt.Printf("elem_bytes:  %d\n", rec.ElemBytes)
		fmt.Printf("policy:      %d\n", rec.Policy)
		fmt.Printf("data_bytes:  %d (on disk)\n", len(rec.Data))
		return nil
	},
}
