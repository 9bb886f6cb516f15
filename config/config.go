// Package config implements the configuration surface of spec.md §6:
// the full set of recognised environment/CLI parameters, with YAML-file
// overlay support and validation that rejects the invalid configurations
// named in spec.md §7 (too few command blocks, handle count overflowing
// its bit-field width, and so on). Flags are bound with spf13/pflag so a
// cmd/gmtd cobra command can expose the same surface on its command line,
// the way cuemby-warren/cmd/warren binds its flags.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/pnnl-gmt/gmt-go/internal/xerrors"
	"github.com/pnnl-gmt/gmt-go/wire"
)

// Config is the full parameter surface named in spec.md §6.
type Config struct {
	NumWorkers            int    `yaml:"num_workers"`
	NumHelpers            int    `yaml:"num_helpers"`
	NumUthreadsPerWorker  int    `yaml:"num_uthreads_per_worker"`
	MaxNesting            int    `yaml:"max_nesting"`
	CommBufferSize        int    `yaml:"comm_buffer_size"`
	NumCmdBlocks          int    `yaml:"num_cmd_blocks"`
	CmdBlockSize          int    `yaml:"cmd_block_size"`
	NumBuffsPerChannel    int    `yaml:"num_buffs_per_channel"`
	MtasksPerQueue        int    `yaml:"mtasks_per_queue"`
	NumMtasksQueues       int    `yaml:"num_mtasks_queues"`
	MtasksResBlockLoc     int    `yaml:"mtasks_res_block_loc"`
	MtasksResBlockRem     int    `yaml:"mtasks_res_block_rem"`
	MaxHandlesPerNode     int    `yaml:"max_handles_per_node"`
	HandleCheckInterval   string `yaml:"handle_check_interval"`
	MtaskCheckInterval    string `yaml:"mtask_check_interval"`
	CmdbCheckInterval     string `yaml:"cmdb_check_interval"`
	NodeAggCheckInterval  string `yaml:"node_agg_check_interval"`
	ThreadPinning         bool   `yaml:"thread_pinning"`
	NumCores              int    `yaml:"num_cores"`
	StridePinning         int    `yaml:"stride_pinning"`
	StateName             string `yaml:"state_name"`
	StateRW               bool   `yaml:"state_rw"`
	StatePopulate         bool   `yaml:"state_populate"`
	SSDPath               string `yaml:"ssd_path"`
	DiskPath              string `yaml:"disk_path"`
	ReleaseUthreadStack   bool   `yaml:"release_uthread_stack"`
	LimitParallelism      bool   `yaml:"limit_parallelism"`
	EnableUsrSignal       bool   `yaml:"enable_usr_signal"`
}

// Default returns the configuration defaults drawn from
// include/gmt/gmt_config.h's commented-out #defines.
func Default() Config {
	return Config{
		NumWorkers:           15,
		NumHelpers:           15,
		NumUthreadsPerWorker: 1024,
		MaxNesting:           64,
		CommBufferSize:       256 * 1024,
		NumCmdBlocks:         128,
		CmdBlockSize:         4096,
		NumBuffsPerChannel:   64,
		MtasksPerQueue:       1024,
		NumMtasksQueues:      4,
		MtasksResBlockLoc:    1024,
		MtasksResBlockRem:    1024,
		MaxHandlesPerNode:    1 << 16,
		HandleCheckInterval:  "10ms",
		MtaskCheckInterval:   "1ms",
		CmdbCheckInterval:    "1ms",
		NodeAggCheckInterval: "1ms",
		ThreadPinning:        false,
		NumCores:             0,
		StridePinning:        1,
		ReleaseUthreadStack:  true,
		LimitParallelism:     false,
	}
}

// BindFlags registers every field above as a pflag, for use by cobra
// commands (cmd/gmtd), mirroring how cuemby-warren/cmd/warren registers
// its flags on *pflag.FlagSet before Execute.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.IntVar(&c.NumWorkers, "num-workers", d.NumWorkers, "worker kernel threads per node")
	fs.IntVar(&c.NumHelpers, "num-helpers", d.NumHelpers, "helper kernel threads per node")
	fs.IntVar(&c.NumUthreadsPerWorker, "num-uthreads-per-worker", d.NumUthreadsPerWorker, "uthreads hosted per worker")
	fs.IntVar(&c.MaxNesting, "max-nesting", d.MaxNesting, "maximum self-execution nesting depth")
	fs.IntVar(&c.CommBufferSize, "comm-buffer-size", d.CommBufferSize, "network buffer size in bytes")
	fs.IntVar(&c.NumCmdBlocks, "num-cmd-blocks", d.NumCmdBlocks, "command block pool size")
	fs.IntVar(&c.CmdBlockSize, "cmd-block-size", d.CmdBlockSize, "command block size in bytes")
	fs.IntVar(&c.NumBuffsPerChannel, "num-buffs-per-channel", d.NumBuffsPerChannel, "network buffer pool size per channel")
	fs.IntVar(&c.MtasksPerQueue, "mtasks-per-queue", d.MtasksPerQueue, "mtask queue capacity")
	fs.IntVar(&c.NumMtasksQueues, "num-mtasks-queues", d.NumMtasksQueues, "number of mtask queues (MPMC topology)")
	fs.IntVar(&c.MtasksResBlockLoc, "mtasks-res-block-loc", d.MtasksResBlockLoc, "local mtask reservation block size")
	fs.IntVar(&c.MtasksResBlockRem, "mtasks-res-block-rem", d.MtasksResBlockRem, "remote mtask reservation block size")
	fs.IntVar(&c.MaxHandlesPerNode, "max-handles-per-node", d.MaxHandlesPerNode, "handle id pool size per node")
	fs.StringVar(&c.HandleCheckInterval, "handle-check-interval", d.HandleCheckInterval, "handle termination ring period")
	fs.StringVar(&c.MtaskCheckInterval, "mtask-check-interval", d.MtaskCheckInterval, "mtask queue poll period")
	fs.StringVar(&c.CmdbCheckInterval, "cmdb-check-interval", d.CmdbCheckInterval, "command block timeout-flush period")
	fs.StringVar(&c.NodeAggCheckInterval, "node-agg-check-interval", d.NodeAggCheckInterval, "per-destination aggregation timeout period")
	fs.BoolVar(&c.ThreadPinning, "thread-pinning", d.ThreadPinning, "pin worker/helper threads to cores (out of scope; parsed but has no effect)")
	fs.IntVar(&c.NumCores, "num-cores", d.NumCores, "cores available for pinning")
	fs.IntVar(&c.StridePinning, "stride-pinning", d.StridePinning, "core stride used by pinning")
	fs.StringVar(&c.StateName, "state-name", d.StateName, "state/session name for named-array persistence")
	fs.BoolVar(&c.StateRW, "state-rw", d.StateRW, "open persisted state read-write")
	fs.BoolVar(&c.StatePopulate, "state-populate", d.StatePopulate, "eagerly populate persisted arrays on attach")
	fs.StringVar(&c.SSDPath, "ssd-path", d.SSDPath, "path backing SSD-media arrays")
	fs.StringVar(&c.DiskPath, "disk-path", d.DiskPath, "path backing disk-media arrays")
	fs.BoolVar(&c.ReleaseUthreadStack, "release-uthread-stack", d.ReleaseUthreadStack, "shrink uthread stacks back to floor on completion")
	fs.BoolVar(&c.LimitParallelism, "limit-parallelism", d.LimitParallelism, "cap concurrently-running uthreads via a semaphore")
	fs.BoolVar(&c.EnableUsrSignal, "enable-usr-signal", d.EnableUsrSignal, "enable the periodic scheduler state dump")
}

// Load reads a YAML config file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.E(xerrors.Invalid, fmt.Errorf("config: read %s: %w", path, err))
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, xerrors.E(xerrors.Invalid, fmt.Errorf("config: parse %s: %w", path, err))
	}
	return cfg, nil
}

// Validate rejects configurations that spec.md §7 calls out as fatal at
// startup: insufficient command blocks, a handle pool that would overflow
// its id bits, and other internally-inconsistent values.
func (c Config) Validate() error {
	switch {
	case c.NumWorkers < 1:
		return xerrors.BadConfig("num_workers must be >= 1")
	case c.NumHelpers < 1:
		return xerrors.BadConfig("num_helpers must be >= 1")
	case c.NumUthreadsPerWorker < 1:
		return xerrors.BadConfig("num_uthreads_per_worker must be >= 1")
	case c.MaxNesting < 1:
		return xerrors.BadConfig("max_nesting must be >= 1")
	case c.CommBufferSize < 1024:
		return xerrors.BadConfig("comm_buffer_size too small to hold any command block")
	case c.CmdBlockSize < wire.Record{}.RecordSize():
		return xerrors.BadConfig("cmd_block_size too small for the smallest command record")
	case c.CmdBlockSize > c.CommBufferSize:
		// Invariant (a) of §4.3: any single command block must fit in an
		// empty buffer.
		return xerrors.BadConfig("cmd_block_size must not exceed comm_buffer_size")
	case c.NumCmdBlocks < 2:
		// Too few command blocks starves aggregation: at least one must
		// be open per destination while another is in flight.
		return xerrors.BadConfig("num_cmd_blocks must be >= 2")
	case c.NumBuffsPerChannel < 2:
		return xerrors.BadConfig("num_buffs_per_channel must be >= 2")
	case c.MtasksPerQueue < 1:
		return xerrors.BadConfig("mtasks_per_queue must be >= 1")
	case c.NumMtasksQueues < 1:
		return xerrors.BadConfig("num_mtasks_queues must be >= 1")
	case c.MaxHandlesPerNode < 1:
		return xerrors.BadConfig("max_handles_per_node must be >= 1")
	case uint64(c.MaxHandlesPerNode) > wire.MaxTID+1:
		return xerrors.BadConfig("max_handles_per_node overflows the handle id bit-field budget")
	}
	return nil
}

// WriteYAML serializes cfg as YAML for diagnostics (gmtctl config dump).
func (c Config) WriteYAML() ([]byte, error) { return yaml.Marshal(c) }
