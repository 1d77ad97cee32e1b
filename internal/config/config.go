// Package config resolves the recognized options spec.md §6 lists, from
// cobra flags, a .env file and the process environment, in that priority
// order — .env lowest, explicit flags highest.
//
// Grounded on the teacher's cmd/server/main.go (godotenv.Load() at
// startup) and ValentinKolb-dKV's cmd/serve/root.go (cobra
// PersistentFlags plus an env-prefixed override pass), adapted here
// without viper: the option set is small and fixed, so binding each flag
// by hand keeps the dependency surface to what spec.md's own option list
// needs.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type flagSet = pflag.FlagSet

// Config mirrors the recognized options table of spec.md §6.
type Config struct {
	MaxEvictionPerHeartbeat   uint32
	MaxSegmentToConsider      uint32
	TableGrowthMargin         float64
	NotifyKeyspaceEvents      string // only "Ex" is meaningful
	ClusterFlushDecommitMem   bool
	PointInTimeSnapshot       bool
	MGetDedupKeys             bool
	LegacySaddexKeepTTL       bool
	LatencyTracking           bool
	RenameCommand             []string
	RestrictedCommands        []string
	OOMDenyCommands           []string
	CommandAlias              []string

	ListenAddr string
	DataDir    string
	NumDBs     int
	MaxMemory  int64
}

// Default returns the documented defaults (spec.md §6).
func Default() Config {
	return Config{
		MaxEvictionPerHeartbeat: 100,
		MaxSegmentToConsider:    4,
		TableGrowthMargin:       0.4,
		PointInTimeSnapshot:     true,
		ListenAddr:              ":6380",
		DataDir:                 "./data",
		NumDBs:                  16,
	}
}

// BindFlags registers every recognized option as a persistent flag on cmd,
// seeded with Default()'s values.
func BindFlags(cmd *cobra.Command) {
	d := Default()
	f := cmd.PersistentFlags()
	f.Uint32("max-eviction-per-heartbeat", d.MaxEvictionPerHeartbeat, "maximum entries evicted per heartbeat tick")
	f.Uint32("max-segment-to-consider", d.MaxSegmentToConsider, "maximum segments scanned per eviction step")
	f.Float64("table-growth-margin", d.TableGrowthMargin, "can_grow safety margin against the memory budget")
	f.String("notify-keyspace-events", d.NotifyKeyspaceEvents, `keyspace-event classes to publish (only "Ex" supported)`)
	f.Bool("cluster-flush-decommit-memory", d.ClusterFlushDecommitMem, "decommit memory pages on flush_db/flush_slots")
	f.Bool("point-in-time-snapshot", d.PointInTimeSnapshot, "use point-in-time snapshot semantics")
	f.Bool("mget-dedup-keys", d.MGetDedupKeys, "deduplicate repeated keys within a single MGET")
	f.Bool("legacy-saddex-keepttl", d.LegacySaddexKeepTTL, "preserve legacy SADDEX KEEPTTL behavior")
	f.Bool("latency-tracking", d.LatencyTracking, "track per-command latency histograms")
	f.StringSlice("rename-command", nil, "comma-separated OLD=NEW command renames")
	f.StringSlice("restricted-commands", nil, "comma-separated list of commands refused from clients")
	f.StringSlice("oom-deny-commands", nil, "comma-separated list of commands refused under OOM")
	f.StringSlice("command-alias", nil, "comma-separated OLD=NEW command aliases")
	f.String("listen-addr", d.ListenAddr, "address the server listens on")
	f.String("data-dir", d.DataDir, "directory for journal and snapshot files")
	f.Int("num-dbs", d.NumDBs, "number of logical databases per shard")
	f.Int64("max-memory", d.MaxMemory, "hard memory budget in bytes (0 = unbounded)")
}

// LoadEnvFiles loads .env then .env.local (later files override earlier
// ones), matching the teacher's startup sequence. Missing files are not an
// error.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// FromFlags resolves Config by reading cmd's flags, falling back to the
// DBSLICE_-prefixed environment variable for any scalar flag left at its
// default. List-valued flags (rename-command, restricted-commands,
// oom-deny-commands, command-alias) are read from the command line only.
func FromFlags(cmd *cobra.Command) Config {
	c := Default()
	f := cmd.Flags()

	c.MaxEvictionPerHeartbeat = getUint32(f, "max-eviction-per-heartbeat", c.MaxEvictionPerHeartbeat)
	c.MaxSegmentToConsider = getUint32(f, "max-segment-to-consider", c.MaxSegmentToConsider)
	c.TableGrowthMargin = getFloat64(f, "table-growth-margin", c.TableGrowthMargin)
	c.NotifyKeyspaceEvents = getString(f, "notify-keyspace-events", c.NotifyKeyspaceEvents)
	c.ClusterFlushDecommitMem = getBool(f, "cluster-flush-decommit-memory", c.ClusterFlushDecommitMem)
	c.PointInTimeSnapshot = getBool(f, "point-in-time-snapshot", c.PointInTimeSnapshot)
	c.MGetDedupKeys = getBool(f, "mget-dedup-keys", c.MGetDedupKeys)
	c.LegacySaddexKeepTTL = getBool(f, "legacy-saddex-keepttl", c.LegacySaddexKeepTTL)
	c.LatencyTracking = getBool(f, "latency-tracking", c.LatencyTracking)
	c.RenameCommand = getStringSlice(f, "rename-command")
	c.RestrictedCommands = getStringSlice(f, "restricted-commands")
	c.OOMDenyCommands = getStringSlice(f, "oom-deny-commands")
	c.CommandAlias = getStringSlice(f, "command-alias")
	c.ListenAddr = getString(f, "listen-addr", c.ListenAddr)
	c.DataDir = getString(f, "data-dir", c.DataDir)
	c.NumDBs = getInt(f, "num-dbs", c.NumDBs)
	c.MaxMemory = getInt64(f, "max-memory", c.MaxMemory)
	return c
}

func envKey(flag string) string {
	return "DBSLICE_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func getString(f *flagSet, name, def string) string {
	if v, err := f.GetString(name); err == nil && f.Changed(name) {
		return v
	}
	if v, ok := os.LookupEnv(envKey(name)); ok {
		return v
	}
	return def
}

func getBool(f *flagSet, name string, def bool) bool {
	if v, err := f.GetBool(name); err == nil && f.Changed(name) {
		return v
	}
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getUint32(f *flagSet, name string, def uint32) uint32 {
	if v, err := f.GetUint32(name); err == nil && f.Changed(name) {
		return v
	}
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func getInt(f *flagSet, name string, def int) int {
	if v, err := f.GetInt(name); err == nil && f.Changed(name) {
		return v
	}
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(f *flagSet, name string, def int64) int64 {
	if v, err := f.GetInt64(name); err == nil && f.Changed(name) {
		return v
	}
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat64(f *flagSet, name string, def float64) float64 {
	if v, err := f.GetFloat64(name); err == nil && f.Changed(name) {
		return v
	}
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func getStringSlice(f *flagSet, name string) []string {
	if v, err := f.GetStringSlice(name); err == nil {
		return v
	}
	return nil
}
