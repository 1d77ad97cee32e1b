package config

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd)
	return cmd
}

func TestFromFlagsDefaults(t *testing.T) {
	cmd := newTestCmd()
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	c := FromFlags(cmd)
	if c.MaxEvictionPerHeartbeat != 100 {
		t.Errorf("expected default 100, got %d", c.MaxEvictionPerHeartbeat)
	}
	if c.TableGrowthMargin != 0.4 {
		t.Errorf("expected default 0.4, got %v", c.TableGrowthMargin)
	}
	if !c.PointInTimeSnapshot {
		t.Error("expected point-in-time snapshot default true")
	}
}

func TestFromFlagsExplicitOverride(t *testing.T) {
	cmd := newTestCmd()
	if err := cmd.ParseFlags([]string{"--max-eviction-per-heartbeat=250", "--point-in-time-snapshot=false"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	c := FromFlags(cmd)
	if c.MaxEvictionPerHeartbeat != 250 {
		t.Errorf("expected 250, got %d", c.MaxEvictionPerHeartbeat)
	}
	if c.PointInTimeSnapshot {
		t.Error("expected explicit false to override default true")
	}
}

func TestFromFlagsEnvFallback(t *testing.T) {
	t.Setenv("DBSLICE_NUM_DBS", "32")
	cmd := newTestCmd()
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	c := FromFlags(cmd)
	if c.NumDBs != 32 {
		t.Errorf("expected env override to set NumDBs=32, got %d", c.NumDBs)
	}
	_ = os.Unsetenv("DBSLICE_NUM_DBS")
}
