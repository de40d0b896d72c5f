package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shmreduce/internal/config"
	"github.com/23skdu/longbow-shmreduce/internal/metrics"
	"github.com/23skdu/longbow-shmreduce/internal/simd"
)

func TestExpected(t *testing.T) {
	want := expected(3, 10)
	for i, got := range want {
		// ranks 0,1,2 contribute (i%8)/2, (i%8+1)/2, (i%8+2)/2
		sum := float32(3*(i%8)+3) * 0.5
		if got != simd.Narrow(sum) {
			t.Errorf("expected[%d] = %v, want %v", i, simd.Widen(got), sum)
		}
	}
}

func TestVerify(t *testing.T) {
	want := expected(2, 16)
	got := append([]uint16(nil), want...)
	assert.NoError(t, verify(got, want))

	got[5] = simd.Narrow(99)
	assert.ErrorContains(t, verify(got, want), "element 5")
}

func TestWorkerArgs(t *testing.T) {
	args := workerArgs(0, 4, "127.0.0.1:29500", "cfg.yaml", []string{"--iterations", "5"})
	assert.Equal(t, []string{
		"worker", "--rank", "0", "--world-size", "4", "--rendezvous", "127.0.0.1:29500",
		"--config", "cfg.yaml", "--iterations", "5",
	}, args)

	args = workerArgs(3, 4, "127.0.0.1:29500", "", nil)
	assert.Equal(t, "--metrics-addr=", args[len(args)-1])
}

func TestApplyWorkerFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "worker"}
	addWorkerFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--rank", "2", "--world-size", "3", "--low-latency=false"}))

	cfg := config.Default()
	cfg.Iterations = 7
	applyWorkerFlags(cmd, &cfg)

	assert.Equal(t, 2, cfg.Rank)
	assert.Equal(t, 3, cfg.WorldSize)
	assert.False(t, cfg.LowLatency)
	assert.Equal(t, 7, cfg.Iterations, "unset flags keep the loaded value")
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FlagsBeforeValidation(t *testing.T) {
	t.Setenv("SHMREDUCE_RANK", "1")
	cmd := &cobra.Command{Use: "worker"}
	addWorkerFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--world-size", "2"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Rank)
	assert.Equal(t, 2, cfg.WorldSize)
}

func TestLoadConfig_LaunchRendezvous(t *testing.T) {
	cmd := &cobra.Command{Use: "launch"}
	addLaunchFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--rendezvous", "127.0.0.1:29611", "-n", "3"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:29611", cfg.RendezvousAddr)
	assert.Equal(t, 3, launchProcs)
}

func TestWorkerObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := metrics.NewStats(0, nil)
	rec := &metrics.Recorder{}
	obs := workerObserver(reg, stats, rec)
	for i := 1; i <= 3; i++ {
		obs.Observe(8, time.Duration(i)*time.Microsecond)
	}

	assert.Equal(t, int64(3), stats.Snapshot().Count)
	assert.Equal(t, 3, rec.Summary().Count)

	rr := httptest.NewRecorder()
	NewServer(0, 1, false, stats, reg).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "shmreduce_allreduce_total 3")
	assert.Contains(t, rr.Body.String(), "shmreduce_allreduce_elements_total 24")
}
