package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/collector"
	"github.com/rpkiwire/rpki-rp/internal/payload"
	"github.com/rpkiwire/rpki-rp/internal/rrdp"
)

func TestTAValidationRunLabelsResult(t *testing.T) {
	c := New()
	c.TAValidationRun("ripe", 2500*time.Millisecond, true)
	c.TAValidationRun("afrinic", time.Second, false)

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	out := buf.String()

	require.Contains(t, out, `rpki_rp_ta_runs_total{ta="ripe",result="accepted"} 1`)
	require.Contains(t, out, `rpki_rp_ta_runs_total{ta="afrinic",result="rejected"} 1`)
	require.Contains(t, out, `rpki_rp_ta_run_duration_seconds`)
}

func TestRepositoryFetchLabelsTransport(t *testing.T) {
	c := New()
	c.RepositoryFetch("rsync://rpki.example.org/repo/", collector.TransportRRDP)
	c.RepositoryFetch("rsync://rpki.example.org/repo/", collector.TransportRRDP)
	c.RepositoryFetch("rsync://other.example.org/repo/", collector.TransportRsync)

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	out := buf.String()

	require.Contains(t, out, `transport="rrdp"} 2`)
	require.Contains(t, out, `transport="rsync"} 1`)
}

func TestSnapshotReasonSkipsNone(t *testing.T) {
	c := New()
	c.SnapshotReason("rsync://rpki.example.org/repo/", rrdp.ReasonNone)
	c.SnapshotReason("rsync://rpki.example.org/repo/", rrdp.ReasonNewSession)

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	out := buf.String()

	require.Equal(t, 1, strings.Count(out, "rpki_rp_snapshot_reason_total"))
	require.Contains(t, out, `reason="new-session"`)
}

func TestRecordSnapshotUpdatesGauges(t *testing.T) {
	c := New()
	c.RecordSnapshot(payload.Metrics{UnsafeVRPsWarned: 3, UnsafeVRPsDropped: 1, ASPAOverflowDropped: 2}, 7)

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	out := buf.String()

	require.Contains(t, out, "rpki_rp_unsafe_vrps_warned 3")
	require.Contains(t, out, "rpki_rp_unsafe_vrps_dropped 1")
	require.Contains(t, out, "rpki_rp_aspa_overflow_dropped 2")
	require.Contains(t, out, "rpki_rp_rejected_resources 7")
}
