package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/archive"
	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/config"
	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/db"
	"github.com/banshee-data/hf-timestd/internal/detect"
	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/network"
	"github.com/banshee-data/hf-timestd/internal/resequencer"
	"github.com/banshee-data/hf-timestd/internal/rtp"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testSSRC = 20823
	testSPP  = 100
)

func init() {
	monitoring.SetLogger(nil)
}

// writeTestConfig writes a one-channel configuration whose state lives
// under a temporary directory.
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
channels:
  - name: WWV_10
    address: 239.100.1.10:5004
    ssrc: %d
    frequency_hz: 10000000
    sample_rate: 1000
    samples_per_packet: %d
    station: WWV
archive:
  dir: %s
  segment_duration: 1s
estimator:
  detector: none
consensus:
  snapshot_path: %s
database:
  path: %s
log:
  level: error
`, testSSRC, testSPP, filepath.Join(dir, "archive"), filepath.Join(dir, "consensus.json"), filepath.Join(dir, "state", "timestd.db"))
	path := filepath.Join(dir, "timestd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return path, cfg
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })

	app := cli.NewApp()
	app.Name = "timestd"
	app.Commands = Commands()
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"timestd"}, args...))
	monitoring.SetLogger(nil)
	return buf.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range Commands() {
		names[c.Name] = true
	}
	for _, want := range []string{"run", "replay", "consensus", "inspect", "migrate"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestMigrateCommands(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := runApp(t, "migrate", "version", "-c", path)
	require.NoError(t, err)
	var st migrationStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, migrationStatus{Version: 0, Latest: 2}, st)

	out, err = runApp(t, "migrate", "up", "-c", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, uint(2), st.Version)

	out, err = runApp(t, "migrate", "down", "-c", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, uint(1), st.Version)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := runApp(t, "migrate", "version", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func seedMeasurement(ch string, st detect.Station, at time.Time, offset float64) clockoffset.ChannelMeasurement {
	return clockoffset.ChannelMeasurement{
		ID:            ch + at.Format(time.RFC3339),
		Channel:       ch,
		Station:       st,
		FrequencyHz:   10e6,
		Timestamp:     at,
		OffsetMs:      offset,
		UncertaintyMs: 0.7,
		Grade:         clockoffset.GradeB,
		SNR:           18,
		Confidence:    0.7,
	}
}

func TestConsensusCommand(t *testing.T) {
	path, cfg := writeTestConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755))
	store, err := db.NewDB(cfg.Database.Path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.InsertMeasurement(ctx, seedMeasurement("WWV_10", detect.WWV, t0, 2.0)))
	require.NoError(t, store.InsertMeasurement(ctx, seedMeasurement("CHU_7850", detect.CHU, t0, 2.4)))
	require.NoError(t, store.Close())

	out, err := runApp(t, "consensus", "-c", path, "--at", t0.Add(time.Minute).Format(time.RFC3339), "--record")
	require.NoError(t, err)
	var res consensus.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, consensus.StateLocked, res.State)
	assert.Equal(t, 2, res.IncludedChannels)
	assert.InDelta(t, 2.2, res.OffsetMs, 1e-9)

	store, err = db.NewDB(cfg.Database.Path)
	require.NoError(t, err)
	defer store.Close()
	history, err := store.ConsensusHistory(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.ID, history[0].ID)

	_, err = runApp(t, "consensus", "-c", path, "--at", "noon")
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	samples := make([]complex64, 1000)
	for i := range samples {
		samples[i] = complex(3, 4)
	}
	seg := &archive.Segment{
		Metadata: archive.Metadata{
			ID:              "seg-1",
			Channel:         "WWV_10",
			FrequencyHz:     10e6,
			SampleRate:      1000,
			DurationSeconds: 1,
			StartTime:       t0,
			SampleCount:     len(samples),
			Completeness:    100,
			Gaps:            []resequencer.GapInterval{},
		},
		Samples: samples,
	}
	path := archive.SegmentPath(t.TempDir(), "WWV_10", t0)
	require.NoError(t, archive.WriteSegment(fsutil.OSFileSystem{}, path, seg))

	out, err := runApp(t, "inspect", path)
	require.NoError(t, err)
	var got []segmentSummary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "seg-1", got[0].ID)
	assert.Equal(t, 1000, got[0].SampleCount)
	assert.InDelta(t, 5.0, got[0].RMS, 1e-6)

	_, err = runApp(t, "inspect")
	assert.Error(t, err)
	_, err = runApp(t, "inspect", filepath.Join(t.TempDir(), "missing.iqz"))
	assert.Error(t, err)
}

func rtpFrame(t *testing.T, i int) []byte {
	t.Helper()
	samples := make([]complex64, testSPP)
	b, err := rtp.Encode(rtp.Packet{
		Sequence:    uint16(i),
		Timestamp:   uint32(i * testSPP),
		SSRC:        testSSRC,
		PayloadType: 97,
		Payload:     rtp.EncodeSamples(samples, rtp.Float32LE),
	})
	require.NoError(t, err)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{1, 0, 0x5e, 0x64, 1, 10},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      16,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 20),
		DstIP:    net.IPv4(239, 100, 1, 10),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 5004}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(b)))
	return buf.Bytes()
}

func TestReplayCommand(t *testing.T) {
	path, cfg := writeTestConfig(t)

	capture := filepath.Join(t.TempDir(), "wwv.pcap")
	f, err := os.Create(capture)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i := 0; i < 30; i++ {
		frame := rtpFrame(t, i)
		at := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		ci := gopacket.CaptureInfo{Timestamp: at, CaptureLength: len(frame), Length: len(frame)}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	require.NoError(t, f.Close())

	out, err := runApp(t, "replay", "-c", path, capture)
	require.NoError(t, err)
	var report struct {
		Capture network.ReplayStats `json:"capture"`
		Result  consensus.Result    `json:"consensus"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(30), report.Capture.Routed)
	assert.Equal(t, consensus.StateNoData, report.Result.State)

	store, err := db.NewDB(cfg.Database.Path)
	require.NoError(t, err)
	defer store.Close()
	segs, err := store.Segments(context.Background(), "WWV_10", 0)
	require.NoError(t, err)
	assert.Len(t, segs, 3)

	snap, err := consensus.ReadSnapshot(fsutil.OSFileSystem{}, cfg.Consensus.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, report.Result.ID, snap.ID)

	_, err = runApp(t, "replay", "-c", path)
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	_, cfg := writeTestConfig(t)
	sock := network.NewMockUDPSocket(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, "127.0.0.1:0", func() (*system, error) {
			return buildSystem(cfg, systemOptions{factory: network.NewMockUDPSocketFactory(sock)})
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.True(t, sock.Closed())
}
