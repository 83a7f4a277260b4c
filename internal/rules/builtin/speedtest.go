package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"rulekeeper/internal/rules"
)

// SpeedResult is one bandwidth measurement.
type SpeedResult struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
	JitterMs     float64
	ISP          string
	Server       string
	Country      string
	Duration     time.Duration
}

// SpeedTest measures bandwidth against the nearest speedtest.net servers and
// compares it to thresholds from the payload:
//
//	min_download_mbps, min_upload_mbps, max_ping_ms  (all optional)
//	servers                                         candidates to ping (default 5)
//
// With no thresholds the rule succeeds whenever a measurement completes.
type SpeedTest struct {
	measure func(ctx context.Context, candidates int) (*SpeedResult, error)
}

func NewSpeedTest() *SpeedTest { return &SpeedTest{measure: measureSpeed} }

func (s *SpeedTest) Handle(ctx context.Context, payload map[string]any, _ *rules.ExecutionContext) (map[string]any, error) {
	candidates := 5
	if n, ok := floatField(payload, "servers"); ok && n >= 1 {
		candidates = int(n)
	}
	res, err := s.measure(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("speedtest: %w", err)
	}

	var violations []string
	if want, ok := floatField(payload, "min_download_mbps"); ok && res.DownloadMbps < want {
		violations = append(violations, fmt.Sprintf("download %.1f < %.1f Mbps", res.DownloadMbps, want))
	}
	if want, ok := floatField(payload, "min_upload_mbps"); ok && res.UploadMbps < want {
		violations = append(violations, fmt.Sprintf("upload %.1f < %.1f Mbps", res.UploadMbps, want))
	}
	if limit, ok := floatField(payload, "max_ping_ms"); ok && res.PingMs > limit {
		violations = append(violations, fmt.Sprintf("ping %.0f > %.0f ms", res.PingMs, limit))
	}

	msg := fmt.Sprintf("⬇ %.1f Mbps ⬆ %.1f Mbps, ping %.0f ms via %s", res.DownloadMbps, res.UploadMbps, res.PingMs, res.Server)
	if len(violations) > 0 {
		msg += " (" + strings.Join(violations, "; ") + ")"
	}
	return map[string]any{
		"success":       len(violations) == 0,
		"message":       msg,
		"download_mbps": res.DownloadMbps,
		"upload_mbps":   res.UploadMbps,
		"ping_ms":       res.PingMs,
		"jitter_ms":     res.JitterMs,
		"isp":           res.ISP,
		"server":        res.Server,
		"country":       res.Country,
		"duration_ms":   res.Duration.Milliseconds(),
	}, nil
}

// measureSpeed pings the closest candidates and runs a full test on the
// lowest-latency one.
func measureSpeed(ctx context.Context, candidates int) (*SpeedResult, error) {
	start := time.Now()
	// Use a private client; the package-level helpers keep shared state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{MaxConnections: 4}))
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if candidates > len(servers) {
		candidates = len(servers)
	}

	var best *st.Server
	for _, s := range servers[:candidates] {
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	return &SpeedResult{
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency.Milliseconds()),
		JitterMs:     float64(best.Jitter.Milliseconds()),
		ISP:          user.Isp,
		Server:       best.Sponsor,
		Country:      best.Country,
		Duration:     time.Since(start),
	}, nil
}
