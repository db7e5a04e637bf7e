package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// statsSnapshot mirrors internal/handler/http.Stats; duplicated here
// instead of importing that package so the stats command stays a thin
// HTTP client with no dependency on the broker's internal packages —
// it talks to a (possibly remote) running broker purely over its admin
// HTTP surface.
type statsSnapshot struct {
	Connections       int    `json:"connections"`
	ActiveSessions    int    `json:"active_sessions"`
	AbandonedSessions int    `json:"abandoned_sessions"`
	EvictedSessions   int    `json:"evicted_sessions"`
	MaxSessionGap     uint32 `json:"max_session_gap"`
	AttrsSource       string `json:"attrs_source"`
	BreakerState      string `json:"device_breaker_state"`
}

// statsCmd is the operator-facing live dashboard: a termui terminal UI
// polling the admin GET /stats endpoint, with the gauge/paragraph
// widget combination a termui dashboard typically uses for a handful of
// live numeric series.
func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Live terminal dashboard of broker occupancy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "admin-http-address", Value: "http://127.0.0.1:8281", Usage: "Admin HTTP base URL"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "Poll interval"},
		},
		Action: func(c *cli.Context) error {
			return runStatsDashboard(c.String("admin-http-address"), c.Duration("interval"))
		},
	}
}

func runStatsDashboard(baseURL string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("stats: termui init: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "tpm-broker"
	header.Text = "polling " + baseURL
	header.SetRect(0, 0, 60, 3)

	connGauge := widgets.NewGauge()
	connGauge.Title = "Connections"
	connGauge.SetRect(0, 3, 60, 6)

	sessionGauge := widgets.NewGauge()
	sessionGauge.Title = "Active Sessions"
	sessionGauge.SetRect(0, 6, 60, 9)

	abandonedGauge := widgets.NewGauge()
	abandonedGauge.Title = "Abandoned Sessions"
	abandonedGauge.SetRect(0, 9, 60, 12)

	detail := widgets.NewParagraph()
	detail.Title = "Device"
	detail.SetRect(0, 12, 60, 18)

	render := func(s statsSnapshot, fetchErr error) {
		if fetchErr != nil {
			detail.Text = fmt.Sprintf("[fetch error: %v](fg:red)", fetchErr)
			ui.Render(header, connGauge, sessionGauge, abandonedGauge, detail)
			return
		}
		connGauge.Percent = s.Connections
		sessionGauge.Percent = s.ActiveSessions
		abandonedGauge.Percent = s.AbandonedSessions
		detail.Text = fmt.Sprintf(
			"evicted_sessions: %d\nmax_session_gap: %d\nattrs_source: %s\ndevice_breaker_state: %s",
			s.EvictedSessions, s.MaxSessionGap, s.AttrsSource, s.BreakerState,
		)
		ui.Render(header, connGauge, sessionGauge, abandonedGauge, detail)
	}

	client := &http.Client{Timeout: interval}
	fetch := func() (statsSnapshot, error) {
		var s statsSnapshot
		resp, err := client.Get(baseURL + "/stats")
		if err != nil {
			return s, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return s, fmt.Errorf("status %d", resp.StatusCode)
		}
		err = json.NewDecoder(resp.Body).Decode(&s)
		return s, err
	}

	snap, err := fetch()
	render(snap, err)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			snap, err := fetch()
			render(snap, err)
		}
	}
}
