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

type statsSnapshot struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"activeSessions"`
	WaitingInQueue int    `json:"waitingInQueue"`
	ActiveRooms    int    `json:"activeRooms"`
	Backend        string `json:"backend"`
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Live terminal dashboard for a running relay node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:3000", Usage: "base URL of the node to watch"},
			&cli.StringFlag{Name: "admin_key", Value: "", Usage: "admin key, if the node requires one"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "poll interval"},
		},
		Action: func(c *cli.Context) error {
			return runStatsDashboard(c.String("addr"), c.String("admin_key"), c.Duration("interval"))
		},
	}
}

// runStatsDashboard polls /admin/stats and renders two gauges (queue
// depth, room count) plus a session-count sparkline, in the teacher's
// operational-tooling spirit but built on termui/termbox instead of a web
// dashboard (§SUPPLEMENTAL FEATURES: "an operational nicety for running a
// fleet node interactively").
func runStatsDashboard(addr, adminKey string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("stats: termui init: %w", err)
	}
	defer ui.Close()

	queueGauge := widgets.NewGauge()
	queueGauge.Title = "Waiting in queue"
	queueGauge.SetRect(0, 0, 50, 3)

	roomGauge := widgets.NewGauge()
	roomGauge.Title = "Active rooms"
	roomGauge.SetRect(0, 3, 50, 6)

	sessionPlot := widgets.NewSparkline()
	sessionPlot.Title = "Active sessions"
	group := widgets.NewSparklineGroup(sessionPlot)
	group.Title = "Active sessions"
	group.SetRect(0, 6, 50, 14)

	status := widgets.NewParagraph()
	status.Title = "Backend"
	status.SetRect(0, 14, 50, 17)

	history := make([]float64, 0, 200)

	draw := func(s statsSnapshot) {
		history = append(history, float64(s.ActiveSessions))
		if len(history) > 180 {
			history = history[len(history)-180:]
		}
		sessionPlot.Data = history

		queueGauge.Percent = clampPercent(s.WaitingInQueue)
		queueGauge.Label = fmt.Sprintf("%d", s.WaitingInQueue)
		roomGauge.Percent = clampPercent(s.ActiveRooms)
		roomGauge.Label = fmt.Sprintf("%d", s.ActiveRooms)
		status.Text = fmt.Sprintf("status=%s backend=%s", s.Status, s.Backend)

		ui.Render(queueGauge, roomGauge, group, status)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()
	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			snap, err := fetchStats(addr, adminKey)
			if err != nil {
				status.Text = fmt.Sprintf("error: %v", err)
				ui.Render(status)
				continue
			}
			draw(snap)
		}
	}
}

// clampPercent turns a raw count into a 0-100 gauge fill using a soft cap;
// past 50 concurrent the gauge just reads "full" rather than needing a
// constantly-rescaled axis.
func clampPercent(n int) int {
	p := n * 2
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

func fetchStats(addr, adminKey string) (statsSnapshot, error) {
	url := addr + "/admin/stats"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return statsSnapshot{}, err
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statsSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statsSnapshot{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var snap statsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return statsSnapshot{}, err
	}
	return snap, nil
}
