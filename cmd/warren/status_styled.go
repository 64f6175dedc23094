package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"warren/pkg/server"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)
)

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  `Query a running node's status endpoint and render it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := fetchStatus(address)
			if err != nil {
				return fmt.Errorf("failed to query node at %s: %w", address, err)
			}
			fmt.Println(renderStatus(st))
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "http://localhost:8080", "node base URL")
	return cmd
}

func fetchStatus(address string) (*server.Status, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(address, "/") + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint answered %d", resp.StatusCode)
	}

	var st server.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func renderStatus(st *server.Status) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("🐇 Warren Federation Node"))
	b.WriteString("\n")

	row := func(label string, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	row("Domain", valueStyle.Render(st.Domain))
	row("Uptime", valueStyle.Render(st.Uptime))
	row("Consumer", renderConsumerState(st.ConsumerState))
	row("Consumer restarts", valueStyle.Render(fmt.Sprintf("%d", st.ConsumerResets)))
	row("Queue depth", renderQueueDepth(st.QueueDepth))
	row("Delivery workers", valueStyle.Render(fmt.Sprintf("%d", st.ActiveWorkers)))
	row("Blocked domains", valueStyle.Render(fmt.Sprintf("%d", st.BlocklistSize)))
	if !st.BlocklistAt.IsZero() {
		row("Blocklist refreshed", valueStyle.Render(st.BlocklistAt.Format(time.RFC3339)))
	}
	row("Cached actor keys", valueStyle.Render(fmt.Sprintf("%d", st.ActorCacheSize)))
	row("Crawler records", valueStyle.Render(fmt.Sprintf("%d", st.CrawlerRecords)))

	return panelStyle.Render(b.String())
}

func renderConsumerState(state string) string {
	switch state {
	case "running":
		return accentValueStyle.Render("● " + state)
	case "restarting":
		return warningValueStyle.Render("◌ " + state)
	default:
		return dangerValueStyle.Render("○ " + state)
	}
}

func renderQueueDepth(depth int) string {
	value := fmt.Sprintf("%d", depth)
	if depth == 0 {
		return accentValueStyle.Render(value)
	}
	return warningValueStyle.Render(value)
}
