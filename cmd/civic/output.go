package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/viper"

	"civicsense/internal/config"
	"civicsense/internal/domain"
	"civicsense/internal/engine"
)

var colors = map[string]text.Color{
	"red":    text.FgRed,
	"yellow": text.FgYellow,
	"green":  text.FgGreen,
	"orange": text.FgHiRed,
	"gray":   text.FgHiBlack,
}

func colorize(color, s string) string {
	if c, ok := colors[color]; ok {
		return c.Sprint(s)
	}
	return s
}

func enginePage(limit int, status, category, order string) engine.Page {
	return engine.Page{
		Limit:      limit,
		Status:     status,
		Category:   category,
		OrderBySLA: order == "sla",
	}
}

func statusCell(s domain.Status) string {
	st := s.Style()
	return colorize(st.Color, st.Label)
}

func priorityCell(p domain.Priority) string {
	st := p.Style()
	return colorize(st.Color, st.Label)
}

func slaCell(is domain.Issue, now time.Time) string {
	switch sla := is.SLA(now); sla {
	case domain.SLAOverdue:
		return colorize("red", string(sla))
	case domain.SLADueSoon:
		return colorize("yellow", string(sla))
	default:
		return string(sla)
	}
}

func renderIssues(w io.Writer, items []domain.Issue, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Title", "Category", "Priority", "Status", "Assignee", "SLA", "Reported"})
	for _, is := range items {
		tw.AppendRow(table.Row{is.ID, is.Title, is.Category, priorityCell(is.Priority), statusCell(is.Status), is.Assignee(), slaCell(is, now), is.ReportedAt})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d issues", len(items))})
	tw.Render()
}

func renderIssueDetail(w io.Writer, is domain.Issue, notes []domain.IssueUpdate, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"ID", is.ID},
		{"Title", is.Title},
		{"Description", is.Description},
		{"Category", is.Category},
		{"Priority", priorityCell(is.Priority)},
		{"Status", statusCell(is.Status)},
		{"Location", is.Location},
		{"Reported by", is.ReportedBy},
		{"Assigned to", is.Assignee()},
		{"Reported at", is.ReportedAt},
		{"SLA", slaCell(is, now)},
	})
	if is.Coordinates != nil {
		tw.AppendRow(table.Row{"Coordinates", fmt.Sprintf("%.6f, %.6f", is.Coordinates.Lat, is.Coordinates.Lng)})
	}
	if len(is.Images) > 0 {
		tw.AppendRow(table.Row{"Images", strings.Join(is.Images, "\n")})
	}
	tw.Render()
	if len(notes) > 0 {
		renderUpdates(w, notes)
	}
}

func renderUpdates(w io.Writer, notes []domain.IssueUpdate) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"When", "Author", "Message"})
	for _, u := range notes {
		tw.AppendRow(table.Row{u.CreatedAt, u.UserID, u.Message})
	}
	tw.Render()
}

func renderStats(w io.Writer, st domain.Stats) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Total", "Pending", "In Progress", "Resolved", "Overdue"})
	tw.AppendRow(table.Row{st.Total, st.Pending, st.InProgress, st.Resolved, colorize("red", fmt.Sprint(st.Overdue))})
	tw.Render()
}

func renderProfiles(w io.Writer, items []domain.Profile) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.FullName, p.Email, p.Role})
	}
	tw.Render()
}

func printIssue(is domain.Issue) error {
	if viper.GetBool("json") {
		return printJSON(is)
	}
	renderIssueDetail(os.Stdout, is, nil, time.Now())
	return nil
}

func printCategories(cats []config.Category) error {
	if viper.GetBool("json") {
		return printJSON(cats)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Value", "Label"})
	for _, c := range cats {
		tw.AppendRow(table.Row{c.Value, c.Label})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
