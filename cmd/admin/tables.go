package main

import (
	"bytes"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/onexay/hgrev/internal/types"
)

func newTable(buf *bytes.Buffer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(buf)
	t.AppendHeader(header)
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return t
}

func revisionTable(revs []types.Revision) string {
	var buf bytes.Buffer
	t := newTable(&buf, table.Row{"Branch", "Locale", "Changeset", "Push", "Pushed", "Bug", "Author", "Backed out by"})
	for _, rev := range revs {
		t.AppendRow(table.Row{
			rev.Branch.Name,
			rev.Branch.LocaleOrDefault(),
			rev.Changeset.ID12,
			rev.Push.ID,
			formatDate(rev.Push.Date),
			bug(rev.Changeset.Bug),
			rev.Changeset.Author,
			types.Short(rev.Changeset.BackedOutBy),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
	t.Render()
	return buf.String()
}

func pushTable(branch, changeset string, push types.Push) string {
	var buf bytes.Buffer
	t := newTable(&buf, table.Row{"Branch", "Changeset", "Push", "Pushed", "User"})
	t.AppendRow(table.Row{branch, types.Short(changeset), push.ID, formatDate(push.Date), push.User})
	t.Render()
	return buf.String()
}

func branchTable(list []types.Branch) string {
	var buf bytes.Buffer
	t := newTable(&buf, table.Row{"Name", "Locale", "URL", "Parent"})
	for _, b := range list {
		t.AppendRow(table.Row{b.Name, b.LocaleOrDefault(), b.URL, b.ParentName})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
	t.Render()
	return buf.String()
}

func formatDate(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func bug(id int) any {
	if id == 0 {
		return "-"
	}
	return id
}
