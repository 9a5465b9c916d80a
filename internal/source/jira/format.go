package jira

import (
	"strings"

	"github.com/nhle/incident-bridge/internal/format"
)

// issueHead and issueTail bracket the custom-field columns of an issue row.
var issueHead = []format.Field{
	{Path: "id", Display: "id", Context: "Id"},
	{Path: "key", Display: "key", Context: "Key"},
	{Path: "fields.summary", Display: "summary", Context: "Summary"},
	{Path: "fields.status.name", Display: "status", Context: "Status"},
	{Path: "fields.priority.name", Display: "priority", Context: "Priority"},
	{Path: "fields.project.name", Display: "project", Context: "ProjectName"},
	{Path: "fields.duedate", Display: "duedate", Context: "DueDate"},
	{Path: "fields.created", Display: "created", Context: "Created"},
}

var issueTail = []format.Field{
	{Path: "fields.assignee", Display: "assignee", Context: "Assignee", Render: format.UserRender},
	{Path: "fields.creator", Display: "creator", Context: "Creator", Render: format.UserRender},
	{Path: "fields.reporter", Display: "reporter", Render: format.UserRender},
	{Path: "fields.lastViewed", Context: "LastSeen"},
	{Path: "fields.updated", Context: "LastUpdate"},
	{Path: "fields.issuetype.description", Display: "issueType"},
	{Path: "fields.labels", Display: "labels"},
	{Path: "fields.description", Display: "description"},
	{Path: "self", Display: "ticket_link"},
	{Path: "fields.attachment", Display: "attachment", Context: "attachment", Render: attachmentNames},
}

// issueRows extracts the display and context rows for each raw issue.
// customNames maps custom field ids to the readable names they are shown
// under; a nil map leaves custom fields out.
func issueRows(issues [][]byte, customNames map[string]string) (display, context []*format.Record) {
	for _, raw := range issues {
		fields := make([]format.Field, 0, len(issueHead)+len(issueTail)+len(customNames))
		fields = append(fields, issueHead...)
		for _, id := range format.ObjectKeys(raw, "fields") {
			if !strings.Contains(id, "custom") {
				continue
			}
			if name := customNames[id]; name != "" {
				fields = append(fields, format.Field{Path: "fields." + id, Display: name, Context: name})
			}
		}
		fields = append(fields, issueTail...)

		out := format.Extract(raw, fields)
		display = append(display, out.Display)
		context = append(context, out.Context)
	}
	return display, context
}

// attachmentNames joins the file names of an attachment list with commas.
func attachmentNames(v any, present bool) any {
	list, ok := v.([]any)
	if !present || !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		if m, isMap := item.(map[string]any); isMap {
			name, _ := m["filename"].(string)
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// severityFor maps a priority name onto the incident severity scale.
func severityFor(priority *Priority) int {
	if priority == nil {
		return 0
	}
	switch priority.Name {
	case "Highest":
		return 4
	case "High":
		return 3
	case "Medium":
		return 2
	case "Low":
		return 1
	default:
		return 0
	}
}

// mirrorDirection names the mirroring mode, or returns nil when mirroring
// is off in both directions.
func mirrorDirection(in, out bool) any {
	switch {
	case in && out:
		return "Both"
	case in:
		return "In"
	case out:
		return "Out"
	default:
		return nil
	}
}
