package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// Command names.
const (
	CmdIssueQuery     = "jira-issue-query"
	CmdGetIssue       = "jira-get-issue"
	CmdCreateIssue    = "jira-create-issue"
	CmdEditIssue      = "jira-edit-issue"
	CmdDeleteIssue    = "jira-delete-issue"
	CmdGetComments    = "jira-get-comments"
	CmdAddComment     = "jira-issue-add-comment"
	CmdUploadFile     = "jira-issue-upload-file"
	CmdAddLink        = "jira-issue-add-link"
	CmdGetIDOffset    = "jira-get-id-offset"
	CmdGetIDByAttr    = "jira-get-id-by-attribute"
	CmdListTransition = "jira-list-transitions"
)

// MappingTypeName is the schema type reported by get-mapping-fields.
const MappingTypeName = "Jira Incident"

// ResolveReason is the close reason used when an issue reaches Done.
const ResolveReason = `Issue was marked as "Done"`

// mappingFields are the issue fields outgoing mirroring can set.
var mappingFields = []struct{ name, description string }{
	{"issueId", "The ID of the issue to edit"},
	{"summary", "The summary of the issue."},
	{"description", "The description of the issue."},
	{"labels", "A CSV list of labels."},
	{"priority", `A priority name, for example "High" or "Medium".`},
	{"dueDate", "The due date for the issue (in the format 2018-03-11)."},
	{"assignee", "The name of the assignee."},
	{"status", "The name of the status."},
	{"assignee_id", "The account ID of the assignee. Use the jira-get-id-by-attribute command to get the user's Account ID."},
}

// Commands returns the Jira command handlers.
func (a *Adapter) Commands() map[string]source.Handler {
	return map[string]source.Handler{
		CmdIssueQuery:     a.issueQuery,
		CmdGetIssue:       a.getIssue,
		CmdCreateIssue:    a.createIssue,
		CmdEditIssue:      a.editIssueCommand,
		CmdDeleteIssue:    a.deleteIssue,
		CmdGetComments:    a.getComments,
		CmdAddComment:     a.addCommentCommand,
		CmdUploadFile:     a.uploadFileCommand,
		CmdAddLink:        a.addLink,
		CmdGetIDOffset:    a.getIDOffset,
		CmdGetIDByAttr:    a.getIDByAttribute,
		CmdListTransition: a.listTransitions,
	}
}

func (a *Adapter) issueQuery(ctx context.Context, args source.Args) (*source.Result, error) {
	query, err := args.Required("query")
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("jql", query)
	if v := args.String("startAt"); v != "" {
		params.Set("startAt", v)
	}
	if v := args.String("maxResults"); v != "" {
		params.Set("maxResults", v)
	}

	var (
		warnings    []string
		customNames map[string]string
	)
	if extra := args.String("extraFields"); extra != "" {
		names := a.fieldNames(ctx)
		byName := make(map[string][]string, len(names))
		for id, name := range names {
			lower := strings.ToLower(name)
			byName[lower] = append(byName[lower], strings.ToLower(id))
		}

		var missing []string
		for _, f := range strings.Split(extra, ",") {
			ids, ok := byName[strings.ToLower(f)]
			if !ok {
				missing = append(missing, f)
				continue
			}
			for _, id := range ids {
				params.Add("fields", id)
			}
		}
		switch {
		case len(missing) > 1:
			warnings = append(warnings, strings.Join(missing, ",")+" do not exist")
		case len(missing) == 1:
			warnings = append(warnings, missing[0]+" does not exist")
		default:
			customNames = names
		}
	}

	res, err := a.client.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(res.Issues) == 0 {
		return &source.Result{ReadableOutput: "No issues matched the query.", Warnings: warnings}, nil
	}

	display, rows := issueRows(rawIssues(res), customNames)
	return &source.Result{
		ReadableOutput:  format.Table(CmdIssueQuery, display, format.WithHeaders(args.List("headers")...)),
		OutputsPrefix:   "Ticket",
		OutputsKeyField: "Id",
		Outputs:         rows,
		RawResponse:     res,
		Warnings:        warnings,
	}, nil
}

func (a *Adapter) getIssue(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	return a.issueResult(ctx, issueView{
		id:             id,
		title:          CmdGetIssue,
		headers:        args.List("headers"),
		expandLinks:    args.Bool("expandLinks"),
		getAttachments: args.Bool("getAttachments"),
	})
}

// issueView selects how issueResult fetches and renders an issue.
type issueView struct {
	id             string
	title          string
	headers        []string
	expandLinks    bool
	getAttachments bool
	updated        bool
}

func (a *Adapter) issueResult(ctx context.Context, v issueView) (*source.Result, error) {
	raw, err := a.client.GetRaw(ctx, issuePath(v.id))
	if err != nil {
		return nil, err
	}

	result := &source.Result{
		OutputsPrefix:   "Ticket",
		OutputsKeyField: "Id",
		RawResponse:     json.RawMessage(raw),
	}

	if v.expandLinks {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "decoding issue %s", v.id)
		}
		if err := a.expandLinks(ctx, doc, 0); err != nil {
			return nil, err
		}
		result.RawResponse = doc
	}

	if v.getAttachments {
		var issue Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return nil, errors.Wrapf(err, "decoding issue %s", v.id)
		}
		for _, att := range issue.Fields.Attachments {
			ref, err := a.downloadAttachment(ctx, att)
			if err != nil {
				return nil, err
			}
			result.Files = append(result.Files, ref)
		}
	}

	display, rows := issueRows([][]byte{raw}, nil)
	result.ReadableOutput = format.Table(v.title, display, format.WithHeaders(v.headers...))
	if v.updated {
		result.ReadableOutput += fmt.Sprintf("Issue #%s was updated successfully", v.id)
	}
	result.Outputs = rows
	return result, nil
}

// linkKeys name the values whose URLs expandLinks follows.
var linkKeys = map[string]bool{
	"_links":               true,
	"watchers":             true,
	"sla":                  true,
	"request participants": true,
}

// expandLinks follows link URLs under linkKeys and stores each response
// as a JSON string next to it under "<key>_expended".
func (a *Adapter) expandLinks(ctx context.Context, doc map[string]any, depth int) error {
	if depth >= 10 {
		return nil
	}
	for _, key := range mapKeys(doc) {
		value := doc[key]
		if !linkKeys[key] {
			if nested, ok := value.(map[string]any); ok {
				if err := a.expandLinks(ctx, nested, depth+1); err != nil {
					return err
				}
			}
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			for _, linkKey := range mapKeys(v) {
				link, ok := v[linkKey].(string)
				if !ok {
					continue
				}
				body, err := a.client.GetRaw(ctx, link)
				if err != nil {
					return err
				}
				v[linkKey+"_expended"] = string(body)
			}
		case string:
			body, err := a.client.GetRaw(ctx, v)
			if err != nil {
				return err
			}
			doc[key+"_expended"] = string(body)
		}
	}
	return nil
}

func (a *Adapter) downloadAttachment(ctx context.Context, att Attachment) (model.FileRef, error) {
	data, err := a.client.GetRaw(ctx, att.Content)
	if err != nil {
		return model.FileRef{}, errors.Wrapf(err, "downloading attachment %s", att.Filename)
	}
	ref, err := a.files.SaveFile(ctx, att.Filename, data)
	if err != nil {
		return model.FileRef{}, errors.Wrapf(err, "saving attachment %s", att.Filename)
	}
	return ref, nil
}

func (a *Adapter) createIssue(ctx context.Context, args source.Args) (*source.Result, error) {
	req, err := NewIssueRequest(args, true, false)
	if err != nil {
		return nil, err
	}

	project := ensureRef(&req.Fields.Project)
	if project.Key == "" && project.Name == "" {
		project.Key = a.settings.ProjectKey
	}
	projectID, err := a.projectID(ctx, project.Key, project.Name)
	if err != nil {
		return nil, err
	}
	req.Apply(WithProjectID(projectID))

	raw, err := a.postRaw(ctx, "rest/api/latest/issue", req)
	if err != nil {
		return nil, err
	}
	var created CreatedIssue
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, errors.Wrap(err, "decoding created issue")
	}

	row := format.NewRecord()
	if err := json.Unmarshal(raw, row); err != nil {
		return nil, errors.Wrap(err, "decoding created issue")
	}
	if name := args.First("projectName", "project_name"); name != "" {
		row.Set("projectName", name)
	}
	if key := args.First("projectKey", "project_key"); key != "" {
		row.Set("projectKey", key)
	} else if a.settings.ProjectKey != "" {
		row.Set("projectKey", a.settings.ProjectKey)
	}

	return &source.Result{
		ReadableOutput:  format.Table(CmdCreateIssue, []*format.Record{row}),
		OutputsPrefix:   "Ticket",
		OutputsKeyField: "Id",
		Outputs:         []*format.Record{format.NewRecord("Id", created.ID, "Key", created.Key)},
		RawResponse:     json.RawMessage(raw),
	}, nil
}

// projectID resolves a project key or name to its id through createmeta.
func (a *Adapter) projectID(ctx context.Context, key, name string) (string, error) {
	if key == "" && name == "" {
		return "", source.Validationf(model.IntegrationTypeJira,
			"You must provide at least one of the following: project_key or project_name")
	}
	var meta CreateMeta
	if err := a.client.Get(ctx, "rest/api/latest/issue/createmeta", &meta); err != nil {
		return "", err
	}
	for _, p := range meta.Projects {
		if (key != "" && strings.EqualFold(p.Key, key)) || (name != "" && strings.EqualFold(p.Name, name)) {
			return p.ID, nil
		}
	}
	return "", source.NotFoundf(model.IntegrationTypeJira, "Project not found")
}

func (a *Adapter) editIssueCommand(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	return a.editIssue(ctx, id, args, false)
}

// editIssue updates the issue fields, then applies a status or transition
// change, and returns the refreshed issue.
func (a *Adapter) editIssue(ctx context.Context, id string, args source.Args, mirroring bool) (*source.Result, error) {
	status := args.String("status")
	transition := args.String("transition")
	if status != "" && transition != "" {
		return nil, source.Validationf(model.IntegrationTypeJira,
			"Please provide only status or transition, but not both.")
	}

	req, err := NewIssueRequest(args, false, mirroring)
	if err != nil {
		return nil, err
	}
	if err := a.client.Put(ctx, issuePath(id)+"/", req, nil); err != nil {
		return nil, err
	}

	switch {
	case status != "":
		if err := a.setStatus(ctx, id, status); err != nil {
			return nil, err
		}
	case transition != "":
		if err := a.applyTransition(ctx, id, transition); err != nil {
			return nil, err
		}
	}

	return a.issueResult(ctx, issueView{
		id:      id,
		title:   CmdEditIssue,
		headers: args.List("headers"),
		updated: true,
	})
}

func (a *Adapter) transitions(ctx context.Context, id string) ([]Transition, error) {
	var res TransitionsResponse
	if err := a.client.Get(ctx, "rest/api/2/issue/"+url.PathEscape(id)+"/transitions", &res); err != nil {
		return nil, err
	}
	return res.Transitions, nil
}

// setStatus moves the issue through the transition whose name matches
// status case-insensitively.
func (a *Adapter) setStatus(ctx context.Context, id, status string) error {
	transitions, err := a.transitions(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range transitions {
		if strings.EqualFold(t.Name, status) {
			return a.postTransition(ctx, id, t.ID)
		}
	}
	return source.NotFoundf(model.IntegrationTypeJira,
		"Status %q not found. Valid transitions are: %v", status, transitionNames(transitions))
}

// applyTransition runs the transition with exactly the given name.
func (a *Adapter) applyTransition(ctx context.Context, id, name string) error {
	transitions, err := a.transitions(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range transitions {
		if t.Name == name {
			return a.postTransition(ctx, id, t.ID)
		}
	}
	return source.NotFoundf(model.IntegrationTypeJira,
		"Transition %q not found. Valid transitions are: %v", name, transitionNames(transitions))
}

func (a *Adapter) postTransition(ctx context.Context, issueID, transitionID string) error {
	body := TransitionRequest{Transition: TransitionRef{ID: transitionID}}
	return a.client.Post(ctx, issuePath(issueID, "transitions?expand=transitions.fields"), body, nil)
}

func transitionNames(transitions []Transition) []string {
	names := make([]string, 0, len(transitions))
	for _, t := range transitions {
		names = append(names, t.Name)
	}
	return names
}

func (a *Adapter) listTransitions(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	transitions, err := a.transitions(ctx, id)
	if err != nil {
		return nil, err
	}
	names := transitionNames(transitions)
	return &source.Result{
		ReadableOutput:  format.List("List Transitions:", "Transition Name", names),
		OutputsPrefix:   "Ticket.Transitions",
		OutputsKeyField: "ticketId",
		Outputs:         format.NewRecord("ticketId", id, "transitions", names),
		RawResponse:     names,
	}, nil
}

func (a *Adapter) deleteIssue(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueIdOrKey")
	if err != nil {
		return nil, err
	}
	if err := a.client.Delete(ctx, issuePath(id)); err != nil {
		return nil, err
	}
	return source.Text("Issue deleted successfully."), nil
}

// listComments returns the issue comments, typed and raw.
func (a *Adapter) listComments(ctx context.Context, id string) ([]Comment, json.RawMessage, error) {
	raw, err := a.client.GetRaw(ctx, issuePath(id, "comment"))
	if err != nil {
		return nil, nil, err
	}
	var page CommentPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, nil, errors.Wrapf(err, "decoding comments of %s", id)
	}
	list, ok := format.LookupRaw(raw, "comments")
	if !ok {
		list = []byte("[]")
	}
	return page.Comments, list, nil
}

func (a *Adapter) getComments(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	comments, _, err := a.listComments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return source.Text("No comments were found in the ticket"), nil
	}

	rows := make([]*format.Record, 0, len(comments))
	for _, c := range comments {
		rows = append(rows, format.NewRecord(
			"Comment", c.Body,
			"User", c.UpdateAuthor.Name,
			"Created", c.Created,
		))
	}
	return &source.Result{
		ReadableOutput:  format.Table("Comments", rows),
		OutputsPrefix:   "Ticket",
		OutputsKeyField: "Id",
		Outputs:         format.NewRecord("Id", id, "Comment", rows),
		RawResponse:     comments,
	}, nil
}

func (a *Adapter) addComment(ctx context.Context, issueID, body, visibility string) (*Comment, error) {
	req := CommentRequest{Body: body}
	if visibility != "" {
		req.Visibility = &Visibility{Type: "role", Value: visibility}
	}
	var created Comment
	if err := a.client.Post(ctx, issuePath(issueID, "comment"), req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (a *Adapter) addCommentCommand(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	body, err := args.Required("comment")
	if err != nil {
		return nil, err
	}
	c, err := a.addComment(ctx, id, body, args.String("visibility"))
	if err != nil {
		return nil, err
	}
	row := format.NewRecord(
		"id", c.ID,
		"key", c.UpdateAuthor.Key,
		"comment", c.Body,
		"ticket_link", c.Self,
	)
	return &source.Result{
		ReadableOutput: format.Table(CmdAddComment, []*format.Record{row}),
		RawResponse:    c,
	}, nil
}

// uploadFile attaches a stored file to the issue. An empty name keeps
// the stored file name.
func (a *Adapter) uploadFile(ctx context.Context, issueID, fileID, name string) ([]Attachment, error) {
	ref, data, err := a.files.OpenFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = ref.Name
	}
	raw, err := a.client.Upload(ctx, issuePath(issueID, "attachments"), name, data)
	if err != nil {
		return nil, err
	}
	var attachments []Attachment
	if err := json.Unmarshal(raw, &attachments); err != nil {
		return nil, errors.Wrap(err, "decoding uploaded attachments")
	}
	return attachments, nil
}

func (a *Adapter) uploadFileCommand(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	fileID, err := args.Required("upload")
	if err != nil {
		return nil, err
	}
	attachments, err := a.uploadFile(ctx, id, fileID, args.String("attachmentName"))
	if err != nil {
		return nil, err
	}

	rows := make([]*format.Record, 0, len(attachments))
	for _, att := range attachments {
		rows = append(rows, format.NewRecord(
			"id", att.ID,
			"issueId", id,
			"attachment_name", att.Filename,
			"attachment_link", att.Self,
		))
	}
	return &source.Result{
		ReadableOutput: format.Table(CmdUploadFile, rows),
		RawResponse:    attachments,
	}, nil
}

func (a *Adapter) addLink(ctx context.Context, args source.Args) (*source.Result, error) {
	id, err := args.Required("issueId")
	if err != nil {
		return nil, err
	}
	title, err := args.Required("title")
	if err != nil {
		return nil, err
	}
	link, err := args.Required("url")
	if err != nil {
		return nil, err
	}

	req := RemoteLink{
		Object:       RemoteLinkObject{URL: link, Title: title},
		Summary:      args.String("summary"),
		GlobalID:     args.First("globalId", "global_id"),
		Relationship: args.String("relationship"),
	}
	appType := args.First("applicationType", "application_type")
	appName := args.First("applicationName", "application_name")
	if appType != "" || appName != "" {
		req.Application = &RemoteLinkApplication{Type: appType, Name: appName}
	}

	raw, err := a.postRaw(ctx, issuePath(id, "remotelink"), req)
	if err != nil {
		return nil, err
	}
	row := format.Extract(raw, []format.Field{
		{Path: "id", Display: "id"},
		{Path: "updateAuthor.key", Display: "key"},
		{Path: "body", Display: "comment"},
		{Path: "self", Display: "ticket_link"},
	}).Display
	return &source.Result{
		ReadableOutput: format.Table(CmdAddLink, []*format.Record{row}, format.WithRemoveNull()),
		RawResponse:    json.RawMessage(raw),
	}, nil
}

func (a *Adapter) getIDOffset(ctx context.Context, _ source.Args) (*source.Result, error) {
	params := url.Values{}
	params.Set("jql", "ORDER BY created ASC")
	params.Set("maxResults", "1")
	res, err := a.client.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(res.Issues) == 0 {
		return nil, source.NotFoundf(model.IntegrationTypeJira, "No issues were found to compute the ID offset")
	}
	first := format.LookupString(res.Issues[0], "id")
	return &source.Result{
		ReadableOutput: "ID Offset: " + first,
		OutputsPrefix:  "Ticket",
		Outputs:        format.NewRecord("idOffSet", first),
		RawResponse:    res,
	}, nil
}

func (a *Adapter) getIDByAttribute(ctx context.Context, args source.Args) (*source.Result, error) {
	attribute, err := args.Required("attribute")
	if err != nil {
		return nil, err
	}
	maxResults, err := args.Int("max_results", 50)
	if err != nil {
		return nil, err
	}
	v2 := args.Bool("is_jirav2api")

	params := url.Values{}
	if v2 {
		params.Set("username", attribute)
	} else {
		params.Set("query", attribute)
	}
	params.Set("maxResults", strconv.Itoa(maxResults))

	var users []User
	if err := a.client.Get(ctx, withQuery("rest/api/latest/user/search", params), &users); err != nil {
		return nil, err
	}

	identity := func(u User) string {
		if v2 {
			return u.Name
		}
		return u.AccountID
	}

	var ids []string
	seen := make(map[string]bool)
	for _, u := range users {
		if !strings.EqualFold(u.DisplayName, attribute) && !strings.EqualFold(u.EmailAddress, attribute) {
			continue
		}
		if id := identity(u); !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		switch len(users) {
		case 0:
			return source.Text(fmt.Sprintf("No Account ID was found for attribute: %s.", attribute)), nil
		case 1:
			ids = []string{identity(users[0])}
		default:
			a.log.Debugw("multiple account ids, none matching", "attribute", attribute, "users", len(users))
			return source.Text(fmt.Sprintf("Multiple account IDs found, but it was not possible to resolve which "+
				"one of them is most relevant to attribute %q.Please try to provide the \"DisplayName\" attribute.",
				attribute)), nil
		}
	}
	if len(ids) > 1 {
		return source.Text(fmt.Sprintf("Multiple account IDs were found for attribute: %s.\n"+
			"Please try to provide the other attribute available - Email or DisplayName.", attribute)), nil
	}

	return &source.Result{
		ReadableOutput:  fmt.Sprintf("Account ID for attribute: %s is: %s", attribute, ids[0]),
		OutputsPrefix:   "Jira.User",
		OutputsKeyField: "AccountID",
		Outputs:         format.NewRecord("Attribute", attribute, "AccountID", ids[0]),
	}, nil
}

// MappingFields returns the fields outgoing mirroring can map, keyed by
// the schema type name.
func (a *Adapter) MappingFields(ctx context.Context) (*format.Record, error) {
	fields := format.NewRecord()
	for _, f := range mappingFields {
		fields.Set(f.name, f.description)
	}
	custom, err := a.fieldList(ctx)
	if err != nil {
		a.log.Errorw("could not get custom fields", "error", err)
	}
	for _, f := range custom {
		fields.Set(f.ID, f.Description)
	}
	return format.NewRecord(MappingTypeName, fields), nil
}

// postRaw posts a JSON body and returns the undecoded reply.
func (a *Adapter) postRaw(ctx context.Context, path string, body any) ([]byte, error) {
	var raw json.RawMessage
	if err := a.client.Post(ctx, path, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func rawIssues(res *SearchResponse) [][]byte {
	out := make([][]byte, 0, len(res.Issues))
	for _, issue := range res.Issues {
		out = append(out, issue)
	}
	return out
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
