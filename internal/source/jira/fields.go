package jira

import (
	"encoding/json"
	"strings"

	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// IssueFields is the "fields" object sent when creating or editing an
// issue. Every named field is optional; keys the struct does not model
// (custom fields, or anything supplied through issueJson) live in Custom
// and are merged back in when the body is serialized.
type IssueFields struct {
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Project     *Ref     `json:"project,omitempty"`
	IssueType   *Ref     `json:"issuetype,omitempty"`
	Parent      *Ref     `json:"parent,omitempty"`
	Components  []Ref    `json:"components,omitempty"`
	Security    *Ref     `json:"security,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Priority    *Ref     `json:"priority,omitempty"`
	DueDate     string   `json:"duedate,omitempty"`
	Assignee    *User    `json:"assignee,omitempty"`
	Reporter    *User    `json:"reporter,omitempty"`

	Custom map[string]any `json:"-"`
}

var modeledFields = map[string]bool{
	"summary":     true,
	"description": true,
	"project":     true,
	"issuetype":   true,
	"parent":      true,
	"components":  true,
	"security":    true,
	"environment": true,
	"labels":      true,
	"priority":    true,
	"duedate":     true,
	"assignee":    true,
	"reporter":    true,
}

// MarshalJSON writes the modeled fields and then any custom keys that do
// not collide with them.
func (f IssueFields) MarshalJSON() ([]byte, error) {
	type plain IssueFields
	data, err := json.Marshal(plain(f))
	if err != nil || len(f.Custom) == 0 {
		return data, err
	}

	merged := make(map[string]any, len(f.Custom))
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range f.Custom {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the modeled fields and keeps everything else in Custom.
func (f *IssueFields) UnmarshalJSON(data []byte) error {
	type plain IssueFields
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*f = IssueFields(p)
	for k, v := range all {
		if modeledFields[k] {
			continue
		}
		if f.Custom == nil {
			f.Custom = make(map[string]any)
		}
		f.Custom[k] = v
	}
	return nil
}

// IssueRequest is the body of POST /issue and PUT /issue/{id}. Top-level
// keys other than "fields" (such as "update") pass through from issueJson.
type IssueRequest struct {
	Fields IssueFields
	Extra  map[string]json.RawMessage
}

// MarshalJSON writes {"fields": ..., <extra>...}.
func (r IssueRequest) MarshalJSON() ([]byte, error) {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(r.Extra)+1)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["fields"] = fields
	return json.Marshal(out)
}

// UnmarshalJSON splits a raw issue document into fields and extras.
func (r *IssueRequest) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	if raw, ok := top["fields"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &r.Fields); err != nil {
			return err
		}
	}
	delete(top, "fields")
	if len(top) > 0 {
		r.Extra = top
	}
	return nil
}

// IssueOption sets one field on the request. Options are independent of
// each other, so the order they are applied in does not matter.
type IssueOption func(*IssueFields)

// WithSummary sets the summary.
func WithSummary(s string) IssueOption {
	return func(f *IssueFields) { f.Summary = s }
}

// WithDescription sets the description.
func WithDescription(s string) IssueOption {
	return func(f *IssueFields) { f.Description = s }
}

// WithProjectKey sets project.key.
func WithProjectKey(key string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.Project).Key = key }
}

// WithProjectName sets project.name.
func WithProjectName(name string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.Project).Name = name }
}

// WithProjectID sets project.id.
func WithProjectID(id string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.Project).ID = id }
}

// WithIssueTypeName sets issuetype.name.
func WithIssueTypeName(name string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.IssueType).Name = name }
}

// WithIssueTypeID sets issuetype.id.
func WithIssueTypeID(id string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.IssueType).ID = id }
}

// WithEmptyIssueType makes sure an issuetype object is present.
func WithEmptyIssueType() IssueOption {
	return func(f *IssueFields) { ensureRef(&f.IssueType) }
}

// WithParentID sets parent.id.
func WithParentID(id string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.Parent).ID = id }
}

// WithParentKey sets parent.key.
func WithParentKey(key string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.Parent).Key = key }
}

// WithComponents replaces the components with the given names.
func WithComponents(names ...string) IssueOption {
	return func(f *IssueFields) {
		f.Components = make([]Ref, 0, len(names))
		for _, n := range names {
			f.Components = append(f.Components, Ref{Name: n})
		}
	}
}

// WithSecurity sets the security level by name.
func WithSecurity(name string) IssueOption {
	return func(f *IssueFields) { f.Security = &Ref{Name: name} }
}

// WithEnvironment sets the environment text.
func WithEnvironment(s string) IssueOption {
	return func(f *IssueFields) { f.Environment = s }
}

// WithLabels replaces the labels.
func WithLabels(labels ...string) IssueOption {
	return func(f *IssueFields) { f.Labels = labels }
}

// WithPriority sets priority.name.
func WithPriority(name string) IssueOption {
	return func(f *IssueFields) { ensureRef(&f.Priority).Name = name }
}

// WithDueDate sets the due date (yyyy-MM-dd).
func WithDueDate(date string) IssueOption {
	return func(f *IssueFields) { f.DueDate = date }
}

// WithAssigneeName sets assignee.name (Jira Server).
func WithAssigneeName(name string) IssueOption {
	return func(f *IssueFields) { ensureUser(&f.Assignee).Name = name }
}

// WithAssigneeID sets assignee.accountId (Jira Cloud).
func WithAssigneeID(id string) IssueOption {
	return func(f *IssueFields) { ensureUser(&f.Assignee).AccountID = id }
}

// WithReporterName sets reporter.name.
func WithReporterName(name string) IssueOption {
	return func(f *IssueFields) { ensureUser(&f.Reporter).Name = name }
}

// WithReporterID sets reporter.accountId.
func WithReporterID(id string) IssueOption {
	return func(f *IssueFields) { ensureUser(&f.Reporter).AccountID = id }
}

// WithCustomField sets an arbitrary field by id.
func WithCustomField(id string, value any) IssueOption {
	return func(f *IssueFields) {
		if f.Custom == nil {
			f.Custom = make(map[string]any)
		}
		f.Custom[id] = value
	}
}

// Apply runs opts against the request fields.
func (r *IssueRequest) Apply(opts ...IssueOption) {
	for _, opt := range opts {
		opt(&r.Fields)
	}
}

// NewIssueRequest decodes issueJson/issue_json when present and applies the
// named arguments on top. creating adds the empty issuetype object create
// requires; mirroring copies customfield* arguments through unchanged.
func NewIssueRequest(args source.Args, creating, mirroring bool) (*IssueRequest, error) {
	req := &IssueRequest{}
	if raw := args.First("issue_json", "issueJson"); raw != "" {
		if err := json.Unmarshal([]byte(raw), req); err != nil {
			return nil, source.Validationf(model.IntegrationTypeJira, "issueJson must be in a valid json format")
		}
	}
	req.Apply(optionsFromArgs(args, creating, mirroring)...)
	return req, nil
}

func optionsFromArgs(args source.Args, creating, mirroring bool) []IssueOption {
	var opts []IssueOption

	if mirroring {
		for _, k := range args.Keys() {
			if strings.HasPrefix(k, "customfield") {
				opts = append(opts, WithCustomField(k, args[k]))
			}
		}
	}
	if creating {
		opts = append(opts, WithEmptyIssueType())
	}

	set := func(keys []string, build func(string) IssueOption) {
		if v := args.First(keys...); v != "" {
			opts = append(opts, build(v))
		}
	}
	set([]string{"summary"}, WithSummary)
	set([]string{"projectKey", "project_key"}, WithProjectKey)
	set([]string{"projectName", "project_name"}, WithProjectName)
	set([]string{"issueTypeName", "issue_type_name"}, WithIssueTypeName)
	set([]string{"issueTypeId", "issue_type_id"}, WithIssueTypeID)
	set([]string{"parentIssueId", "parent_issue_id"}, WithParentID)
	set([]string{"parentIssueKey", "parent_issue_key"}, WithParentKey)
	set([]string{"description"}, WithDescription)
	set([]string{"security"}, WithSecurity)
	set([]string{"environment"}, WithEnvironment)
	set([]string{"priority"}, WithPriority)
	set([]string{"dueDate", "duedate", "due_date"}, WithDueDate)
	set([]string{"assignee"}, WithAssigneeName)
	set([]string{"assignee_id", "assigneeId"}, WithAssigneeID)
	set([]string{"reporter"}, WithReporterName)
	set([]string{"reporter_id", "reporterId"}, WithReporterID)

	if components := args.List("components"); len(components) > 0 {
		opts = append(opts, WithComponents(components...))
	}
	if labels := args.List("labels"); len(labels) > 0 {
		opts = append(opts, WithLabels(labels...))
	}
	return opts
}

func ensureRef(r **Ref) *Ref {
	if *r == nil {
		*r = &Ref{}
	}
	return *r
}

func ensureUser(u **User) *User {
	if *u == nil {
		*u = &User{}
	}
	return *u
}
