package jira

import "encoding/json"

// SearchResponse is the response from GET /rest/api/latest/search.
// Issues are kept raw so every field, including custom ones, survives into
// the incident payload.
type SearchResponse struct {
	StartAt       int               `json:"startAt"`
	MaxResults    int               `json:"maxResults"`
	Total         int               `json:"total"`
	Issues        []json.RawMessage `json:"issues"`
	ErrorMessages []string          `json:"errorMessages,omitempty"`
}

// Issue is the typed view of the issue fields the adapter makes decisions on.
type Issue struct {
	ID     string       `json:"id"`
	Key    string       `json:"key"`
	Self   string       `json:"self"`
	Fields IssueDetails `json:"fields"`
}

// IssueDetails contains the standard fields of a Jira issue that the
// adapter reads.
type IssueDetails struct {
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	Status      Status       `json:"status"`
	Priority    *Priority    `json:"priority"`
	Project     Project      `json:"project"`
	Reporter    *User        `json:"reporter"`
	Created     string       `json:"created"`
	Updated     string       `json:"updated"`
	LastViewed  string       `json:"lastViewed"`
	Attachments []Attachment `json:"attachment"`
}

// Status represents the status of a Jira issue.
type Status struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Priority represents the priority level of a Jira issue.
type Priority struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// User represents a Jira user, as embedded in issues or returned by
// user search.
type User struct {
	Key          string `json:"key,omitempty"`
	Name         string `json:"name,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// Project represents a Jira project.
type Project = Ref

// Ref points at a Jira entity by id, key or name. Which of them the API
// needs depends on the entity; unset ones are omitted.
type Ref struct {
	ID   string `json:"id,omitempty"`
	Key  string `json:"key,omitempty"`
	Name string `json:"name,omitempty"`
}

// Attachment is the metadata of a file attached to an issue.
type Attachment struct {
	ID       string `json:"id"`
	Self     string `json:"self"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Created  string `json:"created"`
	Size     int64  `json:"size"`
}

// Transition represents a possible status transition for a Jira issue.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TransitionsResponse wraps the list of transitions returned by the API.
type TransitionsResponse struct {
	Transitions []Transition `json:"transitions"`
}

// Comment represents a single comment on a Jira issue.
type Comment struct {
	ID           string `json:"id"`
	Self         string `json:"self"`
	Body         string `json:"body"`
	UpdateAuthor User   `json:"updateAuthor"`
	Created      string `json:"created"`
	Updated      string `json:"updated"`
}

// CommentPage holds a page of comments.
type CommentPage struct {
	Comments   []Comment `json:"comments"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	StartAt    int       `json:"startAt"`
}

// Myself is the response from GET /rest/api/latest/myself.
type Myself struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Active       bool   `json:"active"`
	TimeZone     string `json:"timeZone"`
}

// Field describes a system or custom field from GET /rest/api/latest/field.
type Field struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Custom      bool   `json:"custom"`
}

// CreateMeta is the response from GET /rest/api/latest/issue/createmeta.
type CreateMeta struct {
	Projects []Project `json:"projects"`
}

// CreatedIssue is the response from POST /rest/api/latest/issue.
type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// RemoteLink is the request body for POST .../remotelink.
type RemoteLink struct {
	Object       RemoteLinkObject       `json:"object"`
	Summary      string                 `json:"summary,omitempty"`
	GlobalID     string                 `json:"globalId,omitempty"`
	Relationship string                 `json:"relationship,omitempty"`
	Application  *RemoteLinkApplication `json:"application,omitempty"`
}

// RemoteLinkObject is the linked resource.
type RemoteLinkObject struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// RemoteLinkApplication names the application that owns a remote link.
type RemoteLinkApplication struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// CommentRequest is the request body for POST .../comment.
type CommentRequest struct {
	Body       string      `json:"body"`
	Visibility *Visibility `json:"visibility,omitempty"`
}

// Visibility restricts a comment to a role.
type Visibility struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TransitionRequest is the request body for POST .../transitions.
type TransitionRequest struct {
	Transition TransitionRef `json:"transition"`
}

// TransitionRef selects a transition by id.
type TransitionRef struct {
	ID string `json:"id"`
}
