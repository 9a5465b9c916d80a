package casb

import "encoding/json"

// DateFormat is the timestamp layout the incident API accepts.
const DateFormat = "2006-01-02T15:04:05.000000Z"

// CategoryToIncidentType maps an incident category onto its incident type.
var CategoryToIncidentType = map[string]string{
	"Access":             "Alert",
	"Admin":              "Alert",
	"Audit":              "Alert",
	"Data":               "Alert",
	"Policy":             "Alert",
	"Vulnerability":      "Alert",
	"CompromisedAccount": "Threat",
	"InsiderThreat":      "Threat",
	"PrivilegeAccess":    "Threat",
}

// IncidentQuery is the body of POST queryIncidents.
type IncidentQuery struct {
	StartTime        string            `json:"startTime,omitempty"`
	EndTime          string            `json:"endTime,omitempty"`
	ActorIDs         []string          `json:"actorIds,omitempty"`
	ServiceNames     []string          `json:"serviceNames,omitempty"`
	IncidentCriteria *IncidentCriteria `json:"incidentCriteria,omitempty"`
}

// IncidentCriteria narrows an incident query by category.
type IncidentCriteria struct {
	Categories []CategoryFilter `json:"categories,omitempty"`
}

// CategoryFilter selects incidents by type and, optionally, category.
type CategoryFilter struct {
	IncidentType string `json:"incidentType,omitempty"`
	Category     string `json:"category,omitempty"`
}

// IncidentQueryResponse is the reply to queryIncidents. Incidents are kept
// raw so fetched records pass through unchanged.
type IncidentQueryResponse struct {
	Body struct {
		Incidents    []json.RawMessage `json:"incidents"`
		ResponseInfo ResponseInfo      `json:"responseInfo"`
	} `json:"body"`
}

// ResponseInfo carries the paging position of an incident query.
type ResponseInfo struct {
	NextStartTime string `json:"nextStartTime"`
}

// StatusChange is one element of the modifyIncidents body.
type StatusChange struct {
	IncidentID     int64          `json:"incidentId"`
	ChangeRequests ChangeRequests `json:"changeRequests"`
}

// ChangeRequests holds the fields a status change sets.
type ChangeRequests struct {
	WorkflowStatus string `json:"WORKFLOW_STATUS"`
}

// ActivityQuery is the body of POST queryActivities.
type ActivityQuery struct {
	IncidentID int64 `json:"incident_id"`
}

// DictionaryUpdate is the body of PUT /dlp/dictionary.
type DictionaryUpdate struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Content []string `json:"content"`
}
