package casb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// Command names.
const (
	CmdIncidentQuery    = "casb-incident-query"
	CmdStatusUpdate     = "casb-incident-status-update"
	CmdAnomalyActivity  = "casb-anomaly-activity-list"
	CmdDictionaryList   = "casb-policy-dictionary-list"
	CmdDictionaryUpdate = "casb-policy-dictionary-update"
)

// defaultPageSize is the dictionary page when neither limit nor paging is given.
const defaultPageSize = 50

var incidentColumns = []format.Field{
	{Path: "incidentId", Display: "IncidentID"},
	{Path: "timeCreated", Display: "Time(UTC)"},
	{Path: "status", Display: "Status"},
	{Path: "remediationResponse", Display: "Alert Action"},
	{Path: "serviceNames", Display: "Service Name"},
	{Path: "incidentRiskSeverity", Display: "Alert Severity"},
	{Path: "actorId", Display: "User Name"},
	{Path: "policyName", Display: "Policy Name"},
}

var dictionaryColumns = []format.Field{
	{Path: "id", Display: "ID"},
	{Path: "name", Display: "Name"},
	{Path: "last_modified_time", Display: "LastModified"},
}

// Commands returns the CASB command handlers.
func (a *Adapter) Commands() map[string]source.Handler {
	return map[string]source.Handler{
		CmdIncidentQuery:    a.incidentQuery,
		CmdStatusUpdate:     a.statusUpdate,
		CmdAnomalyActivity:  a.anomalyActivityList,
		CmdDictionaryList:   a.dictionaryList,
		CmdDictionaryUpdate: a.dictionaryUpdate,
	}
}

// categoryFilters builds the incident criteria from categories, or from
// incident types when no category is given.
func categoryFilters(args source.Args) *IncidentCriteria {
	var filters []CategoryFilter
	if categories := args.List("categories"); len(categories) > 0 {
		for _, c := range categories {
			filters = append(filters, CategoryFilter{IncidentType: CategoryToIncidentType[c], Category: c})
		}
	} else {
		for _, t := range args.List("incident_types") {
			filters = append(filters, CategoryFilter{IncidentType: t})
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return &IncidentCriteria{Categories: filters}
}

func (a *Adapter) incidentQuery(ctx context.Context, args source.Args) (*source.Result, error) {
	limit, err := args.Int("limit", 50)
	if err != nil {
		return nil, err
	}
	start, err := a.timeArg(args.StringOr("start_time", "3 days"))
	if err != nil {
		return nil, err
	}
	end, err := a.timeArg(args.StringOr("end_time", "now"))
	if err != nil {
		return nil, err
	}
	pageNumber, err := args.Int("page_number", 0)
	if err != nil {
		return nil, err
	}
	pageSize, err := args.Int("page_size", 0)
	if err != nil {
		return nil, err
	}

	query := IncidentQuery{
		StartTime:        start,
		EndTime:          end,
		ActorIDs:         args.List("actor_ids"),
		ServiceNames:     args.List("service_names"),
		IncidentCriteria: categoryFilters(args),
	}

	var res *IncidentQueryResponse
	if pageNumber > 0 && pageSize > 0 {
		// Pages are reached by walking nextStartTime from the first one.
		for i := 0; i < pageNumber; i++ {
			res, err = a.client.QueryIncidents(ctx, pageSize, query)
			if err != nil {
				return nil, err
			}
			query.StartTime = res.Body.ResponseInfo.NextStartTime
		}
	} else {
		res, err = a.client.QueryIncidents(ctx, limit, query)
		if err != nil {
			return nil, err
		}
	}

	incidents := res.Body.Incidents
	if len(incidents) == 0 {
		return source.Text("No Incidents were found with the requested filters."), nil
	}

	rows := make([]*format.Record, 0, len(incidents))
	outputs := make([]*format.Record, 0, len(incidents))
	for _, raw := range incidents {
		rows = append(rows, format.Extract(raw, incidentColumns).Display)
		outputs = append(outputs, format.RecordOf(raw))
	}
	a.log.Debugw("incident query", "count", len(rows), "next_start_time", res.Body.ResponseInfo.NextStartTime)

	return &source.Result{
		ReadableOutput: format.Table("CASB Incidents", rows,
			format.WithHeaderTransform(format.PascalToSpace), format.WithRemoveNull()),
		OutputsPrefix:   "CASB.Incident",
		OutputsKeyField: "incidentId",
		Outputs:         outputs,
		RawResponse:     incidents,
	}, nil
}

func (a *Adapter) statusUpdate(ctx context.Context, args source.Args) (*source.Result, error) {
	if _, err := args.Required("incident_ids"); err != nil {
		return nil, err
	}
	status, err := args.Required("status")
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, s := range args.List("incident_ids") {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, source.Validationf(model.IntegrationTypeCASB, "Invalid incident id %q", s)
		}
		ids = append(ids, id)
	}

	raw, err := a.client.ModifyIncidents(ctx, ids, status)
	if err != nil {
		return nil, err
	}
	return &source.Result{
		ReadableOutput: "Status updated for user",
		RawResponse:    raw,
	}, nil
}

func (a *Adapter) anomalyActivityList(ctx context.Context, args source.Args) (*source.Result, error) {
	if _, err := args.Required("anomaly_id"); err != nil {
		return nil, err
	}
	id, err := args.Int("anomaly_id", 0)
	if err != nil {
		return nil, err
	}

	raw, err := a.client.QueryActivities(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	rows := format.Records(raw)
	return &source.Result{
		ReadableOutput:  format.Table("CASB Anomaly Activity", rows),
		OutputsPrefix:   "CASB.AnomalyActivity",
		OutputsKeyField: "ID",
		Outputs:         rows,
		RawResponse:     raw,
	}, nil
}

// offsetAndLimit returns the slice bounds for a listing. limit wins over
// page and page_size; with neither the first page of 50 is used.
func offsetAndLimit(args source.Args) (int, int, error) {
	limit, err := args.Int("limit", 0)
	if err != nil {
		return 0, 0, err
	}
	if limit > 0 {
		return 0, limit, nil
	}
	page, err := args.Int("page", 0)
	if err != nil {
		return 0, 0, err
	}
	size, err := args.Int("page_size", 0)
	if err != nil {
		return 0, 0, err
	}
	if page > 0 && size > 0 {
		offset := (page - 1) * size
		return offset, offset + size, nil
	}
	return 0, defaultPageSize, nil
}

func (a *Adapter) dictionaryList(ctx context.Context, args source.Args) (*source.Result, error) {
	offset, limit, err := offsetAndLimit(args)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool)
	for _, n := range args.List("name") {
		names[n] = true
	}

	list, err := a.client.Dictionaries(ctx)
	if err != nil {
		return nil, err
	}
	limit = min(limit, len(list))
	offset = min(offset, limit)

	rows := []*format.Record{}
	for _, raw := range list[offset:limit] {
		if len(names) > 0 && !names[format.LookupString(raw, "name")] {
			continue
		}
		rows = append(rows, format.Extract(raw, dictionaryColumns).Display)
	}

	return &source.Result{
		ReadableOutput: format.Table("List of CASB Policies", rows,
			format.WithHeaderTransform(format.PascalToSpace), format.WithRemoveNull()),
		OutputsPrefix:   "CASB.Dictionary",
		OutputsKeyField: "ID",
		Outputs:         rows,
		RawResponse:     rows,
	}, nil
}

func (a *Adapter) dictionaryUpdate(ctx context.Context, args source.Args) (*source.Result, error) {
	if _, err := args.Required("dictionary_id"); err != nil {
		return nil, err
	}
	id, err := args.Int("dictionary_id", 0)
	if err != nil {
		return nil, err
	}
	name, err := args.Required("name")
	if err != nil {
		return nil, err
	}
	if _, err := args.Required("content"); err != nil {
		return nil, err
	}

	raw, err := a.client.UpdateDictionary(ctx, DictionaryUpdate{
		ID:      int64(id),
		Name:    name,
		Content: args.List("content"),
	})
	if err != nil {
		return nil, err
	}
	return &source.Result{
		ReadableOutput: fmt.Sprintf("Dictionary id: %d was updated.", id),
		RawResponse:    json.RawMessage(raw),
	}, nil
}
