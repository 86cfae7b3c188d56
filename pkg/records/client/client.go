package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/diwise/entity-mapper/pkg/records"
	"github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Client is a records.Service backed by the records HTTP API.
type Client interface {
	records.Service
	SetSessionUUID(id uuid.UUID)
}

func Debug(enabled string) func(*rsClient) {
	return func(c *rsClient) {
		c.debug = (enabled == "true")
	}
}

// Credentials sets the script name and key sent as basic auth with every
// request.
func Credentials(name, key string) func(*rsClient) {
	return func(c *rsClient) {
		c.scriptName = name
		c.scriptKey = key
	}
}

// NewRecordsClient returns a records.Service talking to the records API at
// server.
func NewRecordsClient(server string, options ...func(*rsClient)) Client {
	c := &rsClient{
		baseURL: server,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

const (
	TraceAttributeEntityType string = "entity-type"
	TraceAttributeEntityID   string = "entity-id"
)

var tracer = otel.Tracer("records-client")

type rsClient struct {
	baseURL    string
	scriptName string
	scriptKey  string
	debug      bool
	httpClient http.Client

	mu      sync.Mutex
	session string
}

// SetSessionUUID tags all following requests with the session id.
func (c *rsClient) SetSessionUUID(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = id.String()
}

func (c *rsClient) SchemaListTypes(ctx context.Context) (map[string]records.TypeInfo, error) {
	var err error

	ctx, span := tracer.Start(ctx, "schema-list-types")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	types := map[string]records.TypeInfo{}
	err = c.call(ctx, http.MethodGet, records.SchemaTypesPath, nil, http.StatusOK, &types)
	if err != nil {
		return nil, err
	}

	return types, nil
}

func (c *rsClient) SchemaListFields(ctx context.Context, entityType string) (map[string]records.FieldInfo, error) {
	var err error

	ctx, span := tracer.Start(ctx, "schema-list-fields",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	fields := map[string]records.FieldInfo{}
	err = c.call(ctx, http.MethodGet, records.SchemaTypesPath+"/"+url.PathEscape(entityType)+"/fields", nil, http.StatusOK, &fields)
	if err != nil {
		return nil, err
	}

	return fields, nil
}

func (c *rsClient) FindOne(ctx context.Context, entityType string, filters records.Filter, fields []string, order []records.Order) (records.Record, error) {
	var err error

	ctx, span := tracer.Start(ctx, "find-one",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := records.QueryResponse{}
	err = c.query(ctx, entityType, records.QueryRequest{Filters: filters, Fields: fields, Order: order, One: true}, &result)
	if err != nil {
		return nil, err
	}

	if result.Record == nil {
		return nil, nil
	}

	return normalizeRecord(result.Record), nil
}

func (c *rsClient) Find(ctx context.Context, entityType string, filters records.Filter, fields []string, order []records.Order, limit int) ([]records.Record, error) {
	var err error

	ctx, span := tracer.Start(ctx, "find",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := records.QueryResponse{}
	err = c.query(ctx, entityType, records.QueryRequest{Filters: filters, Fields: fields, Order: order, Limit: limit}, &result)
	if err != nil {
		return nil, err
	}

	found := make([]records.Record, 0, len(result.Records))
	for _, rec := range result.Records {
		found = append(found, normalizeRecord(rec))
	}

	return found, nil
}

func (c *rsClient) query(ctx context.Context, entityType string, q records.QueryRequest, result *records.QueryResponse) error {
	body, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %s (%w)", err.Error(), errors.ErrBadRequest)
	}

	return c.call(ctx, http.MethodPost, entityPath(entityType)+"/query", body, http.StatusOK, result)
}

func (c *rsClient) Create(ctx context.Context, entityType string, values records.Record) (int64, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(values)
	if err != nil {
		err = fmt.Errorf("failed to marshal values: %s (%w)", err.Error(), errors.ErrBadRequest)
		return 0, err
	}

	result := records.CreateResponse{}
	err = c.call(ctx, http.MethodPost, entityPath(entityType), body, http.StatusCreated, &result)
	if err != nil {
		return 0, err
	}

	return result.ID, nil
}

func (c *rsClient) Update(ctx context.Context, entityType string, id int64, values records.Record) error {
	var err error

	ctx, span := tracer.Start(ctx, "update",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
		trace.WithAttributes(attribute.Int64(TraceAttributeEntityID, id)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(values)
	if err != nil {
		err = fmt.Errorf("failed to marshal values: %s (%w)", err.Error(), errors.ErrBadRequest)
		return err
	}

	err = c.call(ctx, http.MethodPatch, fmt.Sprintf("%s/%d", entityPath(entityType), id), body, http.StatusNoContent, nil)
	return err
}

func (c *rsClient) Delete(ctx context.Context, entityType string, id int64) error {
	var err error

	ctx, span := tracer.Start(ctx, "delete",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
		trace.WithAttributes(attribute.Int64(TraceAttributeEntityID, id)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.call(ctx, http.MethodDelete, fmt.Sprintf("%s/%d", entityPath(entityType), id), nil, http.StatusNoContent, nil)
	return err
}

func entityPath(entityType string) string {
	return records.EntitiesPath + "/" + url.PathEscape(entityType)
}

// call sends a request and decodes a successful response into result.
func (c *rsClient) call(ctx context.Context, method, path string, body []byte, expected int, result any) error {
	resp, respBody, err := c.callRecordService(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		contentType := resp.Header.Get("Content-Type")
		return errors.NewErrorFromProblemReport(resp.StatusCode, contentType, respBody)
	}

	if resp.StatusCode != expected {
		return fmt.Errorf("unexpected response code %d (%w)", resp.StatusCode, errors.ErrInternal)
	}

	if result == nil {
		return nil
	}

	d := json.NewDecoder(bytes.NewReader(respBody))
	d.UseNumber()

	if err = d.Decode(result); err != nil {
		if c.debug && len(respBody) < 1000 {
			return fmt.Errorf("unmarshaling of %s failed with err %s (%w)", string(respBody), err.Error(), errors.ErrBadResponse)
		}
		return fmt.Errorf("failed to unmarshal response: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	return nil
}

func (c *rsClient) callRecordService(ctx context.Context, method, endpoint string, body []byte) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}

	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")

	if c.scriptName != "" {
		req.SetBasicAuth(c.scriptName, c.scriptKey)
	}

	c.mu.Lock()
	if c.session != "" {
		req.Header.Add(records.SessionHeader, c.session)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest {
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusNotFound {
			reqbytes, _ := httputil.DumpRequest(req, false)
			respbytes, _ := httputil.DumpResponse(resp, false)

			logging.GetFromContext(ctx).Error("request failed", "request", string(reqbytes), "response", string(respbytes))
		}
	}

	return resp, respBody, nil
}

// normalizeRecord turns ids into int64 and reference objects into
// records.Ref values.
func normalizeRecord(rec records.Record) records.Record {
	result := make(records.Record, len(rec))

	for k, v := range rec {
		if k == "id" {
			if id, ok := records.ToID(v); ok {
				result[k] = id
				continue
			}
		}
		result[k] = normalizeValue(v)
	}

	return result
}

func normalizeValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		if ref, ok := records.AsRef(value); ok {
			return ref
		}
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[k] = normalizeValue(item)
		}
		return m
	case []any:
		list := make([]any, 0, len(value))
		for _, item := range value {
			list = append(list, normalizeValue(item))
		}
		return list
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
	}
	return v
}
