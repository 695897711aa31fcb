// Package backend provides primitives to interact with the REST backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/oapi-codegen/runtime"
)

// GetRowsParams defines parameters for GetRows.
type GetRowsParams struct {
	OwnerId string  `form:"owner_id" json:"owner_id"`
	Since   *string `form:"since,omitempty" json:"since,omitempty"`
}

// PatchRowParams defines parameters for PatchRow.
type PatchRowParams struct {
	OwnerId string `form:"owner_id" json:"owner_id"`
}

// DeleteRowParams defines parameters for DeleteRow.
type DeleteRowParams struct {
	OwnerId string `form:"owner_id" json:"owner_id"`
}

// UpsertRowJSONRequestBody defines body for UpsertRow for application/json ContentType.
type UpsertRowJSONRequestBody = map[string]interface{}

// PatchRowJSONRequestBody defines body for PatchRow for application/json ContentType.
type PatchRowJSONRequestBody = map[string]interface{}

// RequestEditorFn  is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// Doer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client which conforms to the OpenAPI3 specification for this service.
type Client struct {
	// The endpoint of the server conforming to this interface, with scheme,
	// https://api.example.org for example. This can contain a path relative
	// to the server, such as https://api.example.org/v1, and all the
	// paths in the OpenAPI document will be appended to the server.
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as certificate chains.
	Client HttpRequestDoer

	// A list of callbacks for modifying requests which are generated before sending over
	// the network.
	RequestEditors []RequestEditorFn
}

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// Creates a new Client, with reasonable defaults
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	// create a client with sane default values
	client := Client{
		Server: server,
	}
	// mutate client and add all optional params
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	// create httpClient, if not already present
	if client.Client == nil {
		client.Client = &http.Client{}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is
// automatically created using http.Client. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// The interface specification for the client above.
type ClientInterface interface {
	// GetRows request
	GetRows(ctx context.Context, table string, params *GetRowsParams, reqEditors ...RequestEditorFn) (*http.Response, error)

	// UpsertRowWithBody request with any body
	UpsertRowWithBody(ctx context.Context, table string, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error)

	UpsertRow(ctx context.Context, table string, body UpsertRowJSONRequestBody, reqEditors ...RequestEditorFn) (*http.Response, error)

	// PatchRowWithBody request with any body
	PatchRowWithBody(ctx context.Context, table string, id int64, params *PatchRowParams, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error)

	PatchRow(ctx context.Context, table string, id int64, params *PatchRowParams, body PatchRowJSONRequestBody, reqEditors ...RequestEditorFn) (*http.Response, error)

	// DeleteRow request
	DeleteRow(ctx context.Context, table string, id int64, params *DeleteRowParams, reqEditors ...RequestEditorFn) (*http.Response, error)
}

func (c *Client) GetRows(ctx context.Context, table string, params *GetRowsParams, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewGetRowsRequest(c.Server, table, params)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) UpsertRowWithBody(ctx context.Context, table string, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewUpsertRowRequestWithBody(c.Server, table, contentType, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) UpsertRow(ctx context.Context, table string, body UpsertRowJSONRequestBody, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewUpsertRowRequest(c.Server, table, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) PatchRowWithBody(ctx context.Context, table string, id int64, params *PatchRowParams, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewPatchRowRequestWithBody(c.Server, table, id, params, contentType, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) PatchRow(ctx context.Context, table string, id int64, params *PatchRowParams, body PatchRowJSONRequestBody, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewPatchRowRequest(c.Server, table, id, params, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) DeleteRow(ctx context.Context, table string, id int64, params *DeleteRowParams, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewDeleteRowRequest(c.Server, table, id, params)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// NewGetRowsRequest generates requests for GetRows
func NewGetRowsRequest(server string, table string, params *GetRowsParams) (*http.Request, error) {
	var err error

	var pathParam0 string

	pathParam0, err = runtime.StyleParamWithLocation("simple", false, "table", runtime.ParamLocationPath, table)
	if err != nil {
		return nil, err
	}

	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	operationPath := fmt.Sprintf("/rest/%s", pathParam0)
	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}

	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return nil, err
	}

	if params != nil {
		queryValues := queryURL.Query()

		if err := addQueryParam(queryValues, "owner_id", params.OwnerId); err != nil {
			return nil, err
		}

		if params.Since != nil {
			if err := addQueryParam(queryValues, "since", *params.Since); err != nil {
				return nil, err
			}
		}

		queryURL.RawQuery = queryValues.Encode()
	}

	req, err := http.NewRequest("GET", queryURL.String(), nil)
	if err != nil {
		return nil, err
	}

	return req, nil
}

// NewUpsertRowRequest calls the generic UpsertRow builder with application/json body
func NewUpsertRowRequest(server string, table string, body UpsertRowJSONRequestBody) (*http.Request, error) {
	var bodyReader io.Reader
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	bodyReader = bytes.NewReader(buf)
	return NewUpsertRowRequestWithBody(server, table, "application/json", bodyReader)
}

// NewUpsertRowRequestWithBody generates requests for UpsertRow with any type of body
func NewUpsertRowRequestWithBody(server string, table string, contentType string, body io.Reader) (*http.Request, error) {
	var err error

	var pathParam0 string

	pathParam0, err = runtime.StyleParamWithLocation("simple", false, "table", runtime.ParamLocationPath, table)
	if err != nil {
		return nil, err
	}

	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	operationPath := fmt.Sprintf("/rest/%s", pathParam0)
	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}

	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", queryURL.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", contentType)

	return req, nil
}

// NewPatchRowRequest calls the generic PatchRow builder with application/json body
func NewPatchRowRequest(server string, table string, id int64, params *PatchRowParams, body PatchRowJSONRequestBody) (*http.Request, error) {
	var bodyReader io.Reader
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	bodyReader = bytes.NewReader(buf)
	return NewPatchRowRequestWithBody(server, table, id, params, "application/json", bodyReader)
}

// NewPatchRowRequestWithBody generates requests for PatchRow with any type of body
func NewPatchRowRequestWithBody(server string, table string, id int64, params *PatchRowParams, contentType string, body io.Reader) (*http.Request, error) {
	queryURL, err := rowURL(server, table, id)
	if err != nil {
		return nil, err
	}

	if params != nil {
		queryValues := queryURL.Query()

		if err := addQueryParam(queryValues, "owner_id", params.OwnerId); err != nil {
			return nil, err
		}

		queryURL.RawQuery = queryValues.Encode()
	}

	req, err := http.NewRequest("PATCH", queryURL.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", contentType)

	return req, nil
}

// NewDeleteRowRequest generates requests for DeleteRow
func NewDeleteRowRequest(server string, table string, id int64, params *DeleteRowParams) (*http.Request, error) {
	queryURL, err := rowURL(server, table, id)
	if err != nil {
		return nil, err
	}

	if params != nil {
		queryValues := queryURL.Query()

		if err := addQueryParam(queryValues, "owner_id", params.OwnerId); err != nil {
			return nil, err
		}

		queryURL.RawQuery = queryValues.Encode()
	}

	req, err := http.NewRequest("DELETE", queryURL.String(), nil)
	if err != nil {
		return nil, err
	}

	return req, nil
}

func rowURL(server string, table string, id int64) (*url.URL, error) {
	var err error

	var pathParam0 string

	pathParam0, err = runtime.StyleParamWithLocation("simple", false, "table", runtime.ParamLocationPath, table)
	if err != nil {
		return nil, err
	}

	var pathParam1 string

	pathParam1, err = runtime.StyleParamWithLocation("simple", false, "id", runtime.ParamLocationPath, id)
	if err != nil {
		return nil, err
	}

	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	operationPath := fmt.Sprintf("/rest/%s/%s", pathParam0, pathParam1)
	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}

	return serverURL.Parse(operationPath)
}

func addQueryParam(queryValues url.Values, name string, value interface{}) error {
	queryFrag, err := runtime.StyleParamWithLocation("form", true, name, runtime.ParamLocationQuery, value)
	if err != nil {
		return err
	}
	parsed, err := url.ParseQuery(queryFrag)
	if err != nil {
		return err
	}
	for k, v := range parsed {
		for _, v2 := range v {
			queryValues.Add(k, v2)
		}
	}
	return nil
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ClientWithResponses builds on ClientInterface to offer response payloads
type ClientWithResponses struct {
	ClientInterface
}

// NewClientWithResponses creates a new ClientWithResponses, which wraps
// Client with return type handling
func NewClientWithResponses(server string, opts ...ClientOption) (*ClientWithResponses, error) {
	client, err := NewClient(server, opts...)
	if err != nil {
		return nil, err
	}
	return &ClientWithResponses{client}, nil
}

// WithBaseURL overrides the baseURL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) error {
		newBaseURL, err := url.Parse(baseURL)
		if err != nil {
			return err
		}
		c.Server = newBaseURL.String()
		return nil
	}
}

// RowResponse is the parsed result of any row operation.
type RowResponse struct {
	Body         []byte
	HTTPResponse *http.Response
}

// Status returns HTTPResponse.Status
func (r RowResponse) Status() string {
	if r.HTTPResponse != nil {
		return r.HTTPResponse.Status
	}
	return http.StatusText(0)
}

// StatusCode returns HTTPResponse.StatusCode
func (r RowResponse) StatusCode() int {
	if r.HTTPResponse != nil {
		return r.HTTPResponse.StatusCode
	}
	return 0
}

// GetRowsWithResponse request returning *RowResponse
func (c *ClientWithResponses) GetRowsWithResponse(ctx context.Context, table string, params *GetRowsParams, reqEditors ...RequestEditorFn) (*RowResponse, error) {
	rsp, err := c.GetRows(ctx, table, params, reqEditors...)
	if err != nil {
		return nil, err
	}
	return ParseRowResponse(rsp)
}

// UpsertRowWithResponse request returning *RowResponse
func (c *ClientWithResponses) UpsertRowWithResponse(ctx context.Context, table string, body UpsertRowJSONRequestBody, reqEditors ...RequestEditorFn) (*RowResponse, error) {
	rsp, err := c.UpsertRow(ctx, table, body, reqEditors...)
	if err != nil {
		return nil, err
	}
	return ParseRowResponse(rsp)
}

// PatchRowWithResponse request returning *RowResponse
func (c *ClientWithResponses) PatchRowWithResponse(ctx context.Context, table string, id int64, params *PatchRowParams, body PatchRowJSONRequestBody, reqEditors ...RequestEditorFn) (*RowResponse, error) {
	rsp, err := c.PatchRow(ctx, table, id, params, body, reqEditors...)
	if err != nil {
		return nil, err
	}
	return ParseRowResponse(rsp)
}

// DeleteRowWithResponse request returning *RowResponse
func (c *ClientWithResponses) DeleteRowWithResponse(ctx context.Context, table string, id int64, params *DeleteRowParams, reqEditors ...RequestEditorFn) (*RowResponse, error) {
	rsp, err := c.DeleteRow(ctx, table, id, params, reqEditors...)
	if err != nil {
		return nil, err
	}
	return ParseRowResponse(rsp)
}

// ParseRowResponse parses an HTTP response from any row call
func ParseRowResponse(rsp *http.Response) (*RowResponse, error) {
	bodyBytes, err := io.ReadAll(rsp.Body)
	defer func() { _ = rsp.Body.Close() }()
	if err != nil {
		return nil, err
	}

	response := &RowResponse{
		Body:         bodyBytes,
		HTTPResponse: rsp,
	}

	return response, nil
}
