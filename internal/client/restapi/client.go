// Package restapi fetches authoritative session state from the server's
// REST endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"wardsim/internal/timer"
	"wardsim/pkg/types"
)

var (
	ErrUnauthorized = errors.New("request was not authorized")
	ErrForbidden    = errors.New("request was forbidden")
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("request conflicts with current state")
	ErrUnsuccessful = errors.New("server reported failure")
	ErrMalformed    = errors.New("malformed response")
)

// TokenSource returns the bearer token for the next request
type TokenSource func() string

// Client talks to the session lifecycle endpoints
type Client struct {
	http   *resty.Client
	token  TokenSource
	logger *zap.Logger
}

// New returns a client for baseURL. timeout bounds every request.
func New(baseURL string, token TokenSource, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == nil {
		token = func() string { return "" }
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: client, token: token, logger: logger.Named("restapi")}
}

// response is the {success, data, error, message} envelope
type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// FetchSession returns the session, its ward and its assignments
func (c *Client) FetchSession(ctx context.Context, sessionID string) (*types.SessionDetail, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/sessions/{id}", map[string]string{"id": sessionID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeDetail(data)
}

// StartSession starts a session on wardID
func (c *Client) StartSession(ctx context.Context, wardID string, d types.Duration, assignments any) (*types.SessionDetail, error) {
	body := map[string]any{"duration": d}
	if assignments != nil {
		body["assignments"] = assignments
	}
	data, err := c.do(ctx, http.MethodPost, "/api/wards/{wardId}/sessions", map[string]string{"wardId": wardID}, body)
	if err != nil {
		return nil, err
	}
	return decodeDetail(data)
}

// EndSession asks the server to end a session
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/sessions/{id}/end", map[string]string{"id": sessionID}, map[string]string{})
	return err
}

// ActiveSession returns the active session of a ward and the assignedRoom
// the server computed for the caller
func (c *Client) ActiveSession(ctx context.Context, wardID string) (*types.SessionDetail, string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/wards/{wardId}/active-session", map[string]string{"wardId": wardID}, nil)
	if err != nil {
		return nil, "", err
	}
	detail, err := decodeDetail(data)
	if err != nil {
		return nil, "", err
	}
	var room struct {
		AssignedRoom string `json:"assigned_room"`
	}
	_ = json.Unmarshal(data, &room)
	if room.AssignedRoom == "" {
		room.AssignedRoom = types.AllZones
	}
	return detail, room.AssignedRoom, nil
}

// UpsertWard seeds or replaces a ward roster. Administrative roles only.
func (c *Client) UpsertWard(ctx context.Context, ward *types.Ward) error {
	_, err := c.do(ctx, http.MethodPut, "/api/wards/{wardId}", map[string]string{"wardId": ward.ID}, ward)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body any) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx).SetPathParams(params)
	if token := c.token(); token != "" {
		req.SetAuthToken(token)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env response
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return nil, statusError(resp.StatusCode(), resp.Status())
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), env.Message)
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrUnsuccessful, env.Message)
	}
	return env.Data, nil
}

func statusError(code int, msg string) error {
	var base error
	switch code {
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrConflict
	default:
		base = ErrUnsuccessful
	}
	return fmt.Errorf("%w (%d): %s", base, code, msg)
}

// flexString accepts ids sent as strings or numbers
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type sessionWire struct {
	ID            flexString          `json:"id"`
	SessionID     flexString          `json:"session_id"`
	WardID        flexString          `json:"ward_id"`
	WardName      string              `json:"ward_name"`
	OrgID         flexString          `json:"org_id"`
	StartTime     json.RawMessage     `json:"start_time"`
	Duration      types.Duration      `json:"duration"`
	StartedBy     flexString          `json:"started_by"`
	StartedByRole string              `json:"started_by_role"`
	Status        string              `json:"status"`
	EndReason     string              `json:"end_reason"`
	Assignments   types.AssignmentMap `json:"assignments"`
}

type wardWire struct {
	ID         flexString       `json:"id"`
	OrgID      flexString       `json:"org_id"`
	Name       string           `json:"name"`
	PatientIDs []flexString     `json:"patient_ids"`
	Staff      []types.StaffRef `json:"staff"`
}

type detailWire struct {
	Session     *sessionWire        `json:"session"`
	Ward        *wardWire           `json:"ward"`
	Assignments types.AssignmentMap `json:"assignments"`
}

// decodeDetail tolerates numeric ids, SQL or unix start times and
// string-encoded assignment maps
func decodeDetail(data json.RawMessage) (*types.SessionDetail, error) {
	var wire detailWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Session == nil {
		return nil, fmt.Errorf("%w: no session in payload", ErrMalformed)
	}

	s := wire.Session
	session := &types.WardSession{
		ID:            string(s.ID),
		WardID:        string(s.WardID),
		WardName:      s.WardName,
		OrgID:         string(s.OrgID),
		Duration:      s.Duration,
		StartedBy:     string(s.StartedBy),
		StartedByRole: types.NormalizeRole(s.StartedByRole),
		Status:        s.Status,
		EndReason:     s.EndReason,
		Assignments:   wire.Assignments,
	}
	if session.ID == "" {
		session.ID = string(s.SessionID)
	}
	if session.Status == "" {
		session.Status = types.SessionStatusActive
	}
	if start, ok := timer.ParseStartTime(rawTime(s.StartTime)); ok {
		session.StartTime = start
	}
	// the top-level map is authoritative; fall back to the session's own
	if session.Assignments.Len() == 0 {
		session.Assignments = s.Assignments
	}

	detail := &types.SessionDetail{Session: session, Assignments: session.Assignments}
	if w := wire.Ward; w != nil {
		ward := &types.Ward{ID: string(w.ID), OrgID: string(w.OrgID), Name: w.Name, Staff: w.Staff}
		for _, id := range w.PatientIDs {
			ward.PatientIDs = append(ward.PatientIDs, string(id))
		}
		detail.Ward = ward
		if session.WardName == "" {
			session.WardName = ward.Name
		}
	}
	return detail, nil
}

// rawTime turns a JSON string or number into the text ParseStartTime reads
func rawTime(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return n.String()
}
