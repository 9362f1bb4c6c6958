package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/access"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/assets"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
)

// handleOperation serves POST /v1/gateway/{op}.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request, id access.Identity) error {
	ctx := r.Context()
	op := model.OperationType(r.PathValue("op"))
	rt, ok := s.operations[op]
	if !ok {
		return errordefs.New(errordefs.MMG_NOT_FOUND, fmt.Sprintf("unknown operation %q", op), "")
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("mmg.operation", string(op)),
		attribute.String("mmg.user_id", id.UserID),
	)
	if rt.admin {
		if err := s.gate.RequireAdmin(ctx, id); err != nil {
			return err
		}
	}

	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	cmd, err := s.decoder.Decode(op, raw)
	if err != nil {
		return err
	}

	if rt.control != nil {
		result, err := rt.control(ctx, cmd, id)
		if err != nil {
			return err
		}
		writeSuccess(w, result)
		return nil
	}

	owner := model.OwnerContext{UserID: id.UserID, OrganizationID: id.OrganizationID}
	out, err := s.dispatcher.Submit(ctx, cmd, owner)
	if err != nil {
		s.writeFailure(w, r, out.Record.ID, err)
		return nil
	}
	rec := out.Record
	status := http.StatusOK
	if rec.Status == model.StatusPending {
		status = http.StatusAccepted
	}
	resp := Response{
		Success:   true,
		RequestID: rec.ID,
		Status:    rec.Status,
		Provider:  rec.Provider,
		CacheHit:  out.CacheHit,
	}
	if rec.Status == model.StatusSucceeded {
		resp.Result = rec.Result
	}
	writeJSON(w, status, resp)
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errordefs.New(errordefs.MMG_BAD_REQUEST, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), "")
		}
		return nil, errordefs.Wrap(errordefs.MMG_BAD_REQUEST, "failed to read request body", err)
	}
	return body, nil
}

// lookupResult is the registry view returned by GET ?requestId=.
type lookupResult struct {
	Status model.Status          `json:"status"`
	Result map[string]any        `json:"result,omitempty"`
	Error  *model.OperationError `json:"error,omitempty"`
	Record model.OperationRecord `json:"record"`
}

// handleLookup serves GET /v1/gateway: one of requestId, assetId or query.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, id access.Identity) error {
	q := r.URL.Query()
	switch {
	case q.Has("requestId"):
		rec, err := s.ownedRecord(r, id, q.Get("requestId"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, Response{
			Success:   true,
			RequestID: rec.ID,
			Status:    rec.Status,
			Provider:  rec.Provider,
			Result:    lookupResult{Status: rec.Status, Result: rec.Result, Error: rec.Error, Record: rec},
		})
		return nil

	case q.Has("assetId"):
		assetID := q.Get("assetId")
		a, ok := s.library.Get(assetID)
		if !ok {
			return errordefs.New(errordefs.MMG_NOT_FOUND, "asset not found", "")
		}
		if q.Get("includeVectors") != "true" {
			a.Embedding = nil
		}
		result := map[string]any{"asset": a}
		if a.ContentRef != "" {
			url, err := s.library.ContentURL(r.Context(), assetID, contentURLExpiry)
			if err != nil {
				s.log.WarnContext(r.Context(), "presign asset content failed", "assetId", assetID, "error", err)
			} else if url != "" {
				result["contentUrl"] = url
			}
		}
		writeSuccess(w, result)
		return nil

	case q.Has("query"):
		return s.searchAssets(w, r, id)

	default:
		return errordefs.New(errordefs.MMG_BAD_REQUEST, "one of requestId, assetId or query is required", "")
	}
}

// ownedRecord returns the record for requestID when id may see it. Records
// of other users are reported as missing to non-admins.
func (s *Server) ownedRecord(r *http.Request, id access.Identity, requestID string) (model.OperationRecord, error) {
	rec, ok := s.registry.Get(requestID)
	if !ok || (rec.Owner.UserID != id.UserID && !s.gate.IsAdmin(r.Context(), id)) {
		return model.OperationRecord{}, errordefs.New(errordefs.MMG_NOT_FOUND, "operation not found", "")
	}
	return rec, nil
}

// searchAssets turns the query string into a manage-assets search and runs
// it through the dispatcher, so it is metered like any other operation.
func (s *Server) searchAssets(w http.ResponseWriter, r *http.Request, id access.Identity) error {
	q := r.URL.Query()
	payload := map[string]any{
		"operation": operation.AssetSearch,
		"query":     q.Get("query"),
		"queryType": model.ContentText,
		"limit":     DefaultSearchLimit,
	}
	if qt := q.Get("queryType"); qt != "" {
		payload["queryType"] = qt
	}
	if p := q.Get("provider"); p != "" {
		payload["provider"] = p
	}
	for _, key := range []string{"limit", "offset"} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "invalid query parameter", "",
				[]map[string]string{{"field": key, "message": "must be an integer"}})
		}
		payload[key] = n
	}
	filters := map[string]any{}
	if v := splitList(q.Get("contentTypes")); len(v) > 0 {
		filters["contentTypes"] = v
	}
	if v := splitList(q.Get("tags")); len(v) > 0 {
		filters["tags"] = v
	}
	if v := splitList(q.Get("categories")); len(v) > 0 {
		filters["categories"] = v
	}
	if v := q.Get("createdBy"); v != "" {
		filters["createdBy"] = v
	}
	if len(filters) > 0 {
		payload["filters"] = filters
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errordefs.Wrap(errordefs.MMG_INTERNAL, "failed to encode search", err)
	}
	cmd, err := s.decoder.Decode(model.OpAssetManage, raw)
	if err != nil {
		return err
	}
	out, err := s.dispatcher.Submit(r.Context(), cmd, model.OwnerContext{UserID: id.UserID, OrganizationID: id.OrganizationID})
	if err != nil {
		s.writeFailure(w, r, out.Record.ID, err)
		return nil
	}
	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		RequestID: out.Record.ID,
		Status:    out.Record.Status,
		Provider:  out.Record.Provider,
		Result:    out.Record.Result,
	})
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleAssetUpdate serves PUT /v1/gateway?assetId=.
func (s *Server) handleAssetUpdate(w http.ResponseWriter, r *http.Request, _ access.Identity) error {
	assetID := r.URL.Query().Get("assetId")
	if assetID == "" {
		return errordefs.New(errordefs.MMG_BAD_REQUEST, "assetId is required", "")
	}
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	var patch assets.Patch
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "invalid asset update", "",
			[]map[string]string{{"field": "(body)", "message": err.Error()}})
	}
	if patch.ContentType != nil && !slices.Contains(model.ContentTypes, *patch.ContentType) {
		return errordefs.NewWithDetails(errordefs.MMG_VALIDATION, "invalid asset update", "",
			[]map[string]string{{"field": "contentType", "message": "unknown content type"}})
	}
	a, err := s.library.Update(r.Context(), assetID, patch, s.dispatcher.Embedder())
	if errors.Is(err, assets.ErrNotFound) {
		return errordefs.New(errordefs.MMG_NOT_FOUND, "asset not found", "")
	}
	if err != nil {
		return errordefs.Wrap(errordefs.MMG_PROVIDER, "failed to update asset", err)
	}
	a.Embedding = nil
	writeSuccess(w, map[string]any{"asset": a})
	return nil
}

// handleAssetDelete serves DELETE /v1/gateway?assetId=.
func (s *Server) handleAssetDelete(w http.ResponseWriter, r *http.Request, _ access.Identity) error {
	assetID := r.URL.Query().Get("assetId")
	if assetID == "" {
		return errordefs.New(errordefs.MMG_BAD_REQUEST, "assetId is required", "")
	}
	removed, err := s.library.Delete(r.Context(), assetID)
	if err != nil {
		return err
	}
	if !removed {
		return errordefs.New(errordefs.MMG_NOT_FOUND, "asset not found", "")
	}
	writeSuccess(w, map[string]any{"assetId": assetID, "deleted": true})
	return nil
}

// handleIssueToken serves GET /v1/gateway/websocket-token.
func (s *Server) handleIssueToken(w http.ResponseWriter, _ *http.Request, id access.Identity) error {
	tok, err := s.tokens.Issue(id.UserID)
	if err != nil {
		return err
	}
	writeSuccess(w, tok)
	return nil
}

// handleRevokeToken serves DELETE /v1/gateway/websocket-token?token=.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request, id access.Identity) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		return errordefs.New(errordefs.MMG_BAD_REQUEST, "token is required", "")
	}
	tok, err := s.tokens.Validate(token)
	if err != nil || (tok.UserID != id.UserID && !s.gate.IsAdmin(r.Context(), id)) {
		return errordefs.New(errordefs.MMG_NOT_FOUND, "token not found", "")
	}
	writeSuccess(w, map[string]any{"revoked": s.tokens.Revoke(token)})
	return nil
}

// handleRealtime serves the websocket channel. It authenticates with a
// realtime token instead of a bearer header.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	a, err := s.realtime.Admit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec := recorderOf(w); rec != nil {
		rec.userID = a.UserID
	}
	s.realtime.Serve(w, r, a)
}

// handleUnmatched reports gateway paths and methods without a handler.
func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	name, isOperation := strings.CutPrefix(path, "/v1/gateway/")
	switch {
	case path == "/v1/gateway" || name == "websocket-token" || name == "ws":
		s.writeError(w, r, errordefs.New(errordefs.MMG_METHOD_NOT_ALLOWED, "method not allowed", ""))
	case isOperation && model.OperationType(name).Known():
		s.writeError(w, r, errordefs.New(errordefs.MMG_METHOD_NOT_ALLOWED, "operations are submitted with POST", ""))
	default:
		s.writeError(w, r, errordefs.New(errordefs.MMG_NOT_FOUND, "route not found", ""))
	}
}
