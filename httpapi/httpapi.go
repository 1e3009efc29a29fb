// Package httpapi exposes the jmap and oauth packages over HTTP: the
// JMAP session object and method-call endpoint of spec §6, and the
// device-authorization-grant endpoints of spec §4.8. Grounded on
// spilldb/imapserver's thin net/http-handler-per-endpoint style,
// generalized from IMAP's line protocol to JSON request/response
// bodies, with routing and poll rate-limiting taken from the examples'
// go-chi/chi and go-chi/httprate usage.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tibordp/mail-server/auth"
	"github.com/tibordp/mail-server/jmap"
	"github.com/tibordp/mail-server/oauth"
)

var tracer = otel.Tracer("github.com/tibordp/mail-server/httpapi")

// Deps are the subsystems Mount wires into HTTP handlers.
type Deps struct {
	JMAP   *jmap.Server
	Auth   *auth.Cache
	OAuth  *oauth.Store
	Tokens *oauth.TokenIssuer
	Issuer string // base URL used in the session object and OAuth discovery doc
}

// Mount registers every JMAP and OAuth route on r.
func Mount(r chi.Router, d *Deps) {
	r.Get("/.well-known/jmap", d.handleSession)
	r.Get("/jmap/session", d.handleSession)
	r.Post("/jmap/api", d.handleMethodCall)

	r.Get("/.well-known/oauth-authorization-server", d.handleDiscovery)
	r.Post("/auth/device", d.handleDeviceAuth)
	r.With(httprate.LimitByIP(1, time.Second)).Post("/auth/token", d.handleToken)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerToken extracts the caller's access token from the Authorization
// header, expecting the conventional "Bearer <jwt>" form.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// authenticate resolves the request's bearer token to an AccessToken via
// the OAuth JWT issuer, then loads the cached ACL AccessToken for the
// account it names.
func (d *Deps) authenticate(r *http.Request) (*auth.AccessToken, error) {
	tokStr, ok := bearerToken(r)
	if !ok {
		return nil, jmap.Forbidden("missing bearer token")
	}
	accountID, err := d.Tokens.ParseAccessToken(r.Context(), tokStr)
	if err != nil {
		return nil, jmap.Forbidden("invalid bearer token")
	}
	return d.Auth.GetACLToken(r.Context(), accountID)
}

// handleSession serves the JMAP session object (spec §6): capabilities,
// the primary account, and every account reachable via access_to.
func (d *Deps) handleSession(w http.ResponseWriter, r *http.Request) {
	tok, err := d.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := d.Auth.PopulateAccessTo(r.Context(), tok); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	accounts := map[string]interface{}{
		strconv.FormatInt(tok.PrimaryID, 10): map[string]interface{}{
			"name":      "primary",
			"isPrimary": true,
			"accountId": tok.PrimaryID,
		},
	}
	for _, g := range tok.AccessTo {
		key := strconv.FormatInt(g.AccountID, 10)
		accounts[key] = map[string]interface{}{
			"name":      "shared",
			"isPrimary": false,
			"accountId": g.AccountID,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities":    []string{"urn:ietf:params:jmap:core", "urn:ietf:params:jmap:mail"},
		"accounts":        accounts,
		"primaryAccounts": map[string]int64{"urn:ietf:params:jmap:mail": tok.PrimaryID},
		"apiUrl":          d.Issuer + "/jmap/api",
		"state":           "0",
	})
}

// methodCall is one entry of a JMAP request's methodCalls array:
// [name, arguments, callId].
type methodCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

func (m *methodCall) UnmarshalJSON(b []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &m.Name); err != nil {
		return err
	}
	m.Args = raw[1]
	return json.Unmarshal(raw[2], &m.ID)
}

type apiRequest struct {
	MethodCalls []methodCall `json:"methodCalls"`
}

// handleMethodCall dispatches one JMAP request body's methodCalls to the
// matching jmap.Server method, per spec §6's request/response model.
func (d *Deps) handleMethodCall(w http.ResponseWriter, r *http.Request) {
	tok, err := d.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req apiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess := jmap.Session{Token: tok, AccountID: tok.PrimaryID}
	responses := make([][3]interface{}, 0, len(req.MethodCalls))
	for _, call := range req.MethodCalls {
		name, result := d.dispatch(r.Context(), sess, call)
		responses = append(responses, [3]interface{}{name, result, call.ID})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"methodResponses": responses})
}

// dispatch invokes the jmap.Server method named by call.Name, decoding
// its arguments from call.Args. Unrecognized method names and argument
// decode failures surface as ordinary JMAP method errors rather than
// HTTP-layer failures, per spec §7 ("method errors never become HTTP
// error statuses; they are values inside methodResponses").
func (d *Deps) dispatch(ctx context.Context, sess jmap.Session, call methodCall) (string, interface{}) {
	ctx, span := tracer.Start(ctx, "jmap."+call.Name)
	span.SetAttributes(
		attribute.String("jmap.method", call.Name),
		attribute.Int64("jmap.account_id", sess.AccountID),
	)
	defer span.End()

	name, result := d.dispatchMethod(ctx, sess, call)
	if name == "error" {
		span.SetStatus(codes.Error, name)
		if je, ok := result.(*jmap.Error); ok {
			span.SetAttributes(attribute.String("jmap.error_kind", string(je.Kind)))
		}
	}
	return name, result
}

func (d *Deps) dispatchMethod(ctx context.Context, sess jmap.Session, call methodCall) (string, interface{}) {
	switch call.Name {
	case "Mailbox/get":
		var args jmap.MailboxGetArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		records, notFound, state, err := d.JMAP.MailboxGet(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Mailbox/get", map[string]interface{}{"list": records, "notFound": notFound, "state": state}

	case "Mailbox/set":
		var args jmap.MailboxSetArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		res, err := d.JMAP.MailboxSet(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Mailbox/set", res

	case "Mailbox/query":
		var args jmap.MailboxQueryArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		ids, state, err := d.JMAP.MailboxQuery(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Mailbox/query", map[string]interface{}{"ids": ids, "queryState": state}

	case "Mailbox/changes":
		var args struct {
			AccountID  int64
			SinceState string
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		changes, state, err := d.JMAP.MailboxChanges(ctx, args.AccountID, args.SinceState)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Mailbox/changes", map[string]interface{}{"changes": changes, "newState": state}

	case "Email/get":
		var args jmap.EmailGetArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		records, notFound, state, err := d.JMAP.EmailGet(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/get", map[string]interface{}{"list": records, "notFound": notFound, "state": state}

	case "Email/query":
		var args jmap.EmailQueryArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		ids, state, err := d.JMAP.EmailQuery(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/query", map[string]interface{}{"ids": ids, "queryState": state}

	case "Email/set":
		var args jmap.EmailSetArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		res, err := d.JMAP.EmailSet(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/set", res

	case "Email/changes":
		var args struct {
			AccountID  int64
			SinceState string
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		changes, state, err := d.JMAP.EmailChanges(ctx, args.AccountID, args.SinceState)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/changes", map[string]interface{}{"changes": changes, "newState": state}

	case "Email/import":
		var args jmap.EmailImportArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		res, err := d.JMAP.EmailImport(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/import", res

	case "Email/destroy":
		var args struct {
			AccountID   int64
			DocumentIDs []int64
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		res, err := d.JMAP.EmailDestroy(ctx, sess, args.AccountID, args.DocumentIDs)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/destroy", res

	case "Email/copy":
		var args struct {
			FromAccountID int64
			SrcMailboxID  int64
			DocumentID    int64
			DestAccountID int64
			DestMailboxID int64
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		newDocID, err := d.JMAP.EmailCopy(ctx, sess, args.FromAccountID, args.SrcMailboxID, args.DocumentID, args.DestAccountID, args.DestMailboxID)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Email/copy", map[string]interface{}{"documentId": newDocID}

	case "Blob/get":
		var args jmap.BlobGetArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "error", jmap.InvalidArguments(err.Error())
		}
		entries, err := d.JMAP.BlobGet(ctx, sess, args)
		if err != nil {
			return "error", asJMAPError(err)
		}
		return "Blob/get", map[string]interface{}{"list": entries}

	default:
		return "error", jmap.InvalidArguments("unknown method: " + call.Name)
	}
}

func asJMAPError(err error) *jmap.Error {
	if je, ok := err.(*jmap.Error); ok {
		return je
	}
	return jmap.ServerPartialFail(err.Error())
}
