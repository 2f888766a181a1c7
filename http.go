// http.go
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

type registerParticipantRequest struct {
	Name          string  `json:"name"`
	Owner         string  `json:"owner"`
	Profile       Profile `json:"profile"`
	Responsivenes string  `json:"responsiveness"`
}

func handleRegisterParticipant(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerParticipantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		desc := ParticipantDescription{
			Name: req.Name, Owner: req.Owner, Profile: req.Profile, Responsivenes: req.Responsivenes,
		}
		ctx, _ := WithRequestID(r.Context())
		id, version, err := svc.RegisterParticipant(ctx, desc)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusCreated, map[string]any{"id": id, "version": version})
	}
}

func handleUnregisterParticipant(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathParticipantID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx, _ := WithRequestID(r.Context())
		if err := svc.UnregisterParticipant(ctx, id); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
	}
}

func handleRegisterQuery(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t0, t1 := parseTimeWindow(r)
		q := Query{Maps: parseCSVMaps(r), Participants: parseCSVParticipants(r), T0: t0, T1: t1}
		id, patch := svc.RegisterQuery(q)
		respondJSON(w, http.StatusCreated, map[string]any{"id": id, "patch": patch})
	}
}

func handleUnregisterQuery(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathQueryID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := svc.UnregisterQuery(id); err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
	}
}

func handleRequestChanges(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathQueryID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		patch, err := svc.RequestChanges(id)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, patch)
	}
}

type itineraryMutationRequest struct {
	ClientVersion Version    `json:"client_version"`
	Routes        []Route    `json:"routes,omitempty"`
	RouteIDs      []RouteId  `json:"route_ids,omitempty"`
	Delay         string     `json:"delay,omitempty"`
}

func handleSet(svc *Service) http.HandlerFunc {
	return mutationHandler(svc, func(ctx httpMutationCtx, req itineraryMutationRequest) (Version, error) {
		return svc.Set(ctx.ctx, ctx.id, req.ClientVersion, req.Routes)
	})
}

func handleExtend(svc *Service) http.HandlerFunc {
	return mutationHandler(svc, func(ctx httpMutationCtx, req itineraryMutationRequest) (Version, error) {
		return svc.Extend(ctx.ctx, ctx.id, req.ClientVersion, req.Routes)
	})
}

func handleDelay(svc *Service) http.HandlerFunc {
	return mutationHandler(svc, func(ctx httpMutationCtx, req itineraryMutationRequest) (Version, error) {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return 0, ErrInvalidInput
		}
		return svc.Delay(ctx.ctx, ctx.id, req.ClientVersion, d)
	})
}

func handleErase(svc *Service) http.HandlerFunc {
	return mutationHandler(svc, func(ctx httpMutationCtx, req itineraryMutationRequest) (Version, error) {
		return svc.Erase(ctx.ctx, ctx.id, req.ClientVersion, req.RouteIDs)
	})
}

func handleClear(svc *Service) http.HandlerFunc {
	return mutationHandler(svc, func(ctx httpMutationCtx, req itineraryMutationRequest) (Version, error) {
		return svc.Clear(ctx.ctx, ctx.id, req.ClientVersion)
	})
}

type httpMutationCtx struct {
	ctx context.Context
	id  ParticipantId
}

func mutationHandler(svc *Service, run func(httpMutationCtx, itineraryMutationRequest) (Version, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathParticipantID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req itineraryMutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		ctx, _ := WithRequestID(r.Context())
		ctx = WithParticipant(ctx, id)
		version, err := run(httpMutationCtx{ctx: ctx, id: id}, req)
		if err != nil {
			switch err.(type) {
			case *StaleVersionError:
				respondError(w, http.StatusConflict, err.Error())
			case *OutOfOrderVersionError:
				respondJSON(w, http.StatusAccepted, map[string]any{"status": "buffered", "detail": err.Error()})
			default:
				respondError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"version": version})
	}
}

func handleAuditLogs(audit AuditRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if audit == nil {
			respondError(w, http.StatusNotImplemented, "audit trail not configured")
			return
		}
		filter := AuditFilter{Component: r.URL.Query().Get("component")}
		logs, err := audit.ListAuditLogs(filter)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, logs)
	}
}

type negotiationMessageRequest struct {
	Path     []ParticipantId `json:"path"`
	Proposal Proposal        `json:"proposal,omitempty"`
	Rejection Rejection      `json:"rejection,omitempty"`
	Forfeit  Forfeit         `json:"forfeit,omitempty"`
}

func pathConflict(r *http.Request) (Conflict, error) {
	vars := mux.Vars(r)
	p, err1 := strconv.ParseInt(vars["p"], 10, 64)
	q, err2 := strconv.ParseInt(vars["q"], 10, 64)
	if err1 != nil || err2 != nil {
		return Conflict{}, ErrInvalidInput
	}
	return Conflict{P: ParticipantId(p), Q: ParticipantId(q)}.Normalize(), nil
}

func handleReceiveProposal(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflict, err := pathConflict(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req negotiationMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := svc.ReceiveProposal(conflict, req.Path, req.Proposal); err != nil {
			respondNegotiationError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func handleReceiveRejection(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflict, err := pathConflict(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req negotiationMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := svc.ReceiveRejection(conflict, req.Path, req.Rejection); err != nil {
			respondNegotiationError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func handleReceiveForfeit(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflict, err := pathConflict(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req negotiationMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := svc.ReceiveForfeit(conflict, req.Path, req.Forfeit); err != nil {
			respondNegotiationError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func handleReceiveRefusal(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflict, err := pathConflict(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req negotiationMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := svc.ReceiveRefusal(conflict, req.Path); err != nil {
			respondNegotiationError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func handleReceiveConclusionAck(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflict, err := pathConflict(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, err := pathParticipantID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		svc.ReceiveConclusionAck(conflict, id)
		respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}

// respondNegotiationError maps the spec §7 negotiation error kinds to
// HTTP status: NegotiationTableNotFoundError (unknown table or unknown
// negotiation) is reported as Accepted rather than an error; anything
// else is a client error. A message for an unknown table of a known
// negotiation is cached server-side, and discarded without being applied
// once that table is created.
func respondNegotiationError(w http.ResponseWriter, err error) {
	var notFound *NegotiationTableNotFoundError
	if errors.As(err, &notFound) {
		respondJSON(w, http.StatusAccepted, map[string]any{"status": "cached", "detail": err.Error()})
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}

func pathParticipantID(r *http.Request) (ParticipantId, error) {
	v := mux.Vars(r)["participantID"]
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ErrInvalidInput
	}
	return ParticipantId(n), nil
}

func pathQueryID(r *http.Request) (QueryId, error) {
	v := mux.Vars(r)["queryID"]
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ErrInvalidInput
	}
	return QueryId(n), nil
}

// NewRouter builds the Service Facade's HTTP surface (spec §4.7/§6):
// participant and query registration, the itinerary mutation endpoints,
// and a read-only audit inspection endpoint, plus the websocket upgrade
// for pub/sub topics.
func NewRouter(svc *Service, transport *WSTransport, audit AuditRepository) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/participants", handleRegisterParticipant(svc)).Methods("POST")
	r.HandleFunc("/participants/{participantID}", handleUnregisterParticipant(svc)).Methods("DELETE")

	r.HandleFunc("/queries", handleRegisterQuery(svc)).Methods("POST")
	r.HandleFunc("/queries/{queryID}", handleUnregisterQuery(svc)).Methods("DELETE")
	r.HandleFunc("/queries/{queryID}/changes", handleRequestChanges(svc)).Methods("GET")

	r.HandleFunc("/participants/{participantID}/itinerary/set", handleSet(svc)).Methods("POST")
	r.HandleFunc("/participants/{participantID}/itinerary/extend", handleExtend(svc)).Methods("POST")
	r.HandleFunc("/participants/{participantID}/itinerary/delay", handleDelay(svc)).Methods("POST")
	r.HandleFunc("/participants/{participantID}/itinerary/erase", handleErase(svc)).Methods("POST")
	r.HandleFunc("/participants/{participantID}/itinerary/clear", handleClear(svc)).Methods("POST")

	r.HandleFunc("/negotiations/{p}/{q}/proposal", handleReceiveProposal(svc)).Methods("POST")
	r.HandleFunc("/negotiations/{p}/{q}/rejection", handleReceiveRejection(svc)).Methods("POST")
	r.HandleFunc("/negotiations/{p}/{q}/forfeit", handleReceiveForfeit(svc)).Methods("POST")
	r.HandleFunc("/negotiations/{p}/{q}/refusal", handleReceiveRefusal(svc)).Methods("POST")
	r.HandleFunc("/negotiations/{p}/{q}/ack/{participantID}", handleReceiveConclusionAck(svc)).Methods("POST")

	r.HandleFunc("/audit/logs", handleAuditLogs(audit)).Methods("GET")

	r.HandleFunc("/ws", ServeWS(transport))

	return r
}
