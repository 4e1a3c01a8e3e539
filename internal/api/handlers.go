package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledger-infra/internal/ledger"
	"github.com/example/ledger-infra/internal/security"
)

type mutationRequest struct {
	Account   int64     `json:"account"`
	Depot     int64     `json:"depot"`
	Asset     int64     `json:"asset"`
	Value     string    `json:"value"`
	Order     int64     `json:"order"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type mutationResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Balance       ledger.Balance `json:"balance"`
}

type balanceResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Found         bool            `json:"found"`
	Balance       *ledger.Balance `json:"balance,omitempty"`
}

type balancesResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Balances      []ledger.Balance `json:"balances"`
}

type eventsResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Events        []ledger.Event `json:"events"`
}

type updatesResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Updates       []ledger.Update `json:"updates"`
}

type sumResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Sums          []ledger.SumRow `json:"sums"`
}

type historyResponse struct {
	CorrelationID string                `json:"correlation_id"`
	History       []ledger.HistoryEntry `json:"history"`
}

type snapshotResponse struct {
	CorrelationID string `json:"correlation_id"`
	Inserted      int    `json:"inserted"`
	Skipped       bool   `json:"skipped"`
}

type conservationResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Consistent    bool           `json:"consistent"`
	Drift         []ledger.Drift `json:"drift"`
}

// writeError translates the ledger error taxonomy to HTTP statuses.
// Backend failures stay opaque to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrDuplicate):
		security.WriteJSONError(w, r, http.StatusConflict, "duplicate_order", err.Error())
	case errors.Is(err, ledger.ErrInvalidArgument):
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func handleMutation(deps Dependencies, typ ledger.EventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}

		value, err := decimal.NewFromString(req.Value)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", "value is not a decimal number")
			return
		}

		m := ledger.Mutation{
			Account:   req.Account,
			Depot:     req.Depot,
			Asset:     req.Asset,
			Value:     value,
			Order:     req.Order,
			Data:      req.Data,
			Timestamp: req.Timestamp,
		}

		var bal ledger.Balance
		if typ == ledger.Increase {
			bal, err = deps.Ledger.Increase(r.Context(), m)
		} else {
			bal, err = deps.Ledger.Decrease(r.Context(), m)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, mutationResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Balance:       bal,
		})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := newParams(r.URL.Query())
		account := p.int64("account")
		depot := p.int64("depot")
		asset := p.int64("asset")
		if p.err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", p.err.Error())
			return
		}

		bal, found, err := deps.Ledger.Balance(r.Context(), account, depot, asset)
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := balanceResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Found:         found,
		}
		if found {
			resp.Balance = &bal
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleBalances(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		balances, err := deps.Ledger.Balances(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, balancesResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Balances:      balances,
		})
	}
}

func handleEvents(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := newParams(r.URL.Query())
		q := eventQueryFromParams(p)
		if p.err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", p.err.Error())
			return
		}

		events, err := deps.Ledger.Events(r.Context(), q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, eventsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Events:        events,
		})
	}
}

func handleUpdates(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := newParams(r.URL.Query())
		q := ledger.UpdateQuery{
			EventQuery: eventQueryFromParams(p),
			Resolution: ledger.Resolution(p.values.Get("resolution")),
		}
		if p.err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", p.err.Error())
			return
		}

		updates, err := deps.Ledger.Updates(r.Context(), q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, updatesResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Updates:       updates,
		})
	}
}

func handleSum(deps Dependencies, source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := newParams(r.URL.Query())
		q := ledger.SumQuery{
			Account:     p.int64("account"),
			Depot:       p.int64Ptr("depot"),
			Asset:       p.int64Ptr("asset"),
			Type:        p.eventType("type"),
			Data:        p.stringPtr("data"),
			DataIn:      p.stringList("data_in"),
			Start:       p.timePtr("start"),
			End:         p.timePtr("end"),
			GroupDepots: p.boolVal("group_depots"),
			Resolution:  ledger.Resolution(p.values.Get("resolution")),
		}
		if p.err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", p.err.Error())
			return
		}

		var sums []ledger.SumRow
		var err error
		if source == "events" {
			sums, err = deps.Ledger.EventSum(r.Context(), q)
		} else {
			sums, err = deps.Ledger.UpdateSum(r.Context(), q)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, sumResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Sums:          sums,
		})
	}
}

func handleUpdateHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Ledger.UpdateHistory(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, snapshotResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Inserted:      res.Inserted,
			Skipped:       res.Skipped,
		})
	}
}

func handleHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := newParams(r.URL.Query())
		q := ledger.HistoryQuery{
			Account: p.int64Ptr("account"),
			Depot:   p.int64Ptr("depot"),
			Asset:   p.int64Ptr("asset"),
			Start:   p.timePtr("start"),
			End:     p.timePtr("end"),
			Limit:   p.intVal("limit"),
		}
		if p.err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_argument", p.err.Error())
			return
		}

		history, err := deps.Ledger.History(r.Context(), q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, historyResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			History:       history,
		})
	}
}

func handleConservation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drift, err := deps.Ledger.VerifyConservation(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		consistent := true
		for _, d := range drift {
			if !d.Consistent {
				consistent = false
				break
			}
		}
		writeJSON(w, r, http.StatusOK, conservationResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Consistent:    consistent,
			Drift:         drift,
		})
	}
}

func eventQueryFromParams(p *params) ledger.EventQuery {
	return ledger.EventQuery{
		Account: p.int64("account"),
		Depot:   p.int64Ptr("depot"),
		Asset:   p.int64Ptr("asset"),
		Type:    p.eventType("type"),
		Data:    p.stringPtr("data"),
		DataIn:  p.stringList("data_in"),
		Start:   p.timePtr("start"),
		End:     p.timePtr("end"),
		Limit:   p.intVal("limit"),
		FirstID: p.int64Opt("first_id"),
		LastID:  p.int64Opt("last_id"),
	}
}

// params collects query string parsing, remembering the first failure so
// handlers can bail out with one check.
type params struct {
	values url.Values
	err    error
}

func newParams(v url.Values) *params {
	return &params{values: v}
}

func (p *params) fail(name, want string) {
	if p.err == nil {
		p.err = errors.New(name + " must be " + want)
	}
}

func (p *params) int64(name string) int64 {
	v := p.values.Get(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(name, "an integer")
		return 0
	}
	return i
}

// int64Opt is int64 for fields where absent and zero coincide.
func (p *params) int64Opt(name string) int64 {
	return p.int64(name)
}

func (p *params) int64Ptr(name string) *int64 {
	if p.values.Get(name) == "" {
		return nil
	}
	i := p.int64(name)
	return &i
}

func (p *params) intVal(name string) int {
	return int(p.int64(name))
}

func (p *params) boolVal(name string) bool {
	v := p.values.Get(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, "a boolean")
		return false
	}
	return b
}

func (p *params) stringPtr(name string) *string {
	if !p.values.Has(name) {
		return nil
	}
	s := p.values.Get(name)
	return &s
}

func (p *params) stringList(name string) []string {
	v := p.values.Get(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func (p *params) timePtr(name string) *time.Time {
	v := p.values.Get(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.fail(name, "an RFC 3339 timestamp")
		return nil
	}
	return &t
}

func (p *params) eventType(name string) *ledger.EventType {
	v := p.values.Get(name)
	if v == "" {
		return nil
	}
	t := ledger.EventType(v)
	return &t
}
