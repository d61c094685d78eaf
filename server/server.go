// Package server contains the HTTP plumbing shared by the meter's routes:
// a route table bound to a chi router, and the small JSON payloads clients
// exchange with it.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method and path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the endpoints in a RouteTable, sorted, as "METHOD path"
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind binds each route to r, plus list-of-routes which returns Endpoints
// as {"strs": [...]}
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fn)
	}
	r.Get("/list-of-routes", func(w http.ResponseWriter, req *http.Request) {
		hp := HumanPayload{T: types.UntypedNil, Strings: rt.Endpoints()}
		hp.EncodeAndRespond(w, req)
	})
}

// FloatT is a struct with a single float64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// StrT is a struct with a single string field
type StrT struct {
	Str string `json:"str"`
}

// StrsT is a struct with a single slice of strings field
type StrsT struct {
	Strs []string `json:"strs"`
}

// HumanPayload is a struct containing the basic types that can be
// sent over JSON.  T selects which of the fields is encoded; UntypedNil
// selects Strings
type HumanPayload struct {
	T       types.BasicKind
	Float   float64
	String  string
	Strings []string
}

// EncodeAndRespond encodes the payload as {"f64": ...}, {"str": ...} or
// {"strs": ...} and writes it to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.String:
		v = StrT{Str: hp.String}
	case types.UntypedNil:
		v = StrsT{Strs: hp.Strings}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	RespondJSON(w, v)
}

// RespondJSON writes v as JSON with status OK
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encoding response")
	}
}
