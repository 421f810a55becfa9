// Package server contains the JSON payload conventions shared by the HTTP
// interfaces.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
)

// FloatT is a struct with a single F64 field, for {"f64": 1.0}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field, for {"int": 1}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field, for {"str": "abc"}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single Bool field, for {"bool": true}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds one value of a basic type and knows how to encode it
// as one of the single-field JSON objects above
type HumanPayload struct {
	T types.BasicKind

	Bool   bool
	Float  float64
	Int    int
	String string
}

// EncodeAndRespond writes the payload as JSON with a 200 status
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		fstr := fmt.Sprintf("unsupported payload kind %v", hp.T)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	ReplyJSON(w, v)
}

// ReplyJSON encodes v as the response body with a 200 status
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
	}
}
