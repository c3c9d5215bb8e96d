// Package model holds the data exchanged with the authority series web
// service (SeriesWSService).
package model

import "time"

// ProcessingMethodSoftware flags a series as used by certified invoicing
// software.
const ProcessingMethodSoftware = "PI"

// SecurityToken is the WS-Security UsernameToken content. Password, Nonce and
// Created are base64 ciphertexts.
type SecurityToken struct {
	Username string
	Password string
	Nonce    string
	Created  string
}

// RegisterSeriesRequest is the body of registarSerie.
type RegisterSeriesRequest struct {
	Series              string // wire form CODE-YYYY-ENTITY
	SeriesType          string
	Class               string
	DocumentType        string
	FirstNumber         uint64
	ExpectedStart       time.Time
	SoftwareCertificate string
	ProcessingMethod    string
}

// LookupSeriesRequest is the body of consultarSeries. Empty fields are not
// used as filters.
type LookupSeriesRequest struct {
	Series           string
	SeriesType       string
	Class            string
	DocumentType     string
	ValidationCode   string
	ProcessingMethod string
}

// FinalizeSeriesRequest is the body of finalizarSerie.
type FinalizeSeriesRequest struct {
	Series         string
	Class          string
	DocumentType   string
	ValidationCode string
	LastNumber     uint64
	Justification  string
}

// OperationResult is the authority application result, codResultOper and
// msgResultOper.
type OperationResult struct {
	Code    string
	Message string
}

// SeriesInfo is one infoSerie element of a response.
type SeriesInfo struct {
	Series         string
	SeriesType     string
	Class          string
	DocumentType   string
	FirstNumber    uint64
	LastIssued     uint64
	ValidationCode string
	RegisteredAt   string
	Status         string
}

// Response is a parsed authority response. Fault is set when the result came
// from a SOAP Fault.
type Response struct {
	Result OperationResult
	Series []SeriesInfo
	// ValidationCode is the first code found in any known response shape.
	ValidationCode string
	Fault          bool
	FaultString    string
}
