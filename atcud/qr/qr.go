// Package qr builds the machine readable payload printed as a QR code on
// fiscal documents.
//
// The payload is a fixed ordered list of TAG:VALUE fields joined by '*':
//
//	A  issuer NIF               H  ATCUD
//	B  customer NIF             I1 tax region
//	C  customer country         I2..I6 exempt, reduced and intermediate rate
//	D  document type               bases and VAT, only when not zero
//	E  document status          I7 normal rate base    I8 normal rate VAT
//	F  date YYYYMMDD            N  total VAT           O  gross total
//	G  document number          Q  4 character hash    R  software certificate
//	                            S  series prefix
//
// Downstream readers depend on tag letters and order.
package qr

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/alapierre/go-atcud/atcud"
	"github.com/alapierre/go-atcud/atcud/nif"
	"github.com/alapierre/go-atcud/atcud/series"
)

var logger = logrus.WithField("component", "atcud.qr")

const (
	Delimiter = "*"

	// FinalConsumerNIF identifies an anonymous customer.
	FinalConsumerNIF = "999999990"
	DefaultCountry   = "PT"
	StatusNormal     = "N"
)

var (
	ErrInvalidNIF     = errors.New("invalid NIF")
	ErrMissingField   = errors.New("required field missing")
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrDelimiter is returned when a value contains Delimiter.
	ErrDelimiter = errors.New("value contains the field delimiter")
)

// Document carries the fields of a fiscal document printed in the payload.
type Document struct {
	IssuerNIF       string
	CustomerNIF     string
	CustomerCountry string
	DocumentType    series.DocumentType
	// Status is the document state (N normal, A cancelled, ...).
	Status string
	Date   time.Time
	// Number is the unique document identification, e.g. "FT FT2024AB/7".
	Number       string
	TaxRegion    string
	SeriesPrefix string

	ExemptBase       decimal.Decimal
	ReducedBase      decimal.Decimal
	ReducedTax       decimal.Decimal
	IntermediateBase decimal.Decimal
	IntermediateTax  decimal.Decimal
	NormalBase       decimal.Decimal
	NormalTax        decimal.Decimal
	TotalTax         decimal.Decimal
	GrossTotal       decimal.Decimal
}

type options struct {
	softwareCertificate string
}

type Option func(*options)

// WithSoftwareCertificate sets the certification number of the invoicing
// software (tag R). It defaults to "0".
func WithSoftwareCertificate(n string) Option {
	return func(o *options) { o.softwareCertificate = n }
}

// BuildPayload renders the payload for doc stamped with atcudCode. Temporary
// and malformed codes are refused.
func BuildPayload(doc Document, atcudCode string, opts ...Option) (string, error) {
	o := options{softwareCertificate: "0"}
	for _, opt := range opts {
		opt(&o)
	}

	if atcud.IsTemporary(atcudCode) {
		return "", errors.Wrap(atcud.ErrTemporaryCode, atcudCode)
	}
	if err := atcud.ValidateCode(atcudCode); err != nil {
		return "", err
	}
	doc = withDefaults(doc)
	if err := validate(doc); err != nil {
		return "", err
	}

	f := fields{}
	f.add("A", nif.Normalize(doc.IssuerNIF))
	f.add("B", customerID(doc))
	f.add("C", doc.CustomerCountry)
	f.add("D", string(doc.DocumentType))
	f.add("E", doc.Status)
	f.add("F", doc.Date.Format("20060102"))
	f.add("G", doc.Number)
	f.add("H", atcudCode)
	f.add("I1", doc.TaxRegion)
	f.addNonZero("I2", doc.ExemptBase)
	f.addNonZero("I3", doc.ReducedBase)
	f.addNonZero("I4", doc.ReducedTax)
	f.addNonZero("I5", doc.IntermediateBase)
	f.addNonZero("I6", doc.IntermediateTax)
	f.addAmount("I7", doc.NormalBase)
	f.addAmount("I8", doc.NormalTax)
	f.addAmount("N", doc.TotalTax)
	f.addAmount("O", doc.GrossTotal)
	f.add("Q", Hash(doc.Number, atcudCode))
	f.add("R", o.softwareCertificate)
	f.add("S", doc.SeriesPrefix)

	payload := strings.Join(f, Delimiter)
	logger.WithField("atcud", atcudCode).Debug("built QR payload")
	return payload, nil
}

// Hash is the 4 character integrity hash: characters 0, 10, 20 and 30 of the
// upper-case hex SHA-256 of document number followed by ATCUD.
func Hash(number, atcudCode string) string {
	sum := sha256.Sum256([]byte(number + atcudCode))
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	return string([]byte{h[0], h[10], h[20], h[30]})
}

// FormatAmount renders an amount with exactly two decimals and a dot.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

type fields []string

func (f *fields) add(tag, value string) {
	*f = append(*f, tag+":"+value)
}

func (f *fields) addAmount(tag string, d decimal.Decimal) {
	f.add(tag, FormatAmount(d))
}

func (f *fields) addNonZero(tag string, d decimal.Decimal) {
	if !d.IsZero() {
		f.addAmount(tag, d)
	}
}

func withDefaults(doc Document) Document {
	if doc.CustomerCountry == "" {
		doc.CustomerCountry = DefaultCountry
	}
	if doc.TaxRegion == "" {
		doc.TaxRegion = DefaultCountry
	}
	if doc.Status == "" {
		doc.Status = StatusNormal
	}
	doc.CustomerCountry = strings.ToUpper(doc.CustomerCountry)
	doc.CustomerNIF = strings.TrimSpace(doc.CustomerNIF)
	return doc
}

func customerID(doc Document) string {
	if doc.CustomerNIF == "" {
		return FinalConsumerNIF
	}
	if doc.CustomerCountry == DefaultCountry {
		return nif.Normalize(doc.CustomerNIF)
	}
	return doc.CustomerNIF
}

func validate(doc Document) error {
	for name, v := range map[string]string{
		"customer_nif":     doc.CustomerNIF,
		"customer_country": doc.CustomerCountry,
		"status":           doc.Status,
		"document_number":  doc.Number,
		"tax_region":       doc.TaxRegion,
		"series_prefix":    doc.SeriesPrefix,
	} {
		if strings.Contains(v, Delimiter) {
			return &series.FormatError{Field: name, Value: v, Err: ErrDelimiter}
		}
	}
	if !nif.Valid(doc.IssuerNIF) {
		return &series.FormatError{Field: "issuer_nif", Value: doc.IssuerNIF, Err: ErrInvalidNIF}
	}
	if doc.CustomerCountry == DefaultCountry && doc.CustomerNIF != "" && !nif.Valid(doc.CustomerNIF) {
		return &series.FormatError{Field: "customer_nif", Value: doc.CustomerNIF, Err: ErrInvalidNIF}
	}
	if !doc.DocumentType.Valid() {
		return &series.FormatError{Field: "document_type", Value: string(doc.DocumentType), Err: series.ErrUnknownDocumentType}
	}
	switch {
	case doc.Date.IsZero():
		return errors.Wrap(ErrMissingField, "date")
	case doc.Number == "":
		return errors.Wrap(ErrMissingField, "document number")
	case doc.SeriesPrefix == "":
		return errors.Wrap(ErrMissingField, "series prefix")
	}
	if _, err := series.ParsePrefix(doc.SeriesPrefix); err != nil {
		return err
	}
	for name, d := range map[string]decimal.Decimal{
		"exempt base":       doc.ExemptBase,
		"reduced base":      doc.ReducedBase,
		"reduced tax":       doc.ReducedTax,
		"intermediate base": doc.IntermediateBase,
		"intermediate tax":  doc.IntermediateTax,
		"normal base":       doc.NormalBase,
		"normal tax":        doc.NormalTax,
		"total tax":         doc.TotalTax,
		"gross total":       doc.GrossTotal,
	} {
		if d.IsNegative() {
			return errors.Wrap(ErrNegativeAmount, name)
		}
	}
	return nil
}
