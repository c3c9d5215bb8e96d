package series

import (
	"github.com/go-faster/errors"
)

// DocumentType is the authority code of a document category. It is also the
// leading segment of a series prefix.
type DocumentType string

const (
	Invoice           DocumentType = "FT"
	SimplifiedInvoice DocumentType = "FS"
	InvoiceReceipt    DocumentType = "FR"
	DebitNote         DocumentType = "ND"
	CreditNote        DocumentType = "NC"

	DeliveryNote    DocumentType = "GR"
	TransportNote   DocumentType = "GT"
	AssetMovement   DocumentType = "GA"
	ConsignmentNote DocumentType = "GC"
	ReturnNote      DocumentType = "GD"

	TableConsultation DocumentType = "CM"
	ConsignmentCredit DocumentType = "CC"
	ConsignmentInv    DocumentType = "FC"
	WorkSheet         DocumentType = "FO"
	PurchaseOrder     DocumentType = "NE"
	OtherWorking      DocumentType = "OU"
	Quotation         DocumentType = "OR"
	ProForma          DocumentType = "PF"

	Receipt      DocumentType = "RC"
	OtherReceipt DocumentType = "RG"

	// JournalEntry is numbered locally but has no authority series class.
	JournalEntry DocumentType = "JE"
)

// Class is the authority's series class (classeDoc).
type Class string

const (
	ClassSales    Class = "SI"
	ClassMovement Class = "MG"
	ClassWorking  Class = "WD"
	ClassPayment  Class = "PY"
)

var classes = map[DocumentType]Class{
	Invoice:           ClassSales,
	SimplifiedInvoice: ClassSales,
	InvoiceReceipt:    ClassSales,
	DebitNote:         ClassSales,
	CreditNote:        ClassSales,

	DeliveryNote:    ClassMovement,
	TransportNote:   ClassMovement,
	AssetMovement:   ClassMovement,
	ConsignmentNote: ClassMovement,
	ReturnNote:      ClassMovement,

	TableConsultation: ClassWorking,
	ConsignmentCredit: ClassWorking,
	ConsignmentInv:    ClassWorking,
	WorkSheet:         ClassWorking,
	PurchaseOrder:     ClassWorking,
	OtherWorking:      ClassWorking,
	Quotation:         ClassWorking,
	ProForma:          ClassWorking,

	Receipt:      ClassPayment,
	OtherReceipt: ClassPayment,
}

// ErrUnknownDocumentType is returned for codes outside the supported set.
var ErrUnknownDocumentType = errors.New("unknown document type")

// ClassOf returns the series class registered with the authority for t.
func ClassOf(t DocumentType) (Class, bool) {
	c, ok := classes[t]
	return c, ok
}

// Valid reports whether t is one of the supported document types.
func (t DocumentType) Valid() bool {
	if t == JournalEntry {
		return true
	}
	_, ok := classes[t]
	return ok
}

func (t DocumentType) String() string {
	return string(t)
}

// ParseDocumentType validates a raw document type code.
func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(s)
	if !t.Valid() {
		return "", &FormatError{Field: "document_type", Value: s, Err: ErrUnknownDocumentType}
	}
	return t, nil
}

// Type is the authority's series type (tipoSerie).
type Type string

const (
	TypeNormal   Type = "N"
	TypeTraining Type = "F"
	TypeRecovery Type = "R"
)

func (t Type) Valid() bool {
	switch t {
	case TypeNormal, TypeTraining, TypeRecovery:
		return true
	}
	return false
}
