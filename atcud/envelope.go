package atcud

import (
	"strconv"

	"github.com/beevik/etree"

	"github.com/alapierre/go-atcud/atcud/model"
)

const (
	nsSoap   = "http://schemas.xmlsoap.org/soap/envelope/"
	nsWss    = "http://schemas.xmlsoap.org/ws/2002/12/secext"
	nsSeries = "http://at.gov.pt/"

	opRegister = "registarSerie"
	opLookup   = "consultarSeries"
	opFinalize = "finalizarSerie"
)

// buildEnvelope writes the SOAP 1.1 request for op. A nil token leaves the
// security header out, which is how envelopes are traced.
func buildEnvelope(tok *model.SecurityToken, op string, body func(*etree.Element)) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("S:Envelope")
	env.CreateAttr("xmlns:S", nsSoap)

	header := env.CreateElement("S:Header")
	if tok != nil {
		sec := header.CreateElement("wss:Security")
		sec.CreateAttr("xmlns:wss", nsWss)
		ut := sec.CreateElement("wss:UsernameToken")
		ut.CreateElement("wss:Username").SetText(tok.Username)
		ut.CreateElement("wss:Password").SetText(tok.Password)
		ut.CreateElement("wss:Nonce").SetText(tok.Nonce)
		ut.CreateElement("wss:Created").SetText(tok.Created)
	}

	call := env.CreateElement("S:Body").CreateElement("ns2:" + op)
	call.CreateAttr("xmlns:ns2", nsSeries)
	body(call)

	doc.Indent(2)
	return doc
}

func registerBody(r model.RegisterSeriesRequest) func(*etree.Element) {
	return func(el *etree.Element) {
		text(el, "serie", r.Series)
		text(el, "tipoSerie", r.SeriesType)
		text(el, "classeDoc", r.Class)
		text(el, "tipoDoc", r.DocumentType)
		text(el, "numInicialSeq", strconv.FormatUint(r.FirstNumber, 10))
		text(el, "dataInicioPrevUtiliz", r.ExpectedStart.Format("2006-01-02"))
		text(el, "numCertSWFatur", r.SoftwareCertificate)
		text(el, "meioProcessamento", r.ProcessingMethod)
	}
}

func lookupBody(r model.LookupSeriesRequest) func(*etree.Element) {
	return func(el *etree.Element) {
		optional(el, "serie", r.Series)
		optional(el, "tipoSerie", r.SeriesType)
		optional(el, "classeDoc", r.Class)
		optional(el, "tipoDoc", r.DocumentType)
		optional(el, "codValidacaoSerie", r.ValidationCode)
		optional(el, "meioProcessamento", r.ProcessingMethod)
	}
}

func finalizeBody(r model.FinalizeSeriesRequest) func(*etree.Element) {
	return func(el *etree.Element) {
		text(el, "serie", r.Series)
		text(el, "classeDoc", r.Class)
		text(el, "tipoDoc", r.DocumentType)
		text(el, "codValidacaoSerie", r.ValidationCode)
		text(el, "seqUltimoDocEmitido", strconv.FormatUint(r.LastNumber, 10))
		optional(el, "justificacao", r.Justification)
	}
}

func text(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}

func optional(parent *etree.Element, tag, value string) {
	if value != "" {
		text(parent, tag, value)
	}
}
