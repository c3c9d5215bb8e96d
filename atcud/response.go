package atcud

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"

	"github.com/alapierre/go-atcud/atcud/model"
	"github.com/alapierre/go-atcud/atcud/series"
)

// validationCodeTags are the element names a validation code has been seen
// under, most specific first.
var validationCodeTags = []string{"codValidacaoSerie", "codigoValidacao", "codValidacao", "validationCode"}

// parseResponse reads a SOAP response or fault. It fails with
// ErrUnexpectedResponse when the body is not XML or carries neither a result
// code nor series data.
func parseResponse(body []byte) (*model.Response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, errors.Wrap(ErrUnexpectedResponse, err.Error())
	}
	root := doc.Root()
	if root == nil {
		return nil, ErrUnexpectedResponse
	}

	res := &model.Response{}
	if fault := findLocal(root, "Fault"); fault != nil {
		res.Fault = true
		if fs := findLocal(fault, "faultstring"); fs != nil {
			res.FaultString = strings.TrimSpace(fs.Text())
		}
	}
	if el := findLocal(root, "codResultOper"); el != nil {
		res.Result.Code = strings.TrimSpace(el.Text())
	}
	if el := findLocal(root, "msgResultOper"); el != nil {
		res.Result.Message = strings.TrimSpace(el.Text())
	}
	if res.Result.Message == "" {
		res.Result.Message = res.FaultString
	}

	for _, el := range findAllLocal(root, "infoSerie") {
		res.Series = append(res.Series, parseSeriesInfo(el))
	}
	res.ValidationCode = findValidationCode(root)

	if res.Result.Code == "" && len(res.Series) == 0 && !res.Fault {
		return nil, ErrUnexpectedResponse
	}
	return res, nil
}

func parseSeriesInfo(el *etree.Element) model.SeriesInfo {
	return model.SeriesInfo{
		Series:         childText(el, "serie"),
		SeriesType:     childText(el, "tipoSerie"),
		Class:          childText(el, "classeDoc"),
		DocumentType:   childText(el, "tipoDoc"),
		FirstNumber:    childUint(el, "numInicialSeq"),
		LastIssued:     childUint(el, "seqUltimoDocEmitido"),
		ValidationCode: childText(el, "codValidacaoSerie"),
		RegisteredAt:   childText(el, "dataRegisto"),
		Status:         childText(el, "estado"),
	}
}

// findValidationCode returns the first well-formed code under a known tag.
func findValidationCode(root *etree.Element) string {
	for _, tag := range validationCodeTags {
		for _, el := range findAllLocal(root, tag) {
			code := strings.ToUpper(strings.TrimSpace(el.Text()))
			if series.ValidateValidationCode(code) == nil {
				return code
			}
		}
	}
	return ""
}

func childText(el *etree.Element, tag string) string {
	if c := findLocal(el, tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func childUint(el *etree.Element, tag string) uint64 {
	n, _ := strconv.ParseUint(childText(el, tag), 10, 64)
	return n
}

// findLocal returns the first descendant whose local name is tag, ignoring
// namespace prefixes.
func findLocal(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			return c
		}
		if f := findLocal(c, tag); f != nil {
			return f
		}
	}
	return nil
}

func findAllLocal(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
			continue
		}
		out = append(out, findAllLocal(c, tag)...)
	}
	return out
}
