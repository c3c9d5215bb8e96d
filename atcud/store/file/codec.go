package file

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/alapierre/go-atcud/atcud/series"
)

const formatVersion = 1

func encode(all []*series.Series) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.SetIdent(2)

	e.ObjStart()
	e.FieldStart("version")
	e.Int(formatVersion)
	e.FieldStart("series")
	e.ArrStart()
	for _, s := range all {
		encodeSeries(e, s)
	}
	e.ArrEnd()
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

func encodeSeries(e *jx.Encoder, s *series.Series) {
	e.ObjStart()
	str(e, "id", s.ID)
	str(e, "legal_entity", s.LegalEntity)
	str(e, "prefix", s.Prefix)
	str(e, "document_type", string(s.DocumentType))
	str(e, "series_type", string(s.Type))
	str(e, "start_date", s.StartDate.Format(time.DateOnly))
	e.FieldStart("current_sequence")
	e.UInt64(s.CurrentSequence)
	str(e, "validation_code", s.ValidationCode)
	str(e, "fallback_code", s.FallbackCode)
	e.FieldStart("is_communicated")
	e.Bool(s.IsCommunicated)
	e.FieldStart("communication_attempts")
	e.Int(s.CommunicationAttempts)
	if !s.LastCommunicationAttempt.IsZero() {
		str(e, "last_communication_attempt", s.LastCommunicationAttempt.Format(time.RFC3339Nano))
	}
	str(e, "last_error", s.LastError)
	str(e, "status", string(s.Status))
	str(e, "created_at", s.CreatedAt.Format(time.RFC3339Nano))
	str(e, "updated_at", s.UpdatedAt.Format(time.RFC3339Nano))
	e.ObjEnd()
}

func str(e *jx.Encoder, field, v string) {
	e.FieldStart(field)
	e.Str(v)
}

func decode(data []byte) ([]*series.Series, error) {
	var (
		out     []*series.Series
		version int
	)
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "version":
			v, err := d.Int()
			version = v
			return err
		case "series":
			return d.Arr(func(d *jx.Decoder) error {
				s, err := decodeSeries(d)
				if err != nil {
					return err
				}
				out = append(out, s)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode registry")
	}
	if version != formatVersion {
		return nil, errors.Errorf("unsupported registry version %d", version)
	}
	return out, nil
}

func decodeSeries(d *jx.Decoder) (*series.Series, error) {
	var s series.Series
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			s.ID, err = d.Str()
		case "legal_entity":
			s.LegalEntity, err = d.Str()
		case "prefix":
			s.Prefix, err = d.Str()
		case "document_type":
			var v string
			v, err = d.Str()
			s.DocumentType = series.DocumentType(v)
		case "series_type":
			var v string
			v, err = d.Str()
			s.Type = series.Type(v)
		case "start_date":
			s.StartDate, err = timeField(d, time.DateOnly)
		case "current_sequence":
			s.CurrentSequence, err = d.UInt64()
		case "validation_code":
			s.ValidationCode, err = d.Str()
		case "fallback_code":
			s.FallbackCode, err = d.Str()
		case "is_communicated":
			s.IsCommunicated, err = d.Bool()
		case "communication_attempts":
			s.CommunicationAttempts, err = d.Int()
		case "last_communication_attempt":
			s.LastCommunicationAttempt, err = timeField(d, time.RFC3339Nano)
		case "last_error":
			s.LastError, err = d.Str()
		case "status":
			var v string
			v, err = d.Str()
			s.Status = series.Status(v)
		case "created_at":
			s.CreatedAt, err = timeField(d, time.RFC3339Nano)
		case "updated_at":
			s.UpdatedAt, err = timeField(d, time.RFC3339Nano)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, errors.New("series without id")
	}
	return &s, nil
}

func timeField(d *jx.Decoder, layout string) (time.Time, error) {
	v, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(layout, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
