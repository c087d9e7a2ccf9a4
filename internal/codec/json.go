package codec

import (
	"encoding/json"
	"fmt"
	"time"
)

// msgJSON is the lossless JSON-shaped mirror of Msg: enumerations are
// carried by symbolic name.
type msgJSON struct {
	Facility  string          `json:"facility"`
	Severity  string          `json:"severity"`
	Version   int             `json:"version"`
	Timestamp *float64        `json:"timestamp"`
	Hostname  *string         `json:"hostname"`
	AppName   *string         `json:"app_name"`
	ProcID    *string         `json:"procid"`
	MsgID     *string         `json:"msgid"`
	Data      json.RawMessage `json:"data"`
	Message   *string         `json:"msg"`
}

// EncodeMsgJSON produces the JSON-shaped representation of m.
func EncodeMsgJSON(m Msg) ([]byte, error) {
	j, err := toMsgJSON(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

func toMsgJSON(m Msg) (msgJSON, error) {
	j := msgJSON{
		Facility: m.Facility.String(),
		Severity: m.Severity.String(),
		Version:  m.Version,
		Hostname: m.Hostname,
		AppName:  m.AppName,
		ProcID:   m.ProcID,
		MsgID:    m.MsgID,
		Message:  m.Message,
	}
	if m.Timestamp != nil {
		ts := float64(m.Timestamp.UnixNano()) / 1e9
		j.Timestamp = &ts
	}
	if len(m.Data) > 0 {
		raw, err := json.Marshal(m.Data)
		if err != nil {
			return msgJSON{}, fmt.Errorf("codec: encode msg json: data: %w", err)
		}
		j.Data = raw
	}
	return j, nil
}

// DecodeMsgJSON parses the JSON-shaped representation into a Msg.
func DecodeMsgJSON(raw []byte) (Msg, error) {
	var j msgJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return Msg{}, fmt.Errorf("codec: decode msg json: %w", err)
	}
	return fromMsgJSON(j)
}

func fromMsgJSON(j msgJSON) (Msg, error) {
	var m Msg

	fac, ok := ParseFacility(j.Facility)
	if !ok {
		return m, fmt.Errorf("codec: decode msg json: invalid facility %q", j.Facility)
	}
	m.Facility = fac

	sev, ok := ParseSeverity(j.Severity)
	if !ok {
		return m, fmt.Errorf("codec: decode msg json: invalid severity %q", j.Severity)
	}
	m.Severity = sev

	m.Version = j.Version
	m.Hostname = j.Hostname
	m.AppName = j.AppName
	m.ProcID = j.ProcID
	m.MsgID = j.MsgID
	m.Message = j.Message

	if j.Timestamp != nil {
		sec := int64(*j.Timestamp)
		nsec := int64((*j.Timestamp - float64(sec)) * 1e9)
		ts := time.Unix(sec, nsec).UTC()
		m.Timestamp = &ts
	}

	if len(j.Data) > 0 && string(j.Data) != "null" {
		var data StructuredData
		if err := json.Unmarshal(j.Data, &data); err != nil {
			return m, fmt.Errorf("codec: decode msg json: data: %w", err)
		}
		m.Data = data
	}

	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("codec: decode msg json: %w", err)
	}

	return m, nil
}

// entryJSON mirrors Entry with its embedded Msg.
type entryJSON struct {
	ID        int64    `json:"id"`
	Timestamp float64  `json:"timestamp"`
	Msg       *msgJSON `json:"msg"`
}

// EncodeEntryJSON produces the JSON-shaped representation of e.
func EncodeEntryJSON(e Entry) ([]byte, error) {
	mj, err := toMsgJSON(e.Msg)
	if err != nil {
		return nil, err
	}
	j := entryJSON{
		ID:        e.ID,
		Timestamp: float64(e.Timestamp.UnixNano()) / 1e9,
		Msg:       &mj,
	}
	return json.Marshal(j)
}

// DecodeEntryJSON parses the JSON-shaped representation into an Entry.
func DecodeEntryJSON(raw []byte) (Entry, error) {
	var j entryJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return Entry{}, fmt.Errorf("codec: decode entry json: %w", err)
	}
	var e Entry
	e.ID = j.ID
	sec := int64(j.Timestamp)
	nsec := int64((j.Timestamp - float64(sec)) * 1e9)
	e.Timestamp = time.Unix(sec, nsec).UTC()
	if j.Msg != nil {
		m, err := fromMsgJSON(*j.Msg)
		if err != nil {
			return Entry{}, err
		}
		e.Msg = m
	}
	return e, nil
}

// filterJSON mirrors Filter with symbolic enumerations.
type filterJSON struct {
	MaxResults *int     `json:"max_results,omitempty"`
	LastID     *int64   `json:"last_id,omitempty"`

	EntryTimestampFrom *float64 `json:"entry_timestamp_from,omitempty"`
	EntryTimestampTo   *float64 `json:"entry_timestamp_to,omitempty"`

	Facility *string `json:"facility,omitempty"`
	Severity *string `json:"severity,omitempty"`

	Hostname *string `json:"hostname,omitempty"`
	AppName  *string `json:"app_name,omitempty"`
	ProcID   *string `json:"procid,omitempty"`
	MsgID    *string `json:"msgid,omitempty"`
	Message  *string `json:"msg,omitempty"`
}

// EncodeFilterJSON produces the JSON-shaped representation of f.
func EncodeFilterJSON(f Filter) ([]byte, error) {
	j := filterJSON{
		MaxResults: f.MaxResults,
		LastID:     f.LastID,
		Hostname:   f.Hostname,
		AppName:    f.AppName,
		ProcID:     f.ProcID,
		MsgID:      f.MsgID,
		Message:    f.Message,
	}
	if f.EntryTimestampFrom != nil {
		v := float64(f.EntryTimestampFrom.UnixNano()) / 1e9
		j.EntryTimestampFrom = &v
	}
	if f.EntryTimestampTo != nil {
		v := float64(f.EntryTimestampTo.UnixNano()) / 1e9
		j.EntryTimestampTo = &v
	}
	if f.Facility != nil {
		v := f.Facility.String()
		j.Facility = &v
	}
	if f.Severity != nil {
		v := f.Severity.String()
		j.Severity = &v
	}
	return json.Marshal(j)
}

// DecodeFilterJSON parses the JSON-shaped representation into a Filter.
func DecodeFilterJSON(raw []byte) (Filter, error) {
	var j filterJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return Filter{}, fmt.Errorf("codec: decode filter json: %w", err)
	}

	f := Filter{
		MaxResults: j.MaxResults,
		LastID:     j.LastID,
		Hostname:   j.Hostname,
		AppName:    j.AppName,
		ProcID:     j.ProcID,
		MsgID:      j.MsgID,
		Message:    j.Message,
	}

	if j.EntryTimestampFrom != nil {
		sec := int64(*j.EntryTimestampFrom)
		nsec := int64((*j.EntryTimestampFrom - float64(sec)) * 1e9)
		t := time.Unix(sec, nsec).UTC()
		f.EntryTimestampFrom = &t
	}
	if j.EntryTimestampTo != nil {
		sec := int64(*j.EntryTimestampTo)
		nsec := int64((*j.EntryTimestampTo - float64(sec)) * 1e9)
		t := time.Unix(sec, nsec).UTC()
		f.EntryTimestampTo = &t
	}
	if j.Facility != nil {
		fac, ok := ParseFacility(*j.Facility)
		if !ok {
			return Filter{}, fmt.Errorf("codec: decode filter json: invalid facility %q", *j.Facility)
		}
		f.Facility = &fac
	}
	if j.Severity != nil {
		sev, ok := ParseSeverity(*j.Severity)
		if !ok {
			return Filter{}, fmt.Errorf("codec: decode filter json: invalid severity %q", *j.Severity)
		}
		f.Severity = &sev
	}

	return f, nil
}
