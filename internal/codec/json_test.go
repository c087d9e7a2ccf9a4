package codec_test

import (
	"testing"
	"time"

	"hat/internal/codec"
)

func TestMsgJSONRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 500000000, time.UTC)
	m := codec.Msg{
		Facility:  codec.FacilityLocal0,
		Severity:  codec.SeverityCritical,
		Version:   1,
		Timestamp: &ts,
		Hostname:  strp("h"),
		AppName:   strp("a"),
		ProcID:    strp("1"),
		MsgID:     strp("m"),
		Data: codec.StructuredData{
			"id@0": codec.SDParams{"k": "v"},
		},
		Message: strp("body"),
	}

	raw, err := codec.EncodeMsgJSON(m)
	if err != nil {
		t.Fatalf("EncodeMsgJSON: %v", err)
	}
	got, err := codec.DecodeMsgJSON(raw)
	if err != nil {
		t.Fatalf("DecodeMsgJSON: %v", err)
	}

	if got.Facility != m.Facility || got.Severity != m.Severity {
		t.Errorf("facility/severity mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(*m.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, m.Timestamp)
	}
	if got.Data["id@0"]["k"] != "v" {
		t.Errorf("Data = %v", got.Data)
	}
}

func TestEntryJSONRoundTrip(t *testing.T) {
	e := codec.Entry{
		ID:        42,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Msg: codec.Msg{
			Facility: codec.FacilityUser,
			Severity: codec.SeverityInfo,
			Version:  1,
			Message:  strp("hi"),
		},
	}

	raw, err := codec.EncodeEntryJSON(e)
	if err != nil {
		t.Fatalf("EncodeEntryJSON: %v", err)
	}
	got, err := codec.DecodeEntryJSON(raw)
	if err != nil {
		t.Fatalf("DecodeEntryJSON: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("ID = %d, want %d", got.ID, e.ID)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, e.Timestamp)
	}
	if got.Msg.Message == nil || *got.Msg.Message != "hi" {
		t.Errorf("Msg.Message = %v", got.Msg.Message)
	}
}

func TestFilterJSONRoundTrip(t *testing.T) {
	maxResults := 50
	lastID := int64(100)
	fac := codec.FacilityLocal7
	sev := codec.SeverityWarning

	f := codec.Filter{
		MaxResults: &maxResults,
		LastID:     &lastID,
		Facility:   &fac,
		Severity:   &sev,
		Hostname:   strp("web"),
		Message:    strp("timeout"),
	}

	raw, err := codec.EncodeFilterJSON(f)
	if err != nil {
		t.Fatalf("EncodeFilterJSON: %v", err)
	}
	got, err := codec.DecodeFilterJSON(raw)
	if err != nil {
		t.Fatalf("DecodeFilterJSON: %v", err)
	}
	if !got.Equal(f) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestFilterJSONEmpty(t *testing.T) {
	raw, err := codec.EncodeFilterJSON(codec.Filter{})
	if err != nil {
		t.Fatalf("EncodeFilterJSON: %v", err)
	}
	got, err := codec.DecodeFilterJSON(raw)
	if err != nil {
		t.Fatalf("DecodeFilterJSON: %v", err)
	}
	if !got.Equal(codec.Filter{}) {
		t.Errorf("expected empty filter, got %+v", got)
	}
}

func TestFilterMatches_EmptyMsgSubstringUnconstrained(t *testing.T) {
	empty := ""
	f := codec.Filter{Message: &empty}
	e := codec.Entry{Msg: codec.Msg{Message: strp("anything")}}
	if !f.Matches(e) {
		t.Error("empty substring predicate should be unconstrained")
	}
}

func TestClampMaxResults(t *testing.T) {
	cases := []struct {
		in   *int
		want int
	}{
		{nil, codec.GlobalMaxResults},
		{func() *int { v := 300; return &v }(), codec.GlobalMaxResults},
		{func() *int { v := 10; return &v }(), 10},
	}
	for _, c := range cases {
		if got := codec.ClampMaxResults(c.in); got != c.want {
			t.Errorf("ClampMaxResults(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
