package domain

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MetaVersion  = 1
	MaxTitleLen  = 32
	MinIDLen     = 3
	DefaultLexer = "text"
)

// PasteMeta describes a stored paste. It is written once at creation and
// never modified afterwards.
type PasteMeta struct {
	Version    int
	PasteID    string
	CreationDT time.Time
	ExpireDT   *time.Time
	LexerName  string
	Title      string
}

type metaWire struct {
	Version    *int    `json:"version"`
	PasteID    string  `json:"paste_id"`
	CreationDT string  `json:"creation_dt"`
	ExpireDT   *string `json:"expire_dt,omitempty"`
	LexerName  *string `json:"lexer_name,omitempty"`
	Title      *string `json:"title,omitempty"`
}

// older records carry naive timestamps which are UTC by convention
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (m PasteMeta) MarshalJSON() ([]byte, error) {
	v := m.Version
	w := metaWire{
		Version:    &v,
		PasteID:    m.PasteID,
		CreationDT: formatTime(m.CreationDT),
	}
	if m.ExpireDT != nil {
		s := formatTime(*m.ExpireDT)
		w.ExpireDT = &s
	}
	if m.LexerName != "" {
		w.LexerName = &m.LexerName
	}
	if m.Title != "" {
		w.Title = &m.Title
	}
	return json.Marshal(w)
}

// UnmarshalJSON checks the format version before anything else so an
// unsupported version is reported as such and not as a generic decode
// failure.
func (m *PasteMeta) UnmarshalJSON(b []byte) error {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return NewOpError("decode meta", ErrMetaUnprocessable, err)
	}
	if probe.Version != nil && *probe.Version != MetaVersion {
		return NewOpError("decode meta", ErrMetaVersionInvalid,
			fmt.Errorf("version %d, want %d", *probe.Version, MetaVersion))
	}
	var w metaWire
	if err := json.Unmarshal(b, &w); err != nil {
		return NewOpError("decode meta", ErrMetaUnprocessable, err)
	}
	if w.PasteID == "" {
		return NewOpError("decode meta", ErrMetaUnprocessable, fmt.Errorf("missing paste_id"))
	}
	created, err := parseTime(w.CreationDT)
	if err != nil {
		return NewOpError("decode meta", ErrMetaUnprocessable, fmt.Errorf("creation_dt: %w", err))
	}
	out := PasteMeta{
		Version:    MetaVersion,
		PasteID:    w.PasteID,
		CreationDT: created,
	}
	if w.ExpireDT != nil {
		exp, err := parseTime(*w.ExpireDT)
		if err != nil {
			return NewOpError("decode meta", ErrMetaUnprocessable, fmt.Errorf("expire_dt: %w", err))
		}
		out.ExpireDT = &exp
	}
	if w.LexerName != nil {
		out.LexerName = *w.LexerName
	}
	if w.Title != nil {
		out.Title = *w.Title
	}
	*m = out
	return nil
}

func EncodeMeta(m *PasteMeta) ([]byte, error) {
	return json.Marshal(m)
}
func DecodeMeta(b []byte) (*PasteMeta, error) {
	m := &PasteMeta{}
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PasteMeta) IsExpired() bool {
	return m.ExpiredAt(time.Now())
}
func (m *PasteMeta) ExpiredAt(now time.Time) bool {
	return m.ExpireDT != nil && m.ExpireDT.Before(now.UTC())
}

// UntilExpiry returns false when the paste never expires.
func (m *PasteMeta) UntilExpiry() (time.Duration, bool) {
	if m.ExpireDT == nil {
		return 0, false
	}
	return time.Until(*m.ExpireDT), true
}

// Lexer returns the lexer a canonical render should use.
func (m *PasteMeta) Lexer() string {
	if m.LexerName != "" {
		return m.LexerName
	}
	return DefaultLexer
}

type CreateParams struct {
	ExpireDT  *time.Time
	LexerName string
	Title     string
}

func (p CreateParams) Validate(now time.Time) error {
	if utf8.RuneCountInString(p.Title) > MaxTitleLen {
		return ErrTitleTooLong
	}
	if p.ExpireDT != nil && !p.ExpireDT.After(now) {
		return ErrInvalidExpiry
	}
	return nil
}
func (p CreateParams) IntoMeta(id string, now time.Time) *PasteMeta {
	m := &PasteMeta{
		Version:    MetaVersion,
		PasteID:    id,
		CreationDT: now.UTC(),
		LexerName:  p.LexerName,
		Title:      p.Title,
	}
	if p.ExpireDT != nil {
		exp := p.ExpireDT.UTC()
		m.ExpireDT = &exp
	}
	return m
}

func ValidateID(id string) error {
	if len(id) < MinIDLen {
		return ErrInvalidPasteID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return ErrInvalidPasteID
		}
	}
	return nil
}
