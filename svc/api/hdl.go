package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hastypaste/cfg"
	"hastypaste/metrics"
	"hastypaste/pkg/domain"
	"hastypaste/svc/svc"
	"hastypaste/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

// JSON bodies carry escaped content, so they get more room than raw uploads.
const jsonOverhead = 64 * 1024

type Hdl struct {
	paste  *svc.Paste
	cfg    *cfg.Cfg
	lexers Lexers
	now    func() time.Time
}
type CreateReq struct {
	Content   string  `json:"content"`
	LongID    *bool   `json:"long_id,omitempty"`
	ExpireDT  *string `json:"expire_dt,omitempty"`
	LexerName string  `json:"lexer_name,omitempty"`
	Title     string  `json:"title,omitempty"`
}

// createParams applies defaults and validates what the handler itself
// cannot know about: lexer names and timestamp syntax.
func (h *Hdl) createParams(longID *bool, expireDT *string, lexer, title string) (bool, domain.CreateParams, error) {
	long := h.cfg.DefaultUseLongID
	if longID != nil {
		long = *longID
	}
	params := domain.CreateParams{
		LexerName: lexer,
		Title:     norm.NFC.String(title),
	}
	if lexer != "" && !h.lexers.IsValid(lexer) {
		return false, params, domain.ErrInvalidLexer
	}
	switch {
	case expireDT != nil && *expireDT != "":
		t, err := time.Parse(time.RFC3339, *expireDT)
		if err != nil {
			return false, params, domain.NewOpError("parse expire_dt", domain.ErrInvalidExpiry, err)
		}
		params.ExpireDT = &t
	case h.cfg.DefaultExpire > 0:
		t := h.now().Add(h.cfg.DefaultExpire)
		params.ExpireDT = &t
	}
	return long, params, nil
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		writeErr(w, domain.NewOpError("create paste", domain.ErrInvalidRequest, errors.New("expected application/json")), requestID)
		return
	}
	limit := h.cfg.MaxBodySize*2 + jsonOverhead
	if r.ContentLength > limit {
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("invalid request body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Content == "" {
		writeErr(w, domain.NewOpError("create paste", domain.ErrInvalidRequest, errors.New("content is required")), requestID)
		return
	}
	long, params, err := h.createParams(req.LongID, req.ExpireDT, req.LexerName, req.Title)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	h.create(w, r, long, params, strings.NewReader(req.Content))
}

// UploadPaste streams the request body into the store; options come from
// the query string.
func (h *Hdl) UploadPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	q := r.URL.Query()
	var longID *bool
	if v := q.Get("long_id"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, domain.NewOpError("parse long_id", domain.ErrInvalidRequest, err), requestID)
			return
		}
		longID = &b
	}
	var expireDT *string
	if v := q.Get("expire_dt"); v != "" {
		expireDT = &v
	}
	long, params, err := h.createParams(longID, expireDT, q.Get("lexer_name"), q.Get("title"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if h.cfg.MaxBodySize > 0 {
		if r.ContentLength > h.cfg.MaxBodySize {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize+1)
	}
	h.create(w, r, long, params, r.Body)
}

func (h *Hdl) create(w http.ResponseWriter, r *http.Request, long bool, params domain.CreateParams, content io.Reader) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	meta, err := h.paste.CreatePaste(r.Context(), long, content, params)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			err = domain.ErrPasteTooLarge
		}
		if domain.Status(err) >= http.StatusInternalServerError {
			log.Error().Err(err).Msg("failed to create paste")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", meta.PasteID).
		Bool("long_id", long).
		Bool("expires", meta.ExpireDT != nil).
		Msg("paste created")
	writeJSON(w, http.StatusCreated, meta)
}

// loadMeta writes the error response itself and reports false when the
// request cannot continue. Expired pastes are evicted and scheduled for
// removal here.
func (h *Hdl) loadMeta(w http.ResponseWriter, r *http.Request) (*domain.PasteMeta, bool) {
	ctx := r.Context()
	requestID := util.GetRequestID(ctx)
	id := chi.URLParam(r, "id")
	meta, ok, err := h.paste.GetPasteMeta(ctx, id)
	if err != nil {
		writeErr(w, err, requestID)
		return nil, false
	}
	if !ok {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return nil, false
	}
	if meta.ExpiredAt(h.now()) {
		h.paste.EvictCached(ctx, id)
		h.paste.RemovePaste(id)
		hlog.FromRequest(r).Info().Str("paste_id", id).Msg("expired paste requested, removing")
		writeErr(w, domain.ErrPasteExpired, requestID)
		return nil, false
	}
	return meta, true
}

func (h *Hdl) GetMeta(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.loadMeta(w, r)
	if !ok {
		return
	}
	metrics.PasteRetrieved.WithLabelValues("meta").Inc()
	writeJSON(w, http.StatusOK, meta)
}

func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.loadMeta(w, r)
	if !ok {
		return
	}
	requestID := util.GetRequestID(r.Context())
	raw, ok, err := h.paste.GetPasteRaw(r.Context(), meta.PasteID)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if !ok {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return
	}
	metrics.PasteRetrieved.WithLabelValues("raw").Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (h *Hdl) GetRendered(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	override := r.URL.Query().Get("lexer")
	if override != "" && !h.lexers.IsValid(override) {
		writeErr(w, domain.ErrInvalidLexer, requestID)
		return
	}
	meta, ok := h.loadMeta(w, r)
	if !ok {
		return
	}
	html, ok, err := h.paste.GetPasteRendered(r.Context(), meta.PasteID, override)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if !ok {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return
	}
	metrics.PasteRetrieved.WithLabelValues("rendered").Inc()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, html)
}

// ListPastes streams one id per line.
func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	if !h.cfg.EnablePublicList {
		writeErr(w, domain.ErrListingDisabled, requestID)
		return
	}
	flusher, _ := w.(http.Flusher)
	n := 0
	for id, err := range h.paste.ListAllPasteIDs(r.Context()) {
		if err != nil {
			if n == 0 {
				writeErr(w, err, requestID)
				return
			}
			hlog.FromRequest(r).Error().Err(err).Int("sent", n).Msg("paste listing aborted")
			return
		}
		if n == 0 {
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		}
		if _, err := io.WriteString(w, id+"\n"); err != nil {
			return
		}
		n++
		if flusher != nil && n%256 == 0 {
			flusher.Flush()
		}
	}
	if n == 0 {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Hdl) ListLexers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lexers.Names())
}

func (h *Hdl) Stylesheet(w http.ResponseWriter, r *http.Request) {
	css, err := h.lexers.CSS()
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	io.WriteString(w, css)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr answers with the coded error body. Server side failures are
// logged here and their details never reach the client.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= http.StatusInternalServerError {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
	}
	resp := domain.ToResp(err)
	if requestID != "" {
		resp.Error.Meta = map[string]interface{}{"request_id": requestID}
	}
	writeJSON(w, statusCode, resp)
}
